package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"cellworld.ai/internal/persistence/cellstore"
	"cellworld.ai/internal/persistence/snapshot"
	"cellworld.ai/internal/sim/graph"
)

func (c *CLI) newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Export, inspect or request world snapshots",
	}
	cmd.AddCommand(c.newSnapshotExportCmd())
	cmd.AddCommand(c.newSnapshotInspectCmd())
	cmd.AddCommand(c.newSnapshotTakeCmd())
	return cmd
}

// openGraph loads the cell database into a memory-only graph. The store is
// closed before returning so a running server is not blocked for long.
func openGraph(cmd *cobra.Command) (*graph.Graph, string, error) {
	dbPath, _, worldID, err := paths(cmd)
	if err != nil {
		return nil, "", err
	}
	if dbPath == "" {
		return nil, "", fmt.Errorf("no cell database; pass --db or --config")
	}
	st, err := cellstore.Open(dbPath, cellstore.Options{})
	if err != nil {
		return nil, "", err
	}
	defer st.Close()
	recs, err := st.LoadAll(cmd.Context())
	if err != nil {
		return nil, "", err
	}
	g := graph.New(graph.Config{})
	if err := g.Restore(cmd.Context(), recs, "admin"); err != nil {
		return nil, "", err
	}
	return g, worldID, nil
}

func (c *CLI) newSnapshotExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the cell database to a snapshot file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, worldID, err := openGraph(cmd)
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("out")
			if out == "" {
				_, snapDir, _, err := paths(cmd)
				if err != nil {
					return err
				}
				out = filepath.Join(snapDir, fmt.Sprintf("%d.snap.zst", time.Now().UnixMilli()))
			}
			snap := snapshot.FromGraph(worldID, g)
			if err := snapshot.WriteSnapshot(out, snap); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s cells=%d\n", out, len(snap.Cells))
			return nil
		},
	}
	cmd.Flags().StringP("out", "o", "", "output path (default <snapshot dir>/<unix ms>.snap.zst)")
	return cmd
}

func (c *CLI) newSnapshotInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <path>",
		Short: "Print a snapshot header and verify its digest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := snapshot.ReadHeader(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(h); err != nil {
				return err
			}
			snap, err := snapshot.ReadSnapshot(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "digest ok")
			if all, _ := cmd.Flags().GetBool("cells"); all {
				cells := append([]snapshot.CellV1(nil), snap.Cells...)
				sort.Slice(cells, func(i, j int) bool { return cells[i].ID < cells[j].ID })
				for _, cell := range cells {
					fmt.Fprintf(out, "%s\t%s\tparent=%s\tbounds=%v\n", cell.ID, cell.TypeTag, cell.ParentID, cell.Bounds)
				}
			}
			return nil
		},
	}
	cmd.Flags().Bool("cells", false, "also list every cell")
	return cmd
}

func (c *CLI) newSnapshotTakeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "take",
		Short: "Ask a running server to write a snapshot now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, _ := cmd.Flags().GetString("url")
			return c.adminRequest(cmd, http.MethodPost, base, "/admin/v1/snapshot")
		},
	}
	cmd.Flags().String("url", "http://127.0.0.1:8080", "server base url")
	return cmd
}
