package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"cellworld.ai/internal/persistence/cellstore"
	"cellworld.ai/internal/sim/graph"
)

func (c *CLI) newCellsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cells",
		Short: "Inspect cells in the cell database",
	}
	cmd.AddCommand(c.newCellsListCmd())
	cmd.AddCommand(c.newCellsHistoryCmd())
	return cmd
}

func (c *CLI) newCellsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the cell tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, _, err := openGraph(cmd)
			if err != nil {
				return err
			}
			from, _ := cmd.Flags().GetString("from")
			start := graph.RootID
			if from != "" {
				start = graph.CellID(from)
			}
			out := cmd.OutOrStdout()
			var walk func(id graph.CellID, depth int) error
			walk = func(id graph.CellID, depth int) error {
				cell, ok := g.Cell(id)
				if !ok {
					return fmt.Errorf("cell %s not found", id)
				}
				if id != graph.RootID {
					b, err := g.ComputedBounds(id)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s%s %s at=%v bounds=%v\n", strings.Repeat("  ", depth), id, cell.TypeTag, cell.Transform.Translation, b)
					depth++
				}
				for _, child := range cell.Children {
					if err := walk(child, depth); err != nil {
						return err
					}
				}
				return nil
			}
			if err := walk(start, 0); err != nil {
				return err
			}
			var detached []graph.CellID
			for _, r := range g.Records() {
				if r.ParentID == "" {
					detached = append(detached, r.ID)
				}
			}
			if from == "" && len(detached) > 0 {
				fmt.Fprintln(out, "detached:")
				for _, id := range detached {
					if err := walk(id, 1); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().String("from", "", "print only the subtree under this cell")
	return cmd
}

func (c *CLI) newCellsHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <cell-id>",
		Short: "Print the recorded mutations of one cell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, _, _, err := paths(cmd)
			if err != nil {
				return err
			}
			if dbPath == "" {
				return fmt.Errorf("no cell database; pass --db or --config")
			}
			st, err := cellstore.Open(dbPath, cellstore.Options{})
			if err != nil {
				return err
			}
			defer st.Close()
			limit, _ := cmd.Flags().GetInt("limit")
			hist, err := st.History(cmd.Context(), graph.CellID(args[0]), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, h := range hist {
				fmt.Fprintf(out, "%s gen=%d %s actor=%s parent=%s\n", h.At.UTC().Format("2006-01-02T15:04:05.000Z"), h.Generation, h.Kind, h.Actor, h.ParentID)
			}
			if len(hist) == 0 {
				fmt.Fprintln(out, "no history")
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 50, "maximum entries")
	return cmd
}
