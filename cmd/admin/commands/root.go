// Package commands implements the admin CLI: offline tools that work on a
// stopped server's data dir, and thin clients for a running server's admin
// endpoints.
package commands

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"cellworld.ai/internal/config"
)

type CLI struct {
	rootCmd *cobra.Command
	http    *http.Client
}

func New() *CLI {
	rootCmd := &cobra.Command{
		Use:           "admin",
		Short:         "Administer a cellworld server and its data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "server config; supplies db and snapshot paths")
	rootCmd.PersistentFlags().String("db", "", "cell database path (overrides config)")

	c := &CLI{
		rootCmd: rootCmd,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	rootCmd.AddCommand(c.newPasswdCmd())
	rootCmd.AddCommand(c.newSnapshotCmd())
	rootCmd.AddCommand(c.newCellsCmd())
	rootCmd.AddCommand(c.newStateCmd())
	return c
}

func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

func (c *CLI) SetInput(in io.Reader) {
	c.rootCmd.SetIn(in)
}

func (c *CLI) SetOutput(out, err io.Writer) {
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(err)
}

// paths resolves the db path and snapshot dir from --config and --db. The
// config is read without validation since offline commands need no secret.
func paths(cmd *cobra.Command) (dbPath, snapDir, worldID string, err error) {
	p, _ := cmd.Flags().GetString("config")
	cfg, err := config.Read(p)
	if err != nil {
		return "", "", "", err
	}
	dbPath = cfg.Persistence.DBPath
	if p, _ := cmd.Flags().GetString("db"); p != "" {
		dbPath = p
	}
	return dbPath, cfg.Persistence.SnapshotDir, cfg.Server.WorldID, nil
}
