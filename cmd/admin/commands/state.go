package commands

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

func (c *CLI) newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print a running server's state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, _ := cmd.Flags().GetString("url")
			return c.adminRequest(cmd, http.MethodGet, base, "/admin/v1/state")
		},
	}
	cmd.Flags().String("url", "http://127.0.0.1:8080", "server base url")
	return cmd
}

func (c *CLI) adminRequest(cmd *cobra.Command, method, base, path string) error {
	u := strings.TrimRight(strings.TrimSpace(base), "/") + path
	req, err := http.NewRequestWithContext(cmd.Context(), method, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}
