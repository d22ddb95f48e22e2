package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cellworld.ai/cmd/admin/commands"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := commands.New()
	cli.SetOutput(os.Stdout, os.Stderr)
	if err := cli.Execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		cancel()
		os.Exit(1)
	}
}
