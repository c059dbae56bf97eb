package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ndb/internal/node"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ndb:", err)
	}
	os.Exit(node.ExitCode(err))
}
