package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"avancira/cmd/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cli.NewRootCommand(ctx).Execute()
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "avancira:", err)
		os.Exit(1)
	}
}
