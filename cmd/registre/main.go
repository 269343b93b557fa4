package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// Signal handling for graceful shutdown: first signal cancels the
	// context and workers finish in-flight work within the grace period.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
