// Command sessioncleanup runs one session cleanup pass and exits.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"sessiongate/cmd/internal/app"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.CleanupOnce(ctx); err != nil {
		log.Fatalf("session cleanup failed: %v", err)
	}
}
