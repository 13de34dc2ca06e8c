package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/odyssey-erp/invoicing/cmd/invoicing/cli"
	"github.com/odyssey-erp/invoicing/internal/app"
)

func main() {
	_ = godotenv.Load()

	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand(ctx).Execute(); err != nil {
		var exit cli.ExitError
		if errors.As(err, &exit) {
			stop()
			os.Exit(exit.Code)
		}
		fmt.Fprintf(os.Stderr, "invoicing: %v\n", err)
		stop()
		os.Exit(1)
	}
}
