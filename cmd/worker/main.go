package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/SirClappington/askbot/internal/app"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Bootstrap(ctx, "worker")
	if err != nil {
		return err
	}
	defer a.Close()

	ag, err := a.Agent()
	if err != nil {
		return err
	}
	return a.Pool(ag).Run(ctx)
}
