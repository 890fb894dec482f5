// silverbuild runs the orchestration service: an HTTP API that accepts
// build prompts per project and an agent workflow that turns them into
// sandboxed code artifacts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"silverbuild"
)

func main() {
	cfg, err := silverbuild.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	app, err := silverbuild.NewApp(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
