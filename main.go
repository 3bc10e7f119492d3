package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"inference-gateway/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.Execute(ctx, os.Args[1:])
	stop()

	switch {
	case err == nil, errors.Is(err, context.Canceled):
	default:
		color.New(color.FgRed).Fprintf(os.Stderr, "inference-gateway: %v\n", err)
		os.Exit(1)
	}
}
