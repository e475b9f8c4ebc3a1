package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/g960059/labelfsm/internal/cli"
	"github.com/g960059/labelfsm/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	r := cli.NewRunner(config.DefaultConfig(), os.Stdin, os.Stdout, os.Stderr)
	code := r.Run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}
