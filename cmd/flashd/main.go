package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/usbflash-io/usbflash/cmd/flashd/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.NewFlashdCommand(ctx).Execute(); err != nil {
		os.Exit(1)
	}
}
