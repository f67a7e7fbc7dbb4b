package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/ModelProxyAPI/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if errRun := app.Run(ctx, os.Args[1:]); errRun != nil {
		log.WithError(errRun).Error("gateway failed")
		os.Exit(1)
	}
}
