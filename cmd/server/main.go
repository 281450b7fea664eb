package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
)

func main() {
	l := logrus.Default().WithLevel(logger.LevelInfo)
	ctx := logger.CtxWithLogger(context.Background(), l)
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := Root.ExecuteContext(ctx); err != nil {
		logger.Error(ctx, err)
		belt.Flush(ctx)
		os.Exit(1)
	}
}
