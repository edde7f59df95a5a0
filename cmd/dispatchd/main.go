package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dispatchd/internal/app"
	"dispatchd/internal/dispatch"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Job processors are deployment-specific; the default build ships
	// no-op handlers so the pipeline can be exercised end to end.
	a, err := app.New(cfgPath, app.Processors{
		Reminder: noopProcessor,
		Alarm:    noopProcessor,
	})
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	a.Stop(stopCtx)
	stopCancel()
}

func noopProcessor(ctx context.Context, job dispatch.Job) error {
	return nil
}
