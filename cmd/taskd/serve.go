package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskd/internal/app"
	logx "taskd/pkg/logx"
	"taskd/pkg/systemd"
)

const stopTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var (
		cfgPath   string
		ephemeral bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgPath, ephemeral)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config (json or yaml)")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "use the in-memory store")
	return cmd
}

func serve(parent context.Context, cfgPath string, ephemeral bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, app.Options{Ephemeral: ephemeral})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stop := context.WithTimeout(context.Background(), stopTimeout)
		defer stop()
		return errors.Join(err, a.Stop(stopCtx, app.StopFatalError))
	}
	log := a.Logger()

	if _, err := systemd.Ready(); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	}
	_, _ = systemd.Status(a.StatusLine())
	go func() {
		if err := systemd.Watchdog(ctx, nil); err != nil {
			log.Warn("sd_notify watchdog failed", logx.Err(err))
		}
	}()

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = systemd.Stopping()

	stopCtx, stop := context.WithTimeout(context.Background(), stopTimeout)
	defer stop()
	stopErr := a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return errors.Join(a.Err(), stopErr)
	}
	return stopErr
}
