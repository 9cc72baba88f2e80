package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/medcord/backend/internal/httpapi"
	"github.com/kimhsiao/medcord/backend/internal/logging"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP and websocket API with background sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.HTTP.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.addr)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	svc, closeFn, err := openService(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	if a.cfg.Sync.Enabled {
		if err := svc.Start(ctx); err != nil {
			return err
		}
	}

	api, err := httpapi.NewServer(svc)
	if err != nil {
		return err
	}
	defer api.Close()

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("HTTP server listening", map[string]interface{}{
			"component": "cli",
			"addr":      srv.Addr,
			"store":     svc.ActiveStore(),
		})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("Shutting down", map[string]interface{}{"component": "cli"})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("HTTP shutdown failed", err, map[string]interface{}{"component": "cli"})
	}
	return nil
}
