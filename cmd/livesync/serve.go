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

	"github.com/alfredjeanlab/livesync/internal/config"
	"github.com/alfredjeanlab/livesync/internal/presence"
	"github.com/alfredjeanlab/livesync/internal/relay"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Run the websocket relay",
	GroupID: "relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.ListenAddr
		}

		tracker := presence.New()
		tracker.StartReaper(&presence.ReaperConfig{
			DeadThreshold: cfg.PresenceStale,
			OnGone: func(user string) {
				logger.Info("user gone", "user", user)
			},
		})
		defer tracker.Stop()

		srv := relay.NewServer(relay.Options{Presence: tracker, Logger: logger})
		httpServer := &http.Server{
			Addr:              addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("relay listening", "addr", addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
		case err := <-errCh:
			return err
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default LIVESYNC_LISTEN_ADDR or :8080)")
}
