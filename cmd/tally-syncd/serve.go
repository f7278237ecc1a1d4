package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/avery/tally/internal/api"
	"github.com/avery/tally/internal/serverdb"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := api.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		setupLogging(cfg)

		store, err := serverdb.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open server db: %w", err)
		}
		defer store.Close()

		srv := api.NewServer(cfg, store)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := srv.Start(); err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		slog.Info("server started", "addr", cfg.ListenAddr, "db", cfg.DBPath)

		<-ctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	},
}
