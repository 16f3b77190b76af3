package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Rogers-F/tierforge/internal/config"
	"github.com/Rogers-F/tierforge/internal/ipc"
)

var listenOverride string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Start the control plane HTTP API. When the configuration comes from a file
it is watched, and budget policy, conflict threshold and pipeline options are
reloaded on change.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenOverride, "listen", "", "override listen_addr from the config")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if listenOverride != "" {
		cfg.ListenAddr = listenOverride
	}
	logger := newLogger(cfg)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if path != "" {
		if _, err := config.Watch(path, logger, a.reload); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("config watch disabled")
		}
	}

	srv := ipc.NewServer(a.handler(), cfg.ListenAddr, logger)

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		logger.Info().Msg("shutting down")
		a.dispatcher.CancelAll()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "%s listening on %s\n", color.GreenString("tierforge"), cfg.ListenAddr)
	logger.Info().Str("addr", cfg.ListenAddr).Str("db", cfg.DBPath).Msg("server started")
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
