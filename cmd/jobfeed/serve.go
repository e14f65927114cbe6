package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/ternarybob/jobfeed/internal/app"
	"github.com/ternarybob/jobfeed/internal/common"
	"github.com/ternarybob/jobfeed/internal/server"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard API and progress feeds",
	Long:  `Starts the HTTP server, opens a progress feed for every active research job and streams job changes to dashboard clients on /ws.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	common.PrintBanner(common.GetVersion())

	logger.Info().
		Strs("config_files", configFiles).
		Int("port", config.Server.Port).
		Str("host", config.Server.Host).
		Msg("Starting JobFeed server")

	application, err := app.New(config, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	if err := application.Start(); err != nil {
		return err
	}

	srv := server.New(application)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info().Msg("Server ready - Press Ctrl+C to stop")

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Server stopped with error")
		return err
	}

	logger.Info().Msg("Server stopped")
	return nil
}
