package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/ghldash/internal/application"
	httpserver "github.com/sawpanic/ghldash/internal/interfaces/http"
)

func newServeCmd() *cobra.Command {
	var (
		port      int
		noRefresh bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard and run the scheduled refresh",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if !cfg.HasOAuthCredentials() {
				log.Warn().Msg("OAuth credentials are not configured; set GHL_CLIENT_ID, GHL_CLIENT_SECRET and GHL_REDIRECT_URI")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := application.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			srv := httpserver.NewServer(httpserver.Config{
				Host:           cfg.Server.Host,
				Port:           cfg.Server.Port,
				ReadTimeout:    cfg.Server.ReadTimeout,
				WriteTimeout:   cfg.Server.WriteTimeout,
				IdleTimeout:    cfg.Server.IdleTimeout,
				RequestTimeout: cfg.Server.RequestTimeout,
				Title:          cfg.Dashboard.Title,
				DefaultRange:   cfg.Dashboard.DefaultDateRange,
				ExportFilename: cfg.Dashboard.ExportFilename,
				CacheTTL:       cfg.Cache.TTL,
				Location:       cfg.Location(),
				Version:        version,
			}, httpserver.Deps{
				OAuth:     app.OAuth,
				Refresh:   app.Refresh,
				Store:     app.Snapshots,
				Cache:     app.Cache,
				Metrics:   app.Metrics,
				Health:    app.Health,
				Locations: app.API.Locations,
			})

			if !noRefresh {
				if err := app.Refresh.Start(ctx); err != nil {
					return err
				}
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err = <-errCh:
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				log.Error().Err(serr).Msg("HTTP server shutdown failed")
			}
			return err
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Listen port, overrides the config")
	cmd.Flags().BoolVar(&noRefresh, "no-refresh", false, "Serve stored data without scheduling refreshes")
	return cmd
}
