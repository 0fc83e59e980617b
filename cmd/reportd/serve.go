package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yourusername/social-report-exporter/pkg/api"
	"github.com/yourusername/social-report-exporter/pkg/config"
	"github.com/yourusername/social-report-exporter/pkg/cron"
	"github.com/yourusername/social-report-exporter/pkg/model"
	"github.com/yourusername/social-report-exporter/pkg/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the report scheduler",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.Logger(os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx)

	st, err := store.NewStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	// Renderer settings saved through the API take effect on restart
	renderer := cfg.Renderer
	settings, err := st.GetSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if settings != nil && settings.RendererConfig.Backend != "" {
		renderer = settings.RendererConfig
		logger.Info().Str("backend", renderer.Backend).Msg("using stored renderer settings")
	}

	p, err := newPipeline(ctx, cfg, renderer, st, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	scheduler := cron.NewScheduler(st, p.service, cfg.Scheduler, logger)
	scheduler.SetContext(ctx)
	if cfg.Scheduler.Enabled {
		if err := scheduler.Start(); err != nil {
			return err
		}
	}
	defer scheduler.Stop()

	handler := api.NewHandler(st, scheduler, p.service, api.Options{
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		Defaults: model.Settings{
			SMTPConfig:     cfg.Scheduler.SMTP,
			RendererConfig: renderer,
			Limits:         cfg.Scheduler.Limits,
		},
	}, logger)

	server := api.NewServer(handler, api.ServerConfig{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	return server.Run(ctx)
}
