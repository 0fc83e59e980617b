package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/yourusername/social-report-exporter/pkg/archive"
	"github.com/yourusername/social-report-exporter/pkg/config"
	"github.com/yourusername/social-report-exporter/pkg/events"
	"github.com/yourusername/social-report-exporter/pkg/export"
	"github.com/yourusername/social-report-exporter/pkg/metrics"
	"github.com/yourusername/social-report-exporter/pkg/model"
	"github.com/yourusername/social-report-exporter/pkg/render"
	"github.com/yourusername/social-report-exporter/pkg/report"
	"github.com/yourusername/social-report-exporter/pkg/visual"
)

// pipeline owns the export service and everything it holds open
type pipeline struct {
	service *export.Service
	closers []func() error
}

// newPipeline wires metrics source, render host, capture backend, assembler
// and dispatcher into an export service. runs may be nil.
func newPipeline(ctx context.Context, cfg *config.Config, renderer model.RendererConfig, runs export.RunRecorder, log zerolog.Logger) (*pipeline, error) {
	p := &pipeline{}
	ok := false
	defer func() {
		if !ok {
			p.Close()
		}
	}()

	var source metrics.Source = metrics.NewClient(cfg.Metrics, log)
	if cfg.Redis.Addr != "" {
		cache, err := metrics.NewRedisCache(ctx, cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("metrics cache unavailable, continuing without it")
		} else {
			source = metrics.NewCachedSource(source, cache, cfg.Metrics.CacheTTL, log)
			p.closers = append(p.closers, cache.Close)
		}
	}

	set, err := visual.SetOf(cfg.Report.Visualizations...)
	if err != nil {
		return nil, fmt.Errorf("failed to build visualization set: %w", err)
	}

	host := render.NewHost(set, source, cfg.Host, log)
	p.closers = append(p.closers, func() error {
		host.Close()
		return nil
	})

	backend, err := render.NewBackend(renderer, log)
	if err != nil {
		return nil, err
	}
	p.closers = append(p.closers, backend.Close)

	opts := export.Options{
		Host:          host,
		Backend:       backend,
		Assembler:     report.NewAssembler(renderer, log),
		Dispatcher:    export.NewDispatcher(cfg.Document, log),
		Runs:          runs,
		MaxConcurrent: cfg.Export.MaxConcurrent,
	}

	if cfg.S3.Enabled() {
		s3Archive, err := archive.NewS3Archive(ctx, cfg.S3, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create archive: %w", err)
		}
		opts.Archive = s3Archive
	}

	if cfg.NATS.URL != "" {
		publisher, err := events.NewNATSPublisher(cfg.NATS, log)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("event publishing disabled")
		} else {
			opts.Events = publisher
			p.closers = append(p.closers, publisher.Close)
		}
	}

	p.service = export.NewService(opts, log)
	log.Info().
		Str("backend", backend.Name()).
		Int("visualizations", set.Len()).
		Bool("archive", opts.Archive != nil).
		Bool("events", opts.Events != nil).
		Msg("export pipeline ready")

	ok = true
	return p, nil
}

// Close releases resources in reverse order of acquisition
func (p *pipeline) Close() error {
	var firstErr error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.closers = nil
	return firstErr
}
