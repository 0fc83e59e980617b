package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/social-report-exporter/pkg/model"
	"github.com/yourusername/social-report-exporter/pkg/render"
)

// Assembler captures every mounted visualization and merges the images with
// the aggregate totals into one report payload
type Assembler struct {
	config model.RendererConfig
	log    zerolog.Logger
}

// NewAssembler creates a new assembler
func NewAssembler(config model.RendererConfig, log zerolog.Logger) *Assembler {
	return &Assembler{
		config: config.WithDefaults(),
		log:    log.With().Str("component", "assembler").Logger(),
	}
}

// Assemble builds the payload for sel from the mount m, capturing through
// surface. Failed captures become null entries; only a missing account, a
// missing host or cancellation fail the whole assembly.
func (a *Assembler) Assemble(ctx context.Context, sel model.Selection, m *render.Mounted, surface render.Surface) (*model.ReportPayload, error) {
	if sel.AccountID() == "" {
		return nil, model.ErrNoAccount
	}
	if m == nil || surface == nil {
		return nil, model.ErrRenderHostMissing
	}
	if err := surface.Root(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrRenderHostMissing, err)
	}

	log := a.log.With().Str("account", sel.AccountID()).Logger()
	started := time.Now()

	if err := a.settle(ctx); err != nil {
		return nil, err
	}

	descriptors := m.Descriptors()
	images := make([]model.CapturedImage, len(descriptors))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.config.CaptureConcurrency)
	for i, d := range descriptors {
		i, d := i, d
		g.Go(func() error {
			images[i] = model.CapturedImage{Key: d.Key}
			if err := m.WaitReady(gctx, d.Key, a.config.ReadyTimeout()); err != nil {
				switch {
				case errors.Is(err, render.ErrUnmounted):
					return model.ErrRenderHostMissing
				case gctx.Err() != nil:
					return gctx.Err()
				}
				log.Warn().Err(err).Str("visualization", d.Key).Msg("visualization not ready, leaving it empty")
				return nil
			}
			images[i] = surface.Capture(gctx, d)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	facebook, instagram, err := m.Totals(ctx)
	if err != nil {
		switch {
		case errors.Is(err, render.ErrUnmounted):
			return nil, model.ErrRenderHostMissing
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Msg("totals unavailable, exporting without them")
	}

	payload := &model.ReportPayload{
		PageName:  sel.Account.DisplayName,
		DateRange: sel.Range,
		Facebook:  facebook,
		Instagram: instagram,
		Images:    make(map[string]*string, len(descriptors)),
	}
	for _, d := range descriptors {
		payload.Images[d.Key] = nil
	}
	for _, img := range images {
		payload.Images[img.Key] = img.DataURI
	}

	if nulls := payload.NullKeys(); len(nulls) > 0 {
		log.Warn().Strs("null_captures", nulls).Msg("some visualizations could not be captured")
	}
	log.Info().
		Int("visualizations", len(descriptors)).
		Dur("elapsed", time.Since(started)).
		Msg("report assembled")
	return payload, nil
}

// settle waits the configured delay so late layout can finish before the
// first capture
func (a *Assembler) settle(ctx context.Context) error {
	delay := a.config.SettleDelay()
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
