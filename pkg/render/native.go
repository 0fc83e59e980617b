package render

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/yourusername/social-report-exporter/pkg/model"
)

// NativeBackend captures visualizations in-process with their own rasterizers.
// Output is deterministic: the same mount always captures to the same bytes.
type NativeBackend struct {
	config model.RendererConfig
	log    zerolog.Logger
}

// NewNativeBackend creates a native capture backend
func NewNativeBackend(config model.RendererConfig, log zerolog.Logger) *NativeBackend {
	return &NativeBackend{
		config: config.WithDefaults(),
		log:    log.With().Str("component", "capture").Str("backend", model.BackendNative).Logger(),
	}
}

// Attach implements Backend
func (b *NativeBackend) Attach(ctx context.Context, m *Mounted) (Surface, error) {
	if m == nil {
		return nil, fmt.Errorf("attach: %w", model.ErrRenderHostMissing)
	}
	return &nativeSurface{mounted: m, config: b.config, log: b.log}, nil
}

// Close implements Backend
func (b *NativeBackend) Close() error { return nil }

// Name implements Backend
func (b *NativeBackend) Name() string { return model.BackendNative }

type nativeSurface struct {
	mounted *Mounted
	config  model.RendererConfig
	log     zerolog.Logger
}

func (s *nativeSurface) Root(ctx context.Context) error {
	if s.mounted == nil || !s.mounted.Alive() {
		return ErrUnmounted
	}
	return nil
}

func (s *nativeSurface) Release() error { return nil }

func (s *nativeSurface) Capture(ctx context.Context, d model.VisualizationDescriptor) (img model.CapturedImage) {
	img = model.CapturedImage{Key: d.Key}
	if ctx.Err() != nil {
		return img
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("visualization", d.Key).Interface("panic", r).Msg("capture panicked")
			img = model.CapturedImage{Key: d.Key}
		}
	}()

	out, ok := s.mounted.Lookup(d.MountID)
	if !ok {
		s.log.Warn().Str("visualization", d.Key).Str("mount", d.MountID).Msg("mount point not found")
		return img
	}

	width, height, scale := out.Width, out.Height, 1.0
	if d.Kind == model.KindVector {
		if width == 0 || height == 0 {
			width, height = s.config.DefaultWidth, s.config.DefaultHeight
		}
		scale = s.config.ScaleFactor
	}

	data, err := out.Raster(width, height, scale)
	if err != nil {
		s.log.Warn().Err(err).Str("visualization", d.Key).Msg("capture failed")
		return img
	}
	return captured(d.Key, EncodePNG(data))
}
