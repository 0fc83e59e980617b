package render

import (
    "context"
    "fmt"

    "github.com/rs/zerolog"

    "github.com/yourusername/social-report-exporter/pkg/model"
)

// Capturer turns one mounted visualization into a raster image
type Capturer interface {
    // Capture never fails: a missing mount point or a capture error yields
    // an image with a nil data URI
    Capture(ctx context.Context, d model.VisualizationDescriptor) model.CapturedImage
}

// Surface is a capture session over one mount
type Surface interface {
    Capturer

    // Root returns an error when the off-screen host root is missing
    Root(ctx context.Context) error

    // Release frees the session's resources
    Release() error
}

// Backend defines the interface for capture backends
type Backend interface {
    // Attach opens a capture surface over a mount
    Attach(ctx context.Context, m *Mounted) (Surface, error)

    // Close cleans up resources used by the backend
    Close() error

    // Name returns the name of the backend
    Name() string
}

// NewBackend creates the capture backend named by config.Backend
func NewBackend(config model.RendererConfig, log zerolog.Logger) (Backend, error) {
    config = config.WithDefaults()
    switch config.Backend {
    case model.BackendNative:
        return NewNativeBackend(config, log), nil
    case model.BackendChromium:
        return NewChromiumRenderer(config, log), nil
    case model.BackendPlaywright:
        return NewPlaywrightRenderer(config, log), nil
    }
    return nil, fmt.Errorf("unknown renderer backend: %s", config.Backend)
}
