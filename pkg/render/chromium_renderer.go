package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourusername/social-report-exporter/pkg/model"
)

// ChromiumRenderer captures visualizations in a shared headless Chromium
type ChromiumRenderer struct {
	config     model.RendererConfig
	log        zerolog.Logger
	instanceID string // Unique ID for this renderer instance
	profileDir string // Unique profile directory for this instance

	mu      sync.Mutex
	browser *rod.Browser
}

// findChromeBinary tries to locate Chrome binary in common locations
func (r *ChromiumRenderer) findChromeBinary() string {
	// List of common Chrome binary paths to check (in order of preference)
	candidatePaths := []string{
		// Bundled Chrome next to the binary
		"./chrome-linux64/chrome",
		"chrome-linux64/chrome",

		// System Chrome installations
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/snap/bin/chromium",

		// macOS
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	}

	for _, path := range candidatePaths {
		if info, err := os.Stat(path); err == nil {
			// Check if file is executable
			if info.Mode()&0111 != 0 {
				r.log.Debug().Str("path", path).Msg("found chrome binary")
				return path
			}
			r.log.Debug().Str("path", path).Msg("file exists but is not executable")
		}
	}

	r.log.Debug().Msg("no chrome binary found in candidate paths")
	return ""
}

// generateInstanceID creates a unique identifier for a renderer instance
func generateInstanceID() string {
	return uuid.NewString()[:8]
}

// NewChromiumRenderer creates a new Chromium renderer instance. The browser
// starts on first use.
func NewChromiumRenderer(config model.RendererConfig, log zerolog.Logger) *ChromiumRenderer {
	config = config.WithDefaults()

	instanceID := generateInstanceID()
	profileDir := filepath.Join(os.TempDir(), ".chromium-profile-"+instanceID)

	r := &ChromiumRenderer{
		config:     config,
		instanceID: instanceID,
		profileDir: profileDir,
		log: log.With().
			Str("component", "capture").
			Str("backend", model.BackendChromium).
			Str("instance", instanceID).
			Logger(),
	}
	r.log.Debug().Str("profile_dir", profileDir).Msg("created chromium renderer")
	return r
}

// getBrowser initializes or returns existing browser instance
func (r *ChromiumRenderer) getBrowser() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil {
		return r.browser, nil
	}

	// Chrome's crashpad handler needs writable config and cache directories
	configDir := filepath.Join(os.TempDir(), ".chromium-config")
	cacheDir := filepath.Join(os.TempDir(), ".chromium-cache")
	crashDir := filepath.Join(os.TempDir(), "chrome-crashes")
	os.Setenv("XDG_CONFIG_HOME", configDir)
	os.Setenv("XDG_CACHE_HOME", cacheDir)
	for _, dir := range []string{configDir, cacheDir, crashDir, r.profileDir} {
		os.MkdirAll(dir, 0755)
	}

	l := launcher.New()

	chromePath := r.config.ChromiumPath
	if chromePath == "" {
		chromePath = r.findChromeBinary()
	}
	if chromePath != "" {
		l = l.Bin(chromePath)
		r.log.Info().Str("path", chromePath).Msg("using chrome binary")
	} else {
		r.log.Warn().Msg("no chrome binary configured; falling back to launcher download")
	}

	if r.config.NoSandbox {
		l = l.Set("no-sandbox")             // Required for running as root or in Docker
		l = l.Set("disable-setuid-sandbox") // Required for running as root or in Docker
	}
	if r.config.DisableGPU {
		l = l.Set("disable-gpu")
	}
	l = l.Set("disable-dev-shm-usage")    // Use /tmp instead of /dev/shm (prevents crashes in Docker)
	l = l.Set("no-first-run")             // Skip first-run wizards
	l = l.Set("no-default-browser-check") // Don't check if Chrome is default browser
	l = l.Set("no-proxy-server")          // Avoid proxy issues

	// Crashpad handler configuration - fixes "chrome_crashpad_handler: --database is required" error
	l = l.Set("crash-dumps-dir", crashDir)
	l = l.Set("disable-breakpad")

	// User data directory must be unique per instance to avoid SingletonLock errors
	l = l.Set("user-data-dir", r.profileDir)

	l = l.Headless(r.config.Headless)
	if r.config.Headless {
		l = l.Set("headless", "new")
	}

	if r.config.SkipTLSVerify {
		l = l.Set("ignore-certificate-errors")
		r.log.Warn().Msg("TLS certificate verification disabled for renderer")
	}

	launchURL, err := l.Launch()
	if err != nil {
		if chromePath == "" {
			return nil, fmt.Errorf("failed to launch browser: %w (set renderer.chromium_path or use the native backend)", err)
		}
		if _, statErr := os.Stat(chromePath); statErr != nil {
			return nil, fmt.Errorf("failed to launch browser at '%s': %w", chromePath, statErr)
		}
		return nil, fmt.Errorf("failed to launch browser at '%s': %w", chromePath, err)
	}

	browser := rod.New().ControlURL(launchURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	r.browser = browser
	r.log.Info().Msg("chromium browser initialized")
	return browser, nil
}

// Attach opens a page holding the mount's host document
func (r *ChromiumRenderer) Attach(ctx context.Context, m *Mounted) (Surface, error) {
	if m == nil {
		return nil, fmt.Errorf("attach: %w", model.ErrRenderHostMissing)
	}

	browser, err := r.getBrowser()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	if err := r.preparePage(ctx, page, m); err != nil {
		page.Close()
		return nil, err
	}

	return &chromiumSurface{page: page, mounted: m, config: r.config, log: r.log}, nil
}

func (r *ChromiumRenderer) preparePage(ctx context.Context, page *rod.Page, m *Mounted) error {
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             r.config.ViewportWidth,
		Height:            r.config.ViewportHeight,
		DeviceScaleFactor: 1,
		Mobile:            false,
	}); err != nil {
		return fmt.Errorf("failed to set viewport: %w", err)
	}

	doc, err := m.Document()
	if err != nil {
		return err
	}

	tctx, cancel := context.WithTimeout(ctx, r.config.Timeout())
	defer cancel()
	if err := page.Context(tctx).SetDocumentContent(doc); err != nil {
		return fmt.Errorf("failed to load host document: %w", err)
	}
	return nil
}

// Close closes the browser instance
func (r *ChromiumRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser == nil {
		return nil
	}
	r.log.Info().Msg("closing chromium browser")
	err := r.browser.Close()
	r.browser = nil

	// Clean up profile directory to free disk space
	if r.profileDir != "" {
		os.RemoveAll(r.profileDir)
	}
	return err
}

// Name returns the backend name
func (r *ChromiumRenderer) Name() string {
	return model.BackendChromium
}

// chromiumSurface owns one page. Captures are serialized since they share
// the page's capture stage.
type chromiumSurface struct {
	mu      sync.Mutex
	page    *rod.Page
	mounted *Mounted
	config  model.RendererConfig
	log     zerolog.Logger
}

func (s *chromiumSurface) Root(ctx context.Context) error {
	res, err := s.page.Context(ctx).Eval(rootJS)
	if err != nil {
		return fmt.Errorf("check host root: %w", err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("#%s not found", RootID)
	}
	return nil
}

func (s *chromiumSurface) Release() error {
	return s.page.Close()
}

func (s *chromiumSurface) Capture(ctx context.Context, d model.VisualizationDescriptor) model.CapturedImage {
	img := model.CapturedImage{Key: d.Key}

	out, ok := s.mounted.Lookup(d.MountID)
	if !ok {
		s.log.Warn().Str("visualization", d.Key).Str("mount", d.MountID).Msg("mount point not found")
		return img
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, s.config.Timeout())
	defer cancel()
	page := s.page.Context(tctx)

	res, err := page.Eval(injectJS, map[string]interface{}{"key": d.Key, "markup": out.Markup})
	if err != nil || !res.Value.Bool() {
		s.log.Warn().Err(err).Str("visualization", d.Key).Msg("failed to inject markup")
		return img
	}

	var uri string
	if d.Kind == model.KindVector {
		uri, err = s.captureVector(page, d)
	} else {
		uri, err = s.captureDOM(page, d)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("visualization", d.Key).Msg("capture failed")
		return img
	}
	return captured(d.Key, uri)
}

func (s *chromiumSurface) captureVector(page *rod.Page, d model.VisualizationDescriptor) (string, error) {
	res, err := page.Eval(vectorJS, map[string]interface{}{
		"mountId": d.MountID,
		"scale":   s.config.ScaleFactor,
		"width":   s.config.DefaultWidth,
		"height":  s.config.DefaultHeight,
	})
	if err != nil {
		return "", err
	}
	if res.Value.Nil() {
		return "", errors.New("svg not found")
	}
	uri := res.Value.Str()
	if !validPNG(uri) {
		return "", errBadDataURI
	}
	return uri, nil
}

func (s *chromiumSurface) captureDOM(page *rod.Page, d model.VisualizationDescriptor) (string, error) {
	res, err := page.Eval(stageJS, map[string]interface{}{"mountId": d.MountID})
	if err != nil {
		return "", err
	}
	if !res.Value.Bool() {
		return "", errors.New("element not found")
	}
	defer page.Eval(unstageJS)

	el, err := page.Element(stageSelector)
	if err != nil {
		return "", err
	}
	data, err := el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
	if err != nil {
		return "", err
	}
	return EncodePNG(data), nil
}
