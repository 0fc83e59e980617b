package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"

	"github.com/yourusername/social-report-exporter/pkg/model"
)

// PlaywrightRenderer captures visualizations through Playwright's Chromium
type PlaywrightRenderer struct {
	config     model.RendererConfig
	log        zerolog.Logger
	instanceID string

	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
}

// NewPlaywrightRenderer creates a new Playwright renderer instance. The
// driver and browser start on first use.
func NewPlaywrightRenderer(config model.RendererConfig, log zerolog.Logger) *PlaywrightRenderer {
	config = config.WithDefaults()
	instanceID := generateInstanceID()

	return &PlaywrightRenderer{
		config:     config,
		instanceID: instanceID,
		log: log.With().
			Str("component", "capture").
			Str("backend", model.BackendPlaywright).
			Str("instance", instanceID).
			Logger(),
	}
}

// getBrowser initializes or returns existing browser instance
func (r *PlaywrightRenderer) getBrowser() (playwright.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil {
		return r.browser, nil
	}

	// Playwright needs writable cache and driver directories; the home
	// directory is read-only in most containers
	playwrightCache := os.Getenv("PLAYWRIGHT_BROWSERS_PATH")
	if playwrightCache == "" {
		playwrightCache = filepath.Join(os.TempDir(), ".playwright-cache")
		os.Setenv("PLAYWRIGHT_BROWSERS_PATH", playwrightCache)
	}
	if err := os.MkdirAll(playwrightCache, 0755); err != nil {
		r.log.Warn().Err(err).Msg("failed to create playwright cache directory")
	}

	driverPath := os.Getenv("PLAYWRIGHT_DRIVER_PATH")
	if driverPath == "" {
		driverPath = filepath.Join(os.TempDir(), ".playwright-driver")
		os.Setenv("PLAYWRIGHT_DRIVER_PATH", driverPath)
	}
	if err := os.MkdirAll(driverPath, 0755); err != nil {
		r.log.Warn().Err(err).Msg("failed to create playwright driver directory")
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start Playwright: %w (consider the chromium or native backend)", err)
	}
	r.pw = pw

	// Prefer a configured or system Chromium over a Playwright download
	chromiumPath := r.config.ChromiumPath
	if chromiumPath == "" {
		for _, path := range []string{
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
		} {
			if _, err := os.Stat(path); err == nil {
				chromiumPath = path
				break
			}
		}
	}

	launchOptions := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(r.config.Headless),
		Args: []string{
			"--disable-dev-shm-usage",
			"--no-first-run",
			"--no-default-browser-check",
			"--no-proxy-server",
			"--disable-breakpad",
		},
	}
	if r.config.NoSandbox {
		launchOptions.Args = append(launchOptions.Args, "--no-sandbox", "--disable-setuid-sandbox")
	}
	if r.config.DisableGPU {
		launchOptions.Args = append(launchOptions.Args, "--disable-gpu")
	}
	if chromiumPath != "" {
		launchOptions.ExecutablePath = playwright.String(chromiumPath)
		r.log.Info().Str("path", chromiumPath).Msg("using system chromium")
	} else {
		r.log.Warn().Msg("no system chromium found, using playwright's bundled version")
	}
	if r.config.SkipTLSVerify {
		launchOptions.Args = append(launchOptions.Args, "--ignore-certificate-errors")
		r.log.Warn().Msg("TLS certificate verification disabled for renderer")
	}

	browser, err := pw.Chromium.Launch(launchOptions)
	if err != nil {
		pw.Stop()
		r.pw = nil
		return nil, fmt.Errorf("failed to launch Chromium: %w", err)
	}

	r.browser = browser
	r.log.Info().Msg("playwright chromium browser initialized")
	return browser, nil
}

// Attach opens a browser context and page holding the mount's host document
func (r *PlaywrightRenderer) Attach(ctx context.Context, m *Mounted) (Surface, error) {
	if m == nil {
		return nil, fmt.Errorf("attach: %w", model.ErrRenderHostMissing)
	}

	browser, err := r.getBrowser()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize browser: %w", err)
	}

	browserContext, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  r.config.ViewportWidth,
			Height: r.config.ViewportHeight,
		},
		DeviceScaleFactor: playwright.Float(1),
		IgnoreHttpsErrors: playwright.Bool(r.config.SkipTLSVerify),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	page, err := browserContext.NewPage()
	if err != nil {
		browserContext.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(float64(r.config.TimeoutMS))

	doc, err := m.Document()
	if err != nil {
		browserContext.Close()
		return nil, err
	}
	if err := page.SetContent(doc); err != nil {
		browserContext.Close()
		return nil, fmt.Errorf("failed to load host document: %w", err)
	}

	return &playwrightSurface{context: browserContext, page: page, mounted: m, config: r.config, log: r.log}, nil
}

// Close closes the browser and stops the driver
func (r *PlaywrightRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.browser != nil {
		r.log.Info().Msg("closing playwright browser")
		errs = append(errs, r.browser.Close())
		r.browser = nil
	}
	if r.pw != nil {
		errs = append(errs, r.pw.Stop())
		r.pw = nil
	}
	return errors.Join(errs...)
}

// Name returns the backend name
func (r *PlaywrightRenderer) Name() string {
	return model.BackendPlaywright
}

// playwrightSurface owns one browser context. Playwright calls are not
// context-aware, so ctx is only checked between steps.
type playwrightSurface struct {
	mu      sync.Mutex
	context playwright.BrowserContext
	page    playwright.Page
	mounted *Mounted
	config  model.RendererConfig
	log     zerolog.Logger
}

func (s *playwrightSurface) Root(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := s.page.Evaluate(rootJS)
	if err != nil {
		return fmt.Errorf("check host root: %w", err)
	}
	if found, _ := res.(bool); !found {
		return fmt.Errorf("#%s not found", RootID)
	}
	return nil
}

func (s *playwrightSurface) Release() error {
	return s.context.Close()
}

func (s *playwrightSurface) Capture(ctx context.Context, d model.VisualizationDescriptor) model.CapturedImage {
	img := model.CapturedImage{Key: d.Key}

	out, ok := s.mounted.Lookup(d.MountID)
	if !ok {
		s.log.Warn().Str("visualization", d.Key).Str("mount", d.MountID).Msg("mount point not found")
		return img
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx.Err() != nil {
		return img
	}

	res, err := s.page.Evaluate(injectJS, map[string]interface{}{"key": d.Key, "markup": out.Markup})
	if injected, _ := res.(bool); err != nil || !injected {
		s.log.Warn().Err(err).Str("visualization", d.Key).Msg("failed to inject markup")
		return img
	}

	var uri string
	if d.Kind == model.KindVector {
		uri, err = s.captureVector(d)
	} else {
		uri, err = s.captureDOM(d)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("visualization", d.Key).Msg("capture failed")
		return img
	}
	return captured(d.Key, uri)
}

func (s *playwrightSurface) captureVector(d model.VisualizationDescriptor) (string, error) {
	res, err := s.page.Evaluate(vectorJS, map[string]interface{}{
		"mountId": d.MountID,
		"scale":   s.config.ScaleFactor,
		"width":   s.config.DefaultWidth,
		"height":  s.config.DefaultHeight,
	})
	if err != nil {
		return "", err
	}
	uri, ok := res.(string)
	if !ok {
		return "", errors.New("svg not found")
	}
	if !validPNG(uri) {
		return "", errBadDataURI
	}
	return uri, nil
}

func (s *playwrightSurface) captureDOM(d model.VisualizationDescriptor) (string, error) {
	res, err := s.page.Evaluate(stageJS, map[string]interface{}{"mountId": d.MountID})
	if err != nil {
		return "", err
	}
	if staged, _ := res.(bool); !staged {
		return "", errors.New("element not found")
	}
	defer s.page.Evaluate(unstageJS)

	data, err := s.page.Locator(stageSelector).Screenshot()
	if err != nil {
		return "", err
	}
	return EncodePNG(data), nil
}
