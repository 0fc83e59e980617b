package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/social-report-exporter/pkg/metrics"
	"github.com/yourusername/social-report-exporter/pkg/model"
	"github.com/yourusername/social-report-exporter/pkg/visual"
)

// RootID is the element id of the off-screen host root
const RootID = "hidden-graphs"

var (
	// ErrNotReady is returned when a visualization does not finish rendering in time
	ErrNotReady = errors.New("visualization not ready")
	// ErrUnknownVisualization is returned for a key outside the mounted set
	ErrUnknownVisualization = errors.New("unknown visualization")
	// ErrUnmounted is returned once a mount has been evicted or closed
	ErrUnmounted = errors.New("render host unmounted")
)

// HostConfig configures mount caching
type HostConfig struct {
	MaxMounts int           `mapstructure:"max_mounts"`
	MountTTL  time.Duration `mapstructure:"mount_ttl"`
}

// Host renders visualization sets off-screen, one mount per selection
type Host struct {
	set    *visual.Set
	source metrics.Source
	log    zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	mounts  *expirable.LRU[string, *Mounted]
	ttl     time.Duration
	retired map[*Mounted]*time.Timer
}

// NewHost creates a render host for set, fetching from source
func NewHost(set *visual.Set, source metrics.Source, cfg HostConfig, log zerolog.Logger) *Host {
	if cfg.MaxMounts <= 0 {
		cfg.MaxMounts = 32
	}
	if cfg.MountTTL <= 0 {
		cfg.MountTTL = 5 * time.Minute
	}

	h := &Host{
		set:     set,
		source:  source,
		log:     log.With().Str("component", "render-host").Logger(),
		now:     time.Now,
		ttl:     cfg.MountTTL,
		retired: make(map[*Mounted]*time.Timer),
	}
	h.mounts = expirable.NewLRU[string, *Mounted](cfg.MaxMounts, func(key string, m *Mounted) {
		if !m.retired.Load() {
			m.cancel()
		}
	}, cfg.MountTTL)
	return h
}

// Set returns the visualization set mounted by this host
func (h *Host) Set() *visual.Set {
	return h.set
}

// Mount returns the mount for sel, starting one when the selection changed
// or the previous mount recorded a failure. Rendering continues in the
// background after ctx is done; only eviction or Close stops it.
func (h *Host) Mount(ctx context.Context, sel model.Selection) *Mounted {
	key := sel.MountKey()

	h.mu.Lock()
	defer h.mu.Unlock()

	if m, ok := h.mounts.Get(key); ok {
		if !m.Failed() {
			return m
		}
		h.log.Debug().Str("selection", sel.Key()).Msg("remounting after failure")
		h.retire(key, m)
	}

	m := h.mount(ctx, sel)
	h.mounts.Add(key, m)
	return m
}

// retire takes m out of the cache without cancelling it. Exports still
// assembling from m keep reading it until the mount TTL passes.
// Callers hold h.mu.
func (h *Host) retire(key string, m *Mounted) {
	m.retired.Store(true)
	h.mounts.Remove(key)
	h.retired[m] = time.AfterFunc(h.ttl, func() {
		h.mu.Lock()
		delete(h.retired, m)
		h.mu.Unlock()
		m.cancel()
	})
}

// Unmount drops the mount for sel, if any
func (h *Host) Unmount(sel model.Selection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mounts.Remove(sel.MountKey())
}

// Len returns the number of live mounts
func (h *Host) Len() int {
	return h.mounts.Len()
}

// Close cancels every mount, retired ones included
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mounts.Purge()
	for m, t := range h.retired {
		t.Stop()
		m.cancel()
		delete(h.retired, m)
	}
}

func (h *Host) mount(ctx context.Context, sel model.Selection) *Mounted {
	mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m := &Mounted{
		Selection:   sel,
		MountedAt:   h.now(),
		ctx:         mctx,
		cancel:      cancel,
		views:       make([]*view, 0, h.set.Len()),
		byKey:       make(map[string]*view, h.set.Len()),
		byMount:     make(map[string]*view, h.set.Len()),
		totalsReady: make(chan struct{}),
		log:         h.log.With().Str("account", sel.AccountID()).Logger(),
	}

	// Sibling visualizations read the same endpoints; share one fetch per mount
	source := metrics.NewMemo(h.source)
	in := visual.Input{Selection: sel, Source: source, Now: m.MountedAt}

	for _, viz := range h.set.Items() {
		v := &view{desc: viz.VisualizationDescriptor, ready: make(chan struct{})}
		m.views = append(m.views, v)
		m.byKey[v.desc.Key] = v
		m.byMount[v.desc.MountID] = v
		go m.render(viz, in, v)
	}
	go m.loadTotals(source)

	m.log.Debug().Str("selection", sel.Key()).Int("visualizations", len(m.views)).Msg("mounted")
	return m
}

type view struct {
	desc  model.VisualizationDescriptor
	ready chan struct{}

	// written before ready is closed
	out *visual.Output
	err error
}

// Mounted is one selection rendered into the off-screen host
type Mounted struct {
	Selection model.Selection
	MountedAt time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	retired atomic.Bool
	log     zerolog.Logger

	views   []*view
	byKey   map[string]*view
	byMount map[string]*view

	totalsReady chan struct{}
	facebook    model.MetricTotals
	instagram   model.MetricTotals
	totalsErr   error
}

// render runs one visualization inside its own error boundary
func (m *Mounted) render(viz visual.Visualization, in visual.Input, v *view) {
	defer close(v.ready)
	defer func() {
		if r := recover(); r != nil {
			v.out, v.err = nil, fmt.Errorf("render %s: panic: %v", v.desc.Key, r)
			m.log.Error().Str("visualization", v.desc.Key).Interface("panic", r).Msg("visualization panicked")
		}
	}()

	started := time.Now()
	out, err := viz.Render(m.ctx, in)
	if err == nil && (out == nil || out.Raster == nil) {
		err = fmt.Errorf("render %s: empty output", v.desc.Key)
	}
	if err != nil {
		v.err = err
		m.log.Warn().Err(err).Str("visualization", v.desc.Key).Msg("visualization failed to render")
		return
	}
	v.out = out
	m.log.Debug().Str("visualization", v.desc.Key).Dur("elapsed", time.Since(started)).Msg("visualization rendered")
}

func (m *Mounted) loadTotals(source metrics.Source) {
	defer close(m.totalsReady)
	defer func() {
		if r := recover(); r != nil {
			m.facebook, m.instagram = model.MetricTotals{}, model.MetricTotals{}
			m.totalsErr = fmt.Errorf("load totals: panic: %v", r)
			m.log.Error().Interface("panic", r).Msg("totals panicked")
		}
	}()

	if m.Selection.AccountID() == "" {
		m.facebook, m.instagram = model.MetricTotals{}, model.MetricTotals{}
		m.totalsErr = model.ErrNoAccount
		return
	}

	q := metrics.QueryFor(m.Selection)
	var (
		fb        *metrics.FacebookMetrics
		ig        *metrics.InstagramMetrics
		followers *metrics.FollowerMetrics
	)
	// No shared cancellation: these fetches may be shared with sibling charts
	var g errgroup.Group
	g.Go(func() (err error) {
		fb, err = source.Facebook(m.ctx, q)
		return err
	})
	g.Go(func() (err error) {
		ig, err = source.Instagram(m.ctx, q)
		return err
	})
	g.Go(func() (err error) {
		followers, err = source.FollowersByDay(m.ctx, q)
		return err
	})
	if err := g.Wait(); err != nil {
		m.facebook, m.instagram = model.MetricTotals{}, model.MetricTotals{}
		m.totalsErr = err
		m.log.Warn().Err(err).Msg("failed to load totals")
		return
	}

	m.facebook = cloneTotals(fb.Totals)
	m.instagram = cloneTotals(ig.Totals)
	m.instagram[metrics.TotalFollowersGained] = followers.Totals[metrics.TotalFollowersGained]
}

func cloneTotals(t model.MetricTotals) model.MetricTotals {
	out := make(model.MetricTotals, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Descriptors returns the mounted descriptors in set order
func (m *Mounted) Descriptors() []model.VisualizationDescriptor {
	out := make([]model.VisualizationDescriptor, len(m.views))
	for i, v := range m.views {
		out[i] = v.desc
	}
	return out
}

// Done is closed when the mount is evicted or closed
func (m *Mounted) Done() <-chan struct{} {
	return m.ctx.Done()
}

// Alive reports whether the mount is still attached to its host
func (m *Mounted) Alive() bool {
	return m.ctx.Err() == nil
}

// WaitReady blocks until the visualization under key finished its render
// cycle, successfully or not
func (m *Mounted) WaitReady(ctx context.Context, key string, timeout time.Duration) error {
	v, ok := m.byKey[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVisualization, key)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-v.ready:
		return nil
	case <-expired:
		return fmt.Errorf("%w: %s after %s", ErrNotReady, key, timeout)
	case <-m.ctx.Done():
		return ErrUnmounted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll blocks until every visualization and the totals are ready
func (m *Mounted) WaitAll(ctx context.Context) error {
	for _, v := range m.views {
		select {
		case <-v.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-m.totalsReady:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lookup returns the rendered output at mountID. It does not wait: a
// visualization still rendering or that failed is not found.
func (m *Mounted) Lookup(mountID string) (*visual.Output, bool) {
	v, ok := m.byMount[mountID]
	if !ok {
		return nil, false
	}
	select {
	case <-v.ready:
		return v.out, v.out != nil
	default:
		return nil, false
	}
}

// Err returns the render error of key, nil while rendering or on success
func (m *Mounted) Err(key string) error {
	v, ok := m.byKey[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVisualization, key)
	}
	select {
	case <-v.ready:
		return v.err
	default:
		return nil
	}
}

// Failed reports whether any finished part of the mount recorded an error
func (m *Mounted) Failed() bool {
	for _, v := range m.views {
		if m.Err(v.desc.Key) != nil {
			return true
		}
	}
	select {
	case <-m.totalsReady:
		return m.totalsErr != nil
	default:
		return false
	}
}

// Totals waits for the aggregate totals. On a fetch failure both maps are
// empty and the error is returned alongside them.
func (m *Mounted) Totals(ctx context.Context) (facebook, instagram model.MetricTotals, err error) {
	select {
	case <-m.totalsReady:
		return cloneTotals(m.facebook), cloneTotals(m.instagram), m.totalsErr
	case <-m.ctx.Done():
		return model.MetricTotals{}, model.MetricTotals{}, ErrUnmounted
	case <-ctx.Done():
		return model.MetricTotals{}, model.MetricTotals{}, ctx.Err()
	}
}

var documentTemplate = template.Must(template.New("host").Parse(`<!DOCTYPE html>
<html lang="es">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { margin: 0; background: {{.Background}}; }
#{{.RootID}} { position: absolute; top: -9999px; left: -9999px; width: {{.Width}}px; height: {{.Height}}px; overflow: hidden; }
#capture-stage { position: absolute; top: 0; left: 0; }
</style>
</head>
<body>
<div id="{{.RootID}}">
{{- range .Mounts}}
{{if .SelfMounted}}<div class="mount" data-key="{{.Key}}">{{.Markup}}</div>{{else}}<div id="{{.MountID}}" class="mount" data-key="{{.Key}}">{{.Markup}}</div>{{end}}
{{- end}}
</div>
<div id="capture-stage"></div>
</body>
</html>
`))

type documentMount struct {
	Key         string
	MountID     string
	SelfMounted bool
	Markup      template.HTML
}

// Document renders the off-screen host document with every visualization
// rendered so far. DOM snapshot markup carries its own mount id.
func (m *Mounted) Document() (string, error) {
	mounts := make([]documentMount, len(m.views))
	for i, v := range m.views {
		mounts[i] = documentMount{
			Key:         v.desc.Key,
			MountID:     v.desc.MountID,
			SelfMounted: v.desc.Kind == model.KindDOMSnapshot,
		}
		if out, ok := m.Lookup(v.desc.MountID); ok {
			mounts[i].Markup = template.HTML(out.Markup)
		}
	}

	background := "#ffffff"
	if m.Selection.Theme == model.ThemeDark {
		background = "#111827"
	}
	title := "Reporte"
	if m.Selection.Account != nil && m.Selection.Account.DisplayName != "" {
		title = "Reporte " + m.Selection.Account.DisplayName
	}

	var buf bytes.Buffer
	err := documentTemplate.Execute(&buf, map[string]interface{}{
		"Title":      title,
		"Background": template.CSS(background),
		"RootID":     RootID,
		"Width":      visual.DefaultWidth,
		"Height":     visual.DefaultHeight,
		"Mounts":     mounts,
	})
	if err != nil {
		return "", fmt.Errorf("render host document: %w", err)
	}
	return buf.String(), nil
}
