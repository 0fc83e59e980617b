package render

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/social-report-exporter/pkg/metrics"
	"github.com/yourusername/social-report-exporter/pkg/metrics/metricstest"
	"github.com/yourusername/social-report-exporter/pkg/model"
	"github.com/yourusername/social-report-exporter/pkg/visual"
)

func testSelection(t *testing.T, theme model.Theme) model.Selection {
	t.Helper()
	r, err := model.NewDateRange("2024-01-01", "2024-01-07")
	require.NoError(t, err)
	return model.Selection{
		Account:    &model.Account{ID: "page-1", DisplayName: "Cafetería Central"},
		Range:      r,
		Theme:      theme,
		Credential: "token",
	}
}

// blankRaster draws an empty PNG at the requested scaled size
func blankRaster(width, height int, scale float64) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, int(math.Round(float64(width)*scale)), int(math.Round(float64(height)*scale))))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func fixedViz(key, mount string, kind model.VisualizationKind, width, height int) visual.Visualization {
	return visual.Visualization{
		VisualizationDescriptor: model.VisualizationDescriptor{Key: key, MountID: mount, Kind: kind},
		Render: func(ctx context.Context, in visual.Input) (*visual.Output, error) {
			return &visual.Output{Markup: "<svg></svg>", Width: width, Height: height, Raster: blankRaster}, nil
		},
	}
}

func TestHost_MountRendersDefaultSet(t *testing.T) {
	stub := metricstest.NewStub()
	host := NewHost(visual.DefaultSet(), stub, HostConfig{}, zerolog.Nop())
	defer host.Close()

	m := host.Mount(context.Background(), testSelection(t, model.ThemeLight))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, m.WaitAll(ctx))

	for _, d := range m.Descriptors() {
		require.NoError(t, m.Err(d.Key), d.Key)
		out, ok := m.Lookup(d.MountID)
		require.True(t, ok, d.Key)
		assert.NotEmpty(t, out.Markup)
	}

	// one fetch per endpoint across all siblings and the totals
	assert.Equal(t, 1, stub.Calls("facebook"))
	assert.Equal(t, 1, stub.Calls("instagram"))
	assert.Equal(t, 1, stub.Calls("followers"))
	assert.Equal(t, 1, stub.Calls("top:Facebook"))
	assert.Equal(t, 1, stub.Calls("top:Instagram"))

	doc, err := m.Document()
	require.NoError(t, err)
	assert.Contains(t, doc, `<div id="hidden-graphs">`)
	assert.Contains(t, doc, "top: -9999px")
	assert.Contains(t, doc, "overflow: hidden")
	for _, d := range m.Descriptors() {
		assert.Equal(t, 1, strings.Count(doc, `id="`+d.MountID+`"`), d.MountID)
	}
	assert.Contains(t, doc, `<table id="top-posts-table"`)
}

func TestHost_MountReuse(t *testing.T) {
	host := NewHost(visual.DefaultSet(), metricstest.NewStub(), HostConfig{}, zerolog.Nop())
	defer host.Close()

	sel := testSelection(t, model.ThemeLight)
	a := host.Mount(context.Background(), sel)

	same := testSelection(t, model.ThemeLight)
	assert.Same(t, a, host.Mount(context.Background(), same))

	dark := testSelection(t, model.ThemeDark)
	b := host.Mount(context.Background(), dark)
	assert.NotSame(t, a, b)

	other := testSelection(t, model.ThemeLight)
	other.Range.End = nil
	assert.NotSame(t, a, host.Mount(context.Background(), other))
	assert.Equal(t, 3, host.Len())
}

func TestHost_MountsAreScopedToCredential(t *testing.T) {
	stub := metricstest.NewStub()
	stub.RequireCredential("owner")
	host := NewHost(visual.DefaultSet(), stub, HostConfig{}, zerolog.Nop())
	defer host.Close()

	sel := testSelection(t, model.ThemeLight)
	sel.Credential = "owner"
	owned := host.Mount(context.Background(), sel)
	fb, _, err := owned.Totals(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, fb)

	sel.Credential = "intruder"
	foreign := host.Mount(context.Background(), sel)
	require.NotSame(t, owned, foreign)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, foreign.WaitAll(ctx))
	fb, ig, err := foreign.Totals(context.Background())
	var merr *metrics.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "Token inválido", merr.Message)
	assert.Empty(t, fb)
	assert.Empty(t, ig)
	for _, d := range foreign.Descriptors() {
		_, ok := foreign.Lookup(d.MountID)
		assert.False(t, ok, d.Key)
	}
}

func TestHost_MountOutlivesRequestContext(t *testing.T) {
	host := NewHost(visual.DefaultSet(), metricstest.NewStub(), HostConfig{}, zerolog.Nop())
	defer host.Close()

	ctx, cancel := context.WithCancel(context.Background())
	m := host.Mount(ctx, testSelection(t, model.ThemeLight))
	cancel()

	assert.True(t, m.Alive())
	wctx, wcancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer wcancel()
	require.NoError(t, m.WaitAll(wctx))
	assert.False(t, m.Failed())
}

func TestHost_ErrorBoundaries(t *testing.T) {
	set, err := visual.NewSet(
		fixedViz("ok", "mount-ok", model.KindVector, 800, 350),
		visual.Visualization{
			VisualizationDescriptor: model.VisualizationDescriptor{Key: "fails", MountID: "mount-fails", Kind: model.KindVector},
			Render: func(ctx context.Context, in visual.Input) (*visual.Output, error) {
				return nil, errors.New("no data")
			},
		},
		visual.Visualization{
			VisualizationDescriptor: model.VisualizationDescriptor{Key: "panics", MountID: "mount-panics", Kind: model.KindVector},
			Render: func(ctx context.Context, in visual.Input) (*visual.Output, error) {
				panic("boom")
			},
		},
	)
	require.NoError(t, err)

	host := NewHost(set, metricstest.NewStub(), HostConfig{}, zerolog.Nop())
	defer host.Close()

	m := host.Mount(context.Background(), testSelection(t, model.ThemeLight))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitAll(ctx))

	_, ok := m.Lookup("mount-ok")
	assert.True(t, ok)
	_, ok = m.Lookup("mount-fails")
	assert.False(t, ok)
	_, ok = m.Lookup("mount-panics")
	assert.False(t, ok)

	assert.NoError(t, m.Err("ok"))
	assert.EqualError(t, m.Err("fails"), "no data")
	assert.ErrorContains(t, m.Err("panics"), "panic: boom")
	assert.True(t, m.Failed())

	doc, err := m.Document()
	require.NoError(t, err)
	assert.Contains(t, doc, `id="mount-fails"`, "failed mounts stay empty in the document")
}

func TestHost_RemountsAfterFailure(t *testing.T) {
	stub := metricstest.NewStub()
	stub.Fail("followers", errors.New("down"))
	host := NewHost(visual.DefaultSet(), stub, HostConfig{}, zerolog.Nop())
	defer host.Close()

	sel := testSelection(t, model.ThemeLight)
	a := host.Mount(context.Background(), sel)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, a.WaitAll(ctx))
	require.True(t, a.Failed())

	b := host.Mount(context.Background(), sel)
	assert.NotSame(t, a, b)
	assert.True(t, a.Alive(), "replaced mount is retired, not cancelled")
	assert.Equal(t, 1, host.Len())

	host.Close()
	assert.False(t, a.Alive())
	assert.False(t, b.Alive())
}

func TestHost_RemountKeepsReplacedMountReadable(t *testing.T) {
	release := make(chan struct{})
	set, err := visual.NewSet(
		visual.Visualization{
			VisualizationDescriptor: model.VisualizationDescriptor{Key: "fails", MountID: "mount-fails", Kind: model.KindVector},
			Render: func(ctx context.Context, in visual.Input) (*visual.Output, error) {
				return nil, errors.New("no data")
			},
		},
		visual.Visualization{
			VisualizationDescriptor: model.VisualizationDescriptor{Key: "slow", MountID: "mount-slow", Kind: model.KindVector},
			Render: func(ctx context.Context, in visual.Input) (*visual.Output, error) {
				<-release
				return &visual.Output{Markup: "<svg></svg>", Width: 800, Height: 350, Raster: blankRaster}, nil
			},
		},
		fixedViz("ok", "mount-ok", model.KindVector, 800, 350),
	)
	require.NoError(t, err)

	host := NewHost(set, metricstest.NewStub(), HostConfig{}, zerolog.Nop())
	defer host.Close()

	sel := testSelection(t, model.ThemeLight)
	a := host.Mount(context.Background(), sel)
	require.NoError(t, a.WaitReady(context.Background(), "fails", 5*time.Second))
	require.True(t, a.Failed())

	waited := make(chan error, 1)
	go func() {
		waited <- a.WaitReady(context.Background(), "slow", 5*time.Second)
	}()

	b := host.Mount(context.Background(), sel)
	require.NotSame(t, a, b)
	assert.True(t, a.Alive(), "replaced mount stays readable")

	close(release)
	require.NoError(t, <-waited)
	_, ok := a.Lookup("mount-slow")
	assert.True(t, ok)
	_, _, err = a.Totals(context.Background())
	assert.NoError(t, err)
}

func TestHost_RetiredMountExpires(t *testing.T) {
	set, err := visual.NewSet(visual.Visualization{
		VisualizationDescriptor: model.VisualizationDescriptor{Key: "fails", MountID: "mount-fails", Kind: model.KindVector},
		Render: func(ctx context.Context, in visual.Input) (*visual.Output, error) {
			return nil, errors.New("no data")
		},
	})
	require.NoError(t, err)

	host := NewHost(set, metricstest.NewStub(), HostConfig{MountTTL: 50 * time.Millisecond}, zerolog.Nop())
	defer host.Close()

	sel := testSelection(t, model.ThemeLight)
	a := host.Mount(context.Background(), sel)
	require.NoError(t, a.WaitReady(context.Background(), "fails", 5*time.Second))
	host.Mount(context.Background(), sel)

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replaced mount was never released")
	}
}

func TestHost_Totals(t *testing.T) {
	host := NewHost(visual.DefaultSet(), metricstest.NewStub(), HostConfig{}, zerolog.Nop())
	defer host.Close()

	m := host.Mount(context.Background(), testSelection(t, model.ThemeLight))
	fb, ig, err := m.Totals(context.Background())
	require.NoError(t, err)

	require.NotNil(t, fb["Total de Alcance"])
	assert.Equal(t, float64(1540), *fb["Total de Alcance"])
	require.NotNil(t, ig[metrics.TotalFollowersGained])
	assert.Equal(t, float64(37), *ig[metrics.TotalFollowersGained])
	require.NotNil(t, ig["Total de Alcance"])

	// callers get copies
	delete(fb, "Total de Alcance")
	fb2, _, _ := m.Totals(context.Background())
	assert.Contains(t, fb2, "Total de Alcance")
}

func TestHost_TotalsFailureLeavesEmptyTotals(t *testing.T) {
	stub := metricstest.NewStub()
	boom := errors.New("instagram down")
	stub.Fail("instagram", boom)
	host := NewHost(visual.DefaultSet(), stub, HostConfig{}, zerolog.Nop())
	defer host.Close()

	m := host.Mount(context.Background(), testSelection(t, model.ThemeLight))
	fb, ig, err := m.Totals(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, fb)
	assert.Empty(t, ig)
	assert.NotNil(t, fb)
	assert.NotNil(t, ig)
}

func TestMounted_WaitReady(t *testing.T) {
	release := make(chan struct{})
	set, err := visual.NewSet(visual.Visualization{
		VisualizationDescriptor: model.VisualizationDescriptor{Key: "slow", MountID: "mount-slow", Kind: model.KindVector},
		Render: func(ctx context.Context, in visual.Input) (*visual.Output, error) {
			<-release
			return &visual.Output{Markup: "<svg></svg>", Raster: blankRaster}, nil
		},
	})
	require.NoError(t, err)

	host := NewHost(set, metricstest.NewStub(), HostConfig{}, zerolog.Nop())
	defer host.Close()
	m := host.Mount(context.Background(), testSelection(t, model.ThemeLight))

	err = m.WaitReady(context.Background(), "slow", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotReady)
	_, ok := m.Lookup("mount-slow")
	assert.False(t, ok, "lookup does not wait")

	err = m.WaitReady(context.Background(), "missing", time.Second)
	assert.ErrorIs(t, err, ErrUnknownVisualization)

	close(release)
	require.NoError(t, m.WaitReady(context.Background(), "slow", 5*time.Second))
	_, ok = m.Lookup("mount-slow")
	assert.True(t, ok)
}

func TestHost_EvictionCancelsMount(t *testing.T) {
	host := NewHost(visual.DefaultSet(), metricstest.NewStub(), HostConfig{MaxMounts: 1}, zerolog.Nop())
	defer host.Close()

	a := host.Mount(context.Background(), testSelection(t, model.ThemeLight))
	host.Mount(context.Background(), testSelection(t, model.ThemeDark))

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("evicted mount was not cancelled")
	}
	assert.False(t, a.Alive())
	assert.Equal(t, 1, host.Len())
}
