package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/social-report-exporter/pkg/metrics/metricstest"
	"github.com/yourusername/social-report-exporter/pkg/model"
	"github.com/yourusername/social-report-exporter/pkg/render"
	"github.com/yourusername/social-report-exporter/pkg/visual"
)

func selection(t *testing.T, start, end string) model.Selection {
	t.Helper()
	r, err := model.NewDateRange(start, end)
	require.NoError(t, err)
	return model.Selection{
		Account:    &model.Account{ID: "page-1", DisplayName: "Cafetería Central"},
		Range:      r,
		Theme:      model.ThemeLight,
		Credential: "token",
	}
}

func tinyPNG(width, height int, scale float64) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1))); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func staticViz(key, mount string) visual.Visualization {
	return visual.Visualization{
		VisualizationDescriptor: model.VisualizationDescriptor{Key: key, MountID: mount, Kind: model.KindVector},
		Render: func(ctx context.Context, in visual.Input) (*visual.Output, error) {
			return &visual.Output{Markup: "<svg></svg>", Width: 10, Height: 10, Raster: tinyPNG}, nil
		},
	}
}

// recordingSurface wraps a surface and records when captures happen
type recordingSurface struct {
	render.Surface

	mu       sync.Mutex
	captures []time.Time
	rootErr  error
}

func (s *recordingSurface) Root(ctx context.Context) error {
	if s.rootErr != nil {
		return s.rootErr
	}
	return s.Surface.Root(ctx)
}

func (s *recordingSurface) Capture(ctx context.Context, d model.VisualizationDescriptor) model.CapturedImage {
	s.mu.Lock()
	s.captures = append(s.captures, time.Now())
	s.mu.Unlock()
	return s.Surface.Capture(ctx, d)
}

func (s *recordingSurface) first() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.captures[0]
	for _, c := range s.captures[1:] {
		if c.Before(first) {
			first = c
		}
	}
	return first
}

func setOf(t *testing.T, keys ...string) *visual.Set {
	t.Helper()
	set, err := visual.SetOf(keys...)
	require.NoError(t, err)
	return set
}

type fixture struct {
	stub    *metricstest.Stub
	host    *render.Host
	mounted *render.Mounted
	surface *recordingSurface
}

func newFixture(t *testing.T, set *visual.Set, sel model.Selection) *fixture {
	t.Helper()
	stub := metricstest.NewStub()
	host := render.NewHost(set, stub, render.HostConfig{}, zerolog.Nop())
	t.Cleanup(host.Close)

	m := host.Mount(context.Background(), sel)
	surface, err := render.NewNativeBackend(model.RendererConfig{}, zerolog.Nop()).Attach(context.Background(), m)
	require.NoError(t, err)
	return &fixture{stub: stub, host: host, mounted: m, surface: &recordingSurface{Surface: surface}}
}

func TestAssemble_DefaultSet(t *testing.T) {
	sel := selection(t, "2024-01-01", "2024-01-07")
	f := newFixture(t, visual.DefaultSet(), sel)

	a := NewAssembler(model.RendererConfig{}, zerolog.Nop())
	payload, err := a.Assemble(context.Background(), sel, f.mounted, f.surface)
	require.NoError(t, err)

	assert.Equal(t, "Cafetería Central", payload.PageName)
	assert.Len(t, payload.Images, len(visual.DefaultKeys))
	for _, key := range visual.DefaultKeys {
		uri, ok := payload.Images[key]
		require.True(t, ok, key)
		require.NotNil(t, uri, key)
		assert.Contains(t, *uri, render.PNGPrefix)
	}
	assert.Empty(t, payload.NullKeys())

	require.NotNil(t, payload.Facebook["Total de Alcance"])
	assert.Equal(t, float64(1540), *payload.Facebook["Total de Alcance"])

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, map[string]interface{}{"start_date": "2024-01-01", "end_date": "2024-01-07"}, decoded["date_range"])
}

func TestAssemble_NoAccount(t *testing.T) {
	a := NewAssembler(model.RendererConfig{}, zerolog.Nop())
	sel := selection(t, "2024-01-01", "2024-01-07")
	sel.Account = nil

	_, err := a.Assemble(context.Background(), sel, nil, nil)
	assert.ErrorIs(t, err, model.ErrNoAccount)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

func TestAssemble_HostMissing(t *testing.T) {
	sel := selection(t, "2024-01-01", "2024-01-07")
	a := NewAssembler(model.RendererConfig{}, zerolog.Nop())

	_, err := a.Assemble(context.Background(), sel, nil, nil)
	assert.ErrorIs(t, err, model.ErrRenderHostMissing)
	assert.Equal(t, model.MsgHostMissing, model.UserMessage(err))

	f := newFixture(t, visual.DefaultSet(), sel)
	f.surface.rootErr = errors.New("#hidden-graphs not found")
	_, err = a.Assemble(context.Background(), sel, f.mounted, f.surface)
	assert.ErrorIs(t, err, model.ErrRenderHostMissing)
	assert.Empty(t, f.surface.captures)

	g := newFixture(t, visual.DefaultSet(), sel)
	g.host.Close()
	_, err = a.Assemble(context.Background(), sel, g.mounted, g.surface)
	assert.ErrorIs(t, err, model.ErrRenderHostMissing)
}

func TestAssemble_FailedVisualizationIsNull(t *testing.T) {
	set, err := visual.NewSet(
		staticViz("first_graph", "first"),
		visual.Visualization{
			VisualizationDescriptor: model.VisualizationDescriptor{Key: "broken_graph", MountID: "broken", Kind: model.KindVector},
			Render: func(ctx context.Context, in visual.Input) (*visual.Output, error) {
				return nil, errors.New("no data")
			},
		},
		staticViz("last_graph", "last"),
	)
	require.NoError(t, err)

	sel := selection(t, "2024-01-01", "2024-01-07")
	f := newFixture(t, set, sel)

	payload, err := NewAssembler(model.RendererConfig{}, zerolog.Nop()).Assemble(context.Background(), sel, f.mounted, f.surface)
	require.NoError(t, err)

	assert.Len(t, payload.Images, 3)
	assert.Equal(t, []string{"broken_graph"}, payload.NullKeys())
	assert.NotNil(t, payload.Images["first_graph"])
	assert.NotNil(t, payload.Images["last_graph"])

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"broken_graph":null`)
}

func TestAssemble_NotReadyIsNull(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	set, err := visual.NewSet(
		staticViz("fast_graph", "fast"),
		visual.Visualization{
			VisualizationDescriptor: model.VisualizationDescriptor{Key: "slow_graph", MountID: "slow", Kind: model.KindVector},
			Render: func(ctx context.Context, in visual.Input) (*visual.Output, error) {
				<-release
				return nil, errors.New("too late")
			},
		},
	)
	require.NoError(t, err)

	sel := selection(t, "2024-01-01", "2024-01-07")
	f := newFixture(t, set, sel)

	a := NewAssembler(model.RendererConfig{ReadyTimeoutMS: 20}, zerolog.Nop())
	payload, err := a.Assemble(context.Background(), sel, f.mounted, f.surface)
	require.NoError(t, err)
	assert.Equal(t, []string{"slow_graph"}, payload.NullKeys())
	assert.Contains(t, payload.Images, "slow_graph")
}

func TestAssemble_RemountDuringAssemblyStillExports(t *testing.T) {
	release := make(chan struct{})
	set, err := visual.NewSet(
		visual.Visualization{
			VisualizationDescriptor: model.VisualizationDescriptor{Key: "broken_graph", MountID: "broken", Kind: model.KindVector},
			Render: func(ctx context.Context, in visual.Input) (*visual.Output, error) {
				return nil, errors.New("no data")
			},
		},
		visual.Visualization{
			VisualizationDescriptor: model.VisualizationDescriptor{Key: "slow_graph", MountID: "slow", Kind: model.KindVector},
			Render: func(ctx context.Context, in visual.Input) (*visual.Output, error) {
				<-release
				return &visual.Output{Markup: "<svg></svg>", Width: 10, Height: 10, Raster: tinyPNG}, nil
			},
		},
		staticViz("fast_graph", "fast"),
	)
	require.NoError(t, err)

	sel := selection(t, "2024-01-01", "2024-01-07")
	f := newFixture(t, set, sel)
	require.NoError(t, f.mounted.WaitReady(context.Background(), "broken_graph", 5*time.Second))

	type result struct {
		payload *model.ReportPayload
		err     error
	}
	done := make(chan result, 1)
	a := NewAssembler(model.RendererConfig{SettleDelayMS: 1, ReadyTimeoutMS: 5000}, zerolog.Nop())
	go func() {
		p, err := a.Assemble(context.Background(), sel, f.mounted, f.surface)
		done <- result{p, err}
	}()

	// a concurrent request for the same selection replaces the failed mount
	require.NotSame(t, f.mounted, f.host.Mount(context.Background(), sel))
	close(release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, []string{"broken_graph"}, res.payload.NullKeys())
	assert.NotNil(t, res.payload.Images["slow_graph"])
	assert.NotNil(t, res.payload.Images["fast_graph"])
}

func TestAssemble_NullDatesStayNull(t *testing.T) {
	sel := selection(t, "", "")
	f := newFixture(t, setOf(t, visual.KeyFacebookReach), sel)

	payload, err := NewAssembler(model.RendererConfig{}, zerolog.Nop()).Assemble(context.Background(), sel, f.mounted, f.surface)
	require.NoError(t, err)

	assert.Nil(t, payload.DateRange.Start)
	assert.Nil(t, payload.DateRange.End)
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"date_range":{"start_date":null,"end_date":null}`)
}

func TestAssemble_SettleDelayPrecedesCaptures(t *testing.T) {
	sel := selection(t, "2024-01-01", "2024-01-07")
	f := newFixture(t, setOf(t, visual.KeyFacebookReach, visual.KeyInstagramReach), sel)

	const delay = 60 * time.Millisecond
	a := NewAssembler(model.RendererConfig{SettleDelayMS: int(delay / time.Millisecond)}, zerolog.Nop())

	started := time.Now()
	_, err := a.Assemble(context.Background(), sel, f.mounted, f.surface)
	require.NoError(t, err)
	require.Len(t, f.surface.captures, 2)
	assert.GreaterOrEqual(t, f.surface.first().Sub(started), delay)
}

func TestAssemble_CancelledDuringSettle(t *testing.T) {
	sel := selection(t, "2024-01-01", "2024-01-07")
	f := newFixture(t, visual.DefaultSet(), sel)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	a := NewAssembler(model.RendererConfig{SettleDelayMS: 5000}, zerolog.Nop())

	_, err := a.Assemble(ctx, sel, f.mounted, f.surface)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, f.surface.captures)
}

func TestAssemble_TotalsFailureStillExports(t *testing.T) {
	sel := selection(t, "2024-01-01", "2024-01-07")
	stub := metricstest.NewStub()
	stub.Fail("followers", errors.New("followers down"))
	host := render.NewHost(setOf(t, visual.KeyTopPostsTable), stub, render.HostConfig{}, zerolog.Nop())
	defer host.Close()

	m := host.Mount(context.Background(), sel)
	surface, err := render.NewNativeBackend(model.RendererConfig{}, zerolog.Nop()).Attach(context.Background(), m)
	require.NoError(t, err)

	payload, err := NewAssembler(model.RendererConfig{}, zerolog.Nop()).Assemble(context.Background(), sel, m, surface)
	require.NoError(t, err)
	assert.Empty(t, payload.Facebook)
	assert.Empty(t, payload.Instagram)
	assert.NotNil(t, payload.Images[visual.KeyTopPostsTable])
}
