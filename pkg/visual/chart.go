package visual

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/yourusername/social-report-exporter/pkg/metrics"
	"github.com/yourusername/social-report-exporter/pkg/model"
)

type palette struct {
	background drawing.Color
	text       drawing.Color
	grid       drawing.Color
	series     []drawing.Color
}

var (
	lightPalette = palette{
		background: drawing.ColorWhite,
		text:       drawing.ColorFromHex("374151"),
		grid:       drawing.ColorFromHex("e5e7eb"),
		series:     []drawing.Color{drawing.ColorFromHex("2563eb"), drawing.ColorFromHex("16a34a"), drawing.ColorFromHex("f97316")},
	}
	darkPalette = palette{
		background: drawing.ColorFromHex("1f2937"),
		text:       drawing.ColorFromHex("e5e7eb"),
		grid:       drawing.ColorFromHex("374151"),
		series:     []drawing.Color{drawing.ColorFromHex("60a5fa"), drawing.ColorFromHex("4ade80"), drawing.ColorFromHex("fb923c")},
	}
)

func paletteFor(theme model.Theme) palette {
	if theme == model.ThemeDark {
		return darkPalette
	}
	return lightPalette
}

type line struct {
	name   string
	values []float64
}

// timeChart is a line chart with one value per consecutive day
type timeChart struct {
	title string
	theme model.Theme
	days  []time.Time
	lines []line
}

func (c timeChart) build(width, height int, dpi float64) *chart.Chart {
	p := paletteFor(c.theme)

	xs := c.days
	single := len(xs) == 1
	if single {
		// go-chart needs a non-empty x range
		xs = []time.Time{xs[0].Add(-12 * time.Hour), xs[0].Add(12 * time.Hour)}
	}

	maxY := 0.0
	series := make([]chart.Series, 0, len(c.lines))
	for i, l := range c.lines {
		ys := l.values
		if single {
			ys = []float64{ys[0], ys[0]}
		}
		for _, v := range ys {
			maxY = math.Max(maxY, v)
		}

		col := p.series[i%len(p.series)]
		style := chart.Style{
			StrokeColor: col,
			StrokeWidth: 2,
			DotColor:    col,
			DotWidth:    2,
		}
		if len(c.lines) == 1 {
			style.FillColor = col.WithAlpha(48)
		}
		series = append(series, chart.TimeSeries{Name: l.name, XValues: xs, YValues: ys, Style: style})
	}

	yMax := math.Max(1, math.Ceil(maxY*1.1))
	axisStyle := chart.Style{FontColor: p.text, StrokeColor: p.grid}

	graph := &chart.Chart{
		Title:      c.title,
		TitleStyle: chart.Style{FontColor: p.text, FontSize: 12},
		Width:      width,
		Height:     height,
		DPI:        dpi,
		Background: chart.Style{
			FillColor: p.background,
			Padding:   chart.Box{Top: 40, Left: 16, Right: 24, Bottom: 16},
		},
		Canvas: chart.Style{FillColor: p.background},
		XAxis: chart.XAxis{
			Style:          axisStyle,
			ValueFormatter: chart.TimeValueFormatterWithFormat("02/01"),
			Range: &chart.ContinuousRange{
				Min: chart.TimeToFloat64(xs[0]),
				Max: chart.TimeToFloat64(xs[len(xs)-1]),
			},
		},
		YAxis: chart.YAxis{
			Style:          axisStyle,
			ValueFormatter: integerFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: yMax},
			GridMajorStyle: chart.Style{StrokeColor: p.grid, StrokeWidth: 1},
		},
		Series: series,
	}
	if len(c.lines) > 1 {
		graph.Elements = []chart.Renderable{chart.Legend(graph, chart.Style{FontColor: p.text, FillColor: p.background, StrokeColor: p.grid})}
	}
	return graph
}

func integerFormatter(v interface{}) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(math.Round(f), 'f', 0, 64)
	}
	return ""
}

// output renders the SVG markup at the default size and keeps the chart
// around for rasterizing at any size
func (c timeChart) output() (*Output, error) {
	if len(c.days) == 0 {
		return nil, fmt.Errorf("%s: empty date range", c.title)
	}

	var svg bytes.Buffer
	if err := c.build(DefaultWidth, DefaultHeight, chart.DefaultDPI).Render(chart.SVG, &svg); err != nil {
		return nil, fmt.Errorf("render %s: %w", c.title, err)
	}
	return &Output{
		Markup: svg.String(),
		Width:  DefaultWidth,
		Height: DefaultHeight,
		Raster: c.raster,
	}, nil
}

func (c timeChart) raster(width, height int, scale float64) ([]byte, error) {
	if scale <= 0 {
		scale = 1
	}
	w := int(math.Round(float64(width) * scale))
	h := int(math.Round(float64(height) * scale))

	var buf bytes.Buffer
	if err := c.build(w, h, chart.DefaultDPI*scale).Render(chart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("rasterize %s: %w", c.title, err)
	}
	return buf.Bytes(), nil
}

func requireAccount(in Input) error {
	if in.Selection.Account == nil || in.Selection.Account.ID == "" {
		return model.ErrNoAccount
	}
	return nil
}

func pointValues(points []metrics.Point) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Value
	}
	return out
}

// dailyChart plots one Facebook daily series
func dailyChart(title, name string, pick func(*metrics.FacebookMetrics) []metrics.DailyValue) RenderFunc {
	return func(ctx context.Context, in Input) (*Output, error) {
		if err := requireAccount(in); err != nil {
			return nil, err
		}
		q, start, end := metrics.ResolvedQuery(in.Selection, in.Now)
		fb, err := in.Source.Facebook(ctx, q)
		if err != nil {
			return nil, err
		}
		return timeChart{
			title: title,
			theme: in.Selection.Theme,
			days:  metrics.Days(start, end),
			lines: []line{{name: name, values: pointValues(metrics.FillDaily(pick(fb), start, end))}},
		}.output()
	}
}

func instagramReachChart(ctx context.Context, in Input) (*Output, error) {
	if err := requireAccount(in); err != nil {
		return nil, err
	}
	q, start, end := metrics.ResolvedQuery(in.Selection, in.Now)
	ig, err := in.Source.Instagram(ctx, q)
	if err != nil {
		return nil, err
	}
	return timeChart{
		title: "Alcance de Instagram",
		theme: in.Selection.Theme,
		days:  metrics.Days(start, end),
		lines: []line{{name: "Alcance", values: pointValues(metrics.FillDaily(ig.Growth.ReachPerDay, start, end))}},
	}.output()
}

func postLines(rows []metrics.PostDay) []line {
	posts := make([]float64, len(rows))
	comments := make([]float64, len(rows))
	shares := make([]float64, len(rows))
	for i, r := range rows {
		posts[i], comments[i], shares[i] = r.Posts, r.Comments, r.Shares
	}
	return []line{
		{name: "Publicaciones", values: posts},
		{name: "Comentarios", values: comments},
		{name: "Compartidos", values: shares},
	}
}

func facebookPostsChart(ctx context.Context, in Input) (*Output, error) {
	if err := requireAccount(in); err != nil {
		return nil, err
	}
	q, start, end := metrics.ResolvedQuery(in.Selection, in.Now)
	fb, err := in.Source.Facebook(ctx, q)
	if err != nil {
		return nil, err
	}
	return timeChart{
		title: "Publicaciones de Facebook",
		theme: in.Selection.Theme,
		days:  metrics.Days(start, end),
		lines: postLines(metrics.BucketEngagedPosts(fb.Activity.EngagedPosts, start, end)),
	}.output()
}

func instagramPostsChart(ctx context.Context, in Input) (*Output, error) {
	if err := requireAccount(in); err != nil {
		return nil, err
	}
	q, start, end := metrics.ResolvedQuery(in.Selection, in.Now)
	ig, err := in.Source.Instagram(ctx, q)
	if err != nil {
		return nil, err
	}
	return timeChart{
		title: "Publicaciones de Instagram",
		theme: in.Selection.Theme,
		days:  metrics.Days(start, end),
		lines: postLines(metrics.FillPostDays(ig.Growth.PostsPerDay, start, end)),
	}.output()
}
