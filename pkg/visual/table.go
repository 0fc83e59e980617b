package visual

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"image"
	"image/color"
	"image/png"
	"math"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/social-report-exporter/pkg/metrics"
	"github.com/yourusername/social-report-exporter/pkg/model"
)

// TopPostsLimit is the number of rows in the top posts table
const TopPostsLimit = 5

// CaptionWords is the caption length kept in the table
const CaptionWords = 10

const untitled = "Sin título"

var tableColumns = []string{"Imagen", "Título", "Fecha de Publicación", "Alcance", "Plataforma", "Tipo de Contenido"}

type tableRow struct {
	ID        string
	ImageURL  string
	HasImage  bool
	Caption   string
	Published string
	Reach     string
	Platform  string
	MediaType string
}

func (r tableRow) cells() []string {
	img := ""
	if !r.HasImage {
		img = metrics.ImageUnavailable
	}
	return []string{img, r.Caption, r.Published, r.Reach, r.Platform, r.MediaType}
}

func tableRows(posts []metrics.TopPost) []tableRow {
	rows := make([]tableRow, len(posts))
	for i, p := range posts {
		caption := p.Caption
		if strings.TrimSpace(caption) == "" {
			caption = untitled
		}
		rows[i] = tableRow{
			ID:        p.ID,
			ImageURL:  p.ImageURL,
			HasImage:  p.ImageURL != "" && p.ImageURL != metrics.ImageUnavailable,
			Caption:   metrics.TruncateWords(caption, CaptionWords),
			Published: longDate(p.Timestamp),
			Reach:     thousands(p.Reach) + " Alcance",
			Platform:  string(p.Platform),
			MediaType: p.MediaType,
		}
	}
	return rows
}

var tableTemplate = template.Must(template.New("top-posts").Parse(`<table id="{{.MountID}}" style="border-collapse:collapse;font-family:sans-serif;font-size:12px;color:{{.Text}};background:{{.Background}}">
<thead><tr style="background:{{.Header}}">{{range .Columns}}<th style="border:1px solid {{$.Border}};padding:8px 16px;text-align:left">{{.}}</th>{{end}}</tr></thead>
<tbody>{{range .Rows}}
<tr><td style="border:1px solid {{$.Border}};padding:8px 16px;text-align:center">{{if .HasImage}}<img src="{{.ImageURL}}" alt="Imagen de la publicación {{.ID}}" width="64" height="64" style="object-fit:cover">{{else}}{{.ImageURL}}{{end}}</td><td style="border:1px solid {{$.Border}};padding:8px 16px">{{.Caption}}</td><td style="border:1px solid {{$.Border}};padding:8px 16px">{{.Published}}</td><td style="border:1px solid {{$.Border}};padding:8px 16px;text-align:right">{{.Reach}}</td><td style="border:1px solid {{$.Border}};padding:8px 16px;text-align:right">{{.Platform}}</td><td style="border:1px solid {{$.Border}};padding:8px 16px;text-align:right">{{.MediaType}}</td></tr>{{end}}
</tbody>
</table>`))

type tableColors struct {
	text, background, header, border color.RGBA
}

func tableColorsFor(theme model.Theme) tableColors {
	if theme == model.ThemeDark {
		return tableColors{
			text:       color.RGBA{0xe5, 0xe7, 0xeb, 0xff},
			background: color.RGBA{0x1f, 0x29, 0x37, 0xff},
			header:     color.RGBA{0x37, 0x41, 0x51, 0xff},
			border:     color.RGBA{0x4b, 0x55, 0x63, 0xff},
		}
	}
	return tableColors{
		text:       color.RGBA{0x11, 0x18, 0x27, 0xff},
		background: color.RGBA{0xff, 0xff, 0xff, 0xff},
		header:     color.RGBA{0xf3, 0xf4, 0xf6, 0xff},
		border:     color.RGBA{0xd1, 0xd5, 0xdb, 0xff},
	}
}

func cssColor(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

func topPostsTable(ctx context.Context, in Input) (*Output, error) {
	if err := requireAccount(in); err != nil {
		return nil, err
	}

	// Rankings ignore the date range
	q := metrics.Query{AccountID: in.Selection.AccountID(), Credential: in.Selection.Credential}

	var fb, ig []metrics.TopPost
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		fb, err = in.Source.TopPosts(gctx, q, metrics.Facebook)
		return err
	})
	g.Go(func() error {
		var err error
		ig, err = in.Source.TopPosts(gctx, q, metrics.Instagram)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rows := tableRows(metrics.CombineTopPosts(fb, ig, TopPostsLimit))
	colors := tableColorsFor(in.Selection.Theme)

	var markup bytes.Buffer
	err := tableTemplate.Execute(&markup, map[string]interface{}{
		"MountID":    MountTopPostsTable,
		"Columns":    tableColumns,
		"Rows":       rows,
		"Text":       cssColor(colors.text),
		"Background": cssColor(colors.background),
		"Header":     cssColor(colors.header),
		"Border":     cssColor(colors.border),
	})
	if err != nil {
		return nil, fmt.Errorf("render top posts table: %w", err)
	}

	layout := newTableLayout(rows)
	return &Output{
		Markup: markup.String(),
		Width:  layout.width,
		Height: layout.height,
		Raster: func(width, height int, scale float64) ([]byte, error) {
			return layout.raster(colors, width, height, scale)
		},
	}, nil
}

const (
	cellPadX  = 16
	cellPadY  = 8
	rowHeight = 13 + 2*cellPadY
)

// tableLayout positions the table for the native rasterizer
type tableLayout struct {
	header  []string
	rows    [][]string
	columns []int
	width   int
	height  int
}

func newTableLayout(rows []tableRow) *tableLayout {
	l := &tableLayout{header: make([]string, len(tableColumns)), columns: make([]int, len(tableColumns))}
	for i, c := range tableColumns {
		l.header[i] = asciiFold(c)
	}
	for _, r := range rows {
		cells := r.cells()
		for i := range cells {
			cells[i] = asciiFold(cells[i])
		}
		l.rows = append(l.rows, cells)
	}

	face := basicfont.Face7x13
	measure := func(s string) int {
		return font.MeasureString(face, s).Ceil()
	}
	for i := range l.columns {
		w := measure(l.header[i])
		for _, r := range l.rows {
			if cw := measure(r[i]); cw > w {
				w = cw
			}
		}
		l.columns[i] = w + 2*cellPadX
		l.width += l.columns[i]
	}
	l.width++
	l.height = rowHeight*(len(l.rows)+1) + 1
	return l
}

func (l *tableLayout) draw(c tableColors) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, l.width, l.height))
	draw.Draw(img, img.Bounds(), image.NewUniform(c.background), image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(0, 0, l.width, rowHeight), image.NewUniform(c.header), image.Point{}, draw.Src)

	border := image.NewUniform(c.border)
	for y := 0; y <= len(l.rows)+1; y++ {
		yy := y * rowHeight
		draw.Draw(img, image.Rect(0, yy, l.width, yy+1), border, image.Point{}, draw.Src)
	}
	x := 0
	for _, w := range l.columns {
		draw.Draw(img, image.Rect(x, 0, x+1, l.height), border, image.Point{}, draw.Src)
		x += w
	}
	draw.Draw(img, image.Rect(x, 0, x+1, l.height), border, image.Point{}, draw.Src)

	d := &font.Drawer{Dst: img, Src: image.NewUniform(c.text), Face: basicfont.Face7x13}
	text := func(row int, cells []string) {
		x := 0
		baseline := row*rowHeight + cellPadY + basicfont.Face7x13.Ascent
		for i, s := range cells {
			d.Dot = fixed.Point26_6{X: fixed.I(x + cellPadX), Y: fixed.I(baseline)}
			d.DrawString(s)
			x += l.columns[i]
		}
	}
	text(0, l.header)
	for i, r := range l.rows {
		text(i+1, r)
	}
	return img
}

// raster draws the table at its natural size and scales it to width x height
// times scale. Zero dimensions use the natural size.
func (l *tableLayout) raster(c tableColors, width, height int, scale float64) ([]byte, error) {
	if width <= 0 || height <= 0 {
		width, height = l.width, l.height
	}
	if scale <= 0 {
		scale = 1
	}
	src := l.draw(c)
	dst := image.NewRGBA(image.Rect(0, 0, int(math.Round(float64(width)*scale)), int(math.Round(float64(height)*scale))))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode table: %w", err)
	}
	return buf.Bytes(), nil
}
