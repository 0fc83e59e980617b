// Package visual holds the fixed registry of report visualizations and
// renders each one from a metrics source.
package visual

import (
	"context"
	"fmt"
	"time"

	"github.com/yourusername/social-report-exporter/pkg/metrics"
	"github.com/yourusername/social-report-exporter/pkg/model"
)

// Payload keys and mount ids of the registered visualizations
const (
	KeyFacebookReach         = "alcance_facebook_graph"
	KeyFacebookPageViews     = "vistas_facebook_graph"
	KeyFacebookPosts         = "publicaciones_facebook_graph"
	KeyFacebookVideoViews    = "reproducciones_facebook_graph"
	KeyFacebookVideoViews30s = "reproducciones_30s_facebook_graph"
	KeyInstagramReach        = "alcance_instagram_graph"
	KeyInstagramPosts        = "publicaciones_instagram_graph"
	KeyTopPostsTable         = "table_base64"

	MountFacebookReach         = "facebook-graph-alcance"
	MountFacebookPageViews     = "facebook-graph-vistas"
	MountFacebookPosts         = "facebook-graph-publicaciones"
	MountFacebookVideoViews    = "facebook-graph-reproducciones"
	MountFacebookVideoViews30s = "facebook-graph-reproducciones-30s"
	MountInstagramReach        = "instagram-graph-alcance"
	MountInstagramPosts        = "instagram-graph-publicaciones"
	MountTopPostsTable         = "top-posts-table"
)

// Default rendered size of a chart in CSS pixels
const (
	DefaultWidth  = 800
	DefaultHeight = 350
)

// Input is what a visualization renders from
type Input struct {
	Selection model.Selection
	Source    metrics.Source
	Now       time.Time
}

// RasterFunc draws the visualization at width x height CSS pixels, multiplied
// by scale, and returns PNG bytes
type RasterFunc func(width, height int, scale float64) ([]byte, error)

// Output is a rendered visualization
type Output struct {
	// Markup is SVG for vector kinds and an HTML fragment carrying the
	// mount id for DOM snapshots
	Markup string
	// Width and Height are the intrinsic size in CSS pixels; zero when unknown
	Width  int
	Height int
	Raster RasterFunc
}

// RenderFunc renders one visualization
type RenderFunc func(ctx context.Context, in Input) (*Output, error)

// Visualization is one registered chart or table
type Visualization struct {
	model.VisualizationDescriptor
	Title  string
	Render RenderFunc
}

// Set is an ordered collection of visualizations with unique keys and mount ids
type Set struct {
	items   []Visualization
	byKey   map[string]int
	byMount map[string]int
}

// NewSet validates and builds a set
func NewSet(items ...Visualization) (*Set, error) {
	s := &Set{
		items:   make([]Visualization, 0, len(items)),
		byKey:   make(map[string]int, len(items)),
		byMount: make(map[string]int, len(items)),
	}
	for _, v := range items {
		if v.Key == "" || v.MountID == "" {
			return nil, fmt.Errorf("visualization %q: key and mount id are required", v.Title)
		}
		if v.Render == nil {
			return nil, fmt.Errorf("visualization %s: no render function", v.Key)
		}
		if _, dup := s.byKey[v.Key]; dup {
			return nil, fmt.Errorf("duplicate visualization key: %s", v.Key)
		}
		if _, dup := s.byMount[v.MountID]; dup {
			return nil, fmt.Errorf("duplicate mount id: %s", v.MountID)
		}
		s.byKey[v.Key] = len(s.items)
		s.byMount[v.MountID] = len(s.items)
		s.items = append(s.items, v)
	}
	return s, nil
}

// Items returns the visualizations in registration order
func (s *Set) Items() []Visualization {
	return append([]Visualization(nil), s.items...)
}

// Len returns the number of visualizations
func (s *Set) Len() int {
	return len(s.items)
}

// Descriptors returns the descriptors in registration order
func (s *Set) Descriptors() []model.VisualizationDescriptor {
	out := make([]model.VisualizationDescriptor, len(s.items))
	for i, v := range s.items {
		out[i] = v.VisualizationDescriptor
	}
	return out
}

// Lookup finds a visualization by payload key
func (s *Set) Lookup(key string) (Visualization, bool) {
	i, ok := s.byKey[key]
	if !ok {
		return Visualization{}, false
	}
	return s.items[i], true
}

// LookupMount finds a visualization by mount id
func (s *Set) LookupMount(mountID string) (Visualization, bool) {
	i, ok := s.byMount[mountID]
	if !ok {
		return Visualization{}, false
	}
	return s.items[i], true
}

// Registry returns every known visualization, including the optional ones
func Registry() []Visualization {
	return []Visualization{
		{
			VisualizationDescriptor: model.VisualizationDescriptor{Key: KeyFacebookReach, MountID: MountFacebookReach, Kind: model.KindVector},
			Title:                   "Alcance de Facebook",
			Render:                  dailyChart("Alcance de Facebook", "Alcance", func(fb *metrics.FacebookMetrics) []metrics.DailyValue { return fb.Growth.ReachPerDay }),
		},
		{
			VisualizationDescriptor: model.VisualizationDescriptor{Key: KeyFacebookPageViews, MountID: MountFacebookPageViews, Kind: model.KindVector},
			Title:                   "Visitas a la Página",
			Render:                  dailyChart("Visitas a la Página", "Visitas", func(fb *metrics.FacebookMetrics) []metrics.DailyValue { return fb.Growth.PageVisitsPerDay }),
		},
		{
			VisualizationDescriptor: model.VisualizationDescriptor{Key: KeyFacebookPosts, MountID: MountFacebookPosts, Kind: model.KindVector},
			Title:                   "Publicaciones de Facebook",
			Render:                  facebookPostsChart,
		},
		{
			VisualizationDescriptor: model.VisualizationDescriptor{Key: KeyFacebookVideoViews, MountID: MountFacebookVideoViews, Kind: model.KindVector},
			Title:                   "Reproducciones de Video",
			Render:                  dailyChart("Reproducciones de Video", "Reproducciones", func(fb *metrics.FacebookMetrics) []metrics.DailyValue { return fb.Growth.VideoViewsPerDay }),
		},
		{
			VisualizationDescriptor: model.VisualizationDescriptor{Key: KeyFacebookVideoViews30s, MountID: MountFacebookVideoViews30s, Kind: model.KindVector},
			Title:                   "Reproducciones de 30 Segundos",
			Render:                  dailyChart("Reproducciones de 30 Segundos", "Reproducciones 30s", func(fb *metrics.FacebookMetrics) []metrics.DailyValue { return fb.Growth.VideoViews30sByDay }),
		},
		{
			VisualizationDescriptor: model.VisualizationDescriptor{Key: KeyInstagramReach, MountID: MountInstagramReach, Kind: model.KindVector},
			Title:                   "Alcance de Instagram",
			Render:                  instagramReachChart,
		},
		{
			VisualizationDescriptor: model.VisualizationDescriptor{Key: KeyInstagramPosts, MountID: MountInstagramPosts, Kind: model.KindVector},
			Title:                   "Publicaciones de Instagram",
			Render:                  instagramPostsChart,
		},
		{
			VisualizationDescriptor: model.VisualizationDescriptor{Key: KeyTopPostsTable, MountID: MountTopPostsTable, Kind: model.KindDOMSnapshot},
			Title:                   "Publicaciones con Mayor Alcance",
			Render:                  topPostsTable,
		},
	}
}

// DefaultKeys lists the visualizations exported when none are configured
var DefaultKeys = []string{
	KeyFacebookReach,
	KeyFacebookPageViews,
	KeyFacebookPosts,
	KeyFacebookVideoViews,
	KeyInstagramReach,
	KeyInstagramPosts,
	KeyTopPostsTable,
}

// DefaultSet returns the standard report set
func DefaultSet() *Set {
	s, err := SetOf(DefaultKeys...)
	if err != nil {
		panic(err)
	}
	return s
}

// SetOf builds a set from registry keys, in the order given
func SetOf(keys ...string) (*Set, error) {
	registry := make(map[string]Visualization)
	for _, v := range Registry() {
		registry[v.Key] = v
	}

	items := make([]Visualization, 0, len(keys))
	for _, k := range keys {
		v, ok := registry[k]
		if !ok {
			return nil, fmt.Errorf("unknown visualization: %s", k)
		}
		items = append(items, v)
	}
	return NewSet(items...)
}
