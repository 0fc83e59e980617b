// Package metricstest provides in-memory and HTTP fakes of the metrics service.
package metricstest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"

	"github.com/yourusername/social-report-exporter/pkg/metrics"
	"github.com/yourusername/social-report-exporter/pkg/model"
)

// Stub is a programmable metrics.Source
type Stub struct {
	FacebookData  *metrics.FacebookMetrics
	InstagramData *metrics.InstagramMetrics
	FollowersData *metrics.FollowerMetrics
	Top           map[metrics.Platform][]metrics.TopPost

	mu      sync.Mutex
	owner   string
	errs    map[string]error
	calls   map[string]int
	total   atomic.Int64
	queries []metrics.Query
}

// NewStub returns a stub serving Fixture data
func NewStub() *Stub {
	fb, ig, followers, top := Fixture()
	return &Stub{
		FacebookData:  fb,
		InstagramData: ig,
		FollowersData: followers,
		Top:           top,
		errs:          make(map[string]error),
		calls:         make(map[string]int),
	}
}

// Fail makes the named endpoint ("facebook", "instagram", "followers", "top:Facebook", "top:Instagram") return err
func (s *Stub) Fail(endpoint string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[endpoint] = err
}

// RequireCredential makes every endpoint reject queries whose credential is not owner
func (s *Stub) RequireCredential(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owner = owner
}

// Calls returns how many times endpoint was requested
func (s *Stub) Calls(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[endpoint]
}

// TotalCalls returns the number of requests across all endpoints
func (s *Stub) TotalCalls() int {
	return int(s.total.Load())
}

// Queries returns every query received, in arrival order
func (s *Stub) Queries() []metrics.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]metrics.Query(nil), s.queries...)
}

func (s *Stub) record(endpoint string, q metrics.Query) error {
	s.total.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[endpoint]++
	s.queries = append(s.queries, q)
	if s.owner != "" && q.Credential != s.owner {
		return &metrics.Error{Endpoint: endpoint, Status: http.StatusUnauthorized, Message: "Token inválido"}
	}
	return s.errs[endpoint]
}

// Facebook implements metrics.Source
func (s *Stub) Facebook(ctx context.Context, q metrics.Query) (*metrics.FacebookMetrics, error) {
	if err := s.record("facebook", q); err != nil {
		return nil, err
	}
	return s.FacebookData, nil
}

// Instagram implements metrics.Source
func (s *Stub) Instagram(ctx context.Context, q metrics.Query) (*metrics.InstagramMetrics, error) {
	if err := s.record("instagram", q); err != nil {
		return nil, err
	}
	return s.InstagramData, nil
}

// FollowersByDay implements metrics.Source
func (s *Stub) FollowersByDay(ctx context.Context, q metrics.Query) (*metrics.FollowerMetrics, error) {
	if err := s.record("followers", q); err != nil {
		return nil, err
	}
	return s.FollowersData, nil
}

// TopPosts implements metrics.Source
func (s *Stub) TopPosts(ctx context.Context, q metrics.Query, platform metrics.Platform) ([]metrics.TopPost, error) {
	if err := s.record("top:"+string(platform), q); err != nil {
		return nil, err
	}
	return s.Top[platform], nil
}

// Fixture returns one week of data, 2024-01-01 to 2024-01-07
func Fixture() (*metrics.FacebookMetrics, *metrics.InstagramMetrics, *metrics.FollowerMetrics, map[metrics.Platform][]metrics.TopPost) {
	days := []string{"2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05", "2024-01-06", "2024-01-07"}
	series := func(base float64) []metrics.DailyValue {
		out := make([]metrics.DailyValue, 0, len(days))
		for i, d := range days {
			if i == 3 {
				continue // one gap per series
			}
			out = append(out, metrics.DailyValue{Date: d, Value: base + float64(i*10)})
		}
		return out
	}

	fb := &metrics.FacebookMetrics{
		Growth: metrics.FacebookGrowth{
			LikesPerDay:        series(5),
			ImpressionsPerDay:  series(300),
			PageVisitsPerDay:   series(40),
			ReachPerDay:        series(200),
			VideoViewsPerDay:   series(60),
			VideoViews30sByDay: series(12),
		},
		Activity: metrics.FacebookActivity{EngagedPosts: []metrics.EngagedPost{
			{ID: "fb1", CreatedTime: "2024-01-02T09:00:00+0000", Shares: 3, Comments: 4},
			{ID: "fb2", CreatedTime: "2024-01-02T18:30:00+0000", Shares: 1, Comments: 2},
			{ID: "fb3", CreatedTime: "2024-01-05T12:00:00+0000", Shares: 0, Comments: 7},
		}},
		Totals: model.MetricTotals{
			"Total de Me gusta":            model.Float(1520),
			"Total de Seguidores":          model.Float(1610),
			"Total de Impresiones":         model.Float(2400),
			"Total de Visitas a la Página": model.Float(310),
			"Total de Alcance":             model.Float(1540),
			"Total de Publicaciones":       model.Float(3),
		},
	}

	ig := &metrics.InstagramMetrics{
		Growth: metrics.InstagramGrowth{
			ImpressionsPerDay: series(150),
			ReachPerDay:       series(90),
			PostsPerDay: []metrics.InstagramPostDay{
				{Date: "2024-01-01", Posts: 1, Comments: 5, Shares: 2},
				{Date: "2024-01-06", Posts: 2, Comments: 9, Shares: 1},
			},
		},
		Totals: model.MetricTotals{
			"Total de Impresiones":   model.Float(1200),
			"Total de Alcance":       model.Float(820),
			"Total de Publicaciones": model.Float(3),
			"Total de Seguidores":    model.Float(940),
		},
	}

	followers := &metrics.FollowerMetrics{Totals: model.MetricTotals{metrics.TotalFollowersGained: model.Float(37)}}
	followers.Growth.FollowersPerDay = series(4)

	top := map[metrics.Platform][]metrics.TopPost{
		metrics.Facebook: {
			{ID: "fb1", Caption: "Nuevo menú de temporada disponible desde hoy en todas nuestras tiendas del centro", Timestamp: "2024-01-02T09:00:00+0000", Reach: 900, MediaType: "photo"},
			{ID: "fb2", Caption: "Gracias", Timestamp: "2024-01-02T18:30:00+0000", Reach: 300, MediaType: "status"},
			{ID: "fb3", Caption: "", Timestamp: "2024-01-05T12:00:00+0000", Reach: 120, MediaType: "video"},
		},
		metrics.Instagram: {
			{ID: "ig1", Caption: "Detrás de cámaras", Timestamp: "2024-01-01T10:00:00+0000", Reach: 640, MediaType: "IMAGE", ImageURL: "https://cdn.example.com/ig1.jpg"},
			{ID: "ig2", Caption: "Sorteo", Timestamp: "2024-01-06T10:00:00+0000", Reach: 300, MediaType: "CAROUSEL_ALBUM"},
			{ID: "ig3", Caption: "Reel", Timestamp: "2024-01-06T20:00:00+0000", Reach: 80, MediaType: "VIDEO"},
		},
	}
	return fb, ig, followers, top
}

// NewServer serves s over HTTP on the metrics service paths
func NewServer(s *Stub) *httptest.Server {
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, v interface{}, err error) {
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(v)
	}
	query := func(r *http.Request) metrics.Query {
		var body struct {
			PageID    string  `json:"page_id"`
			StartDate *string `json:"start_date"`
			EndDate   *string `json:"end_date"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		q := metrics.Query{AccountID: body.PageID, Start: body.StartDate, End: body.EndDate}
		if auth := r.Header.Get("Authorization"); len(auth) > len("Bearer ") {
			q.Credential = auth[len("Bearer "):]
		}
		return q
	}

	mux.HandleFunc(metrics.PathFacebookMetrics, func(w http.ResponseWriter, r *http.Request) {
		v, err := s.Facebook(r.Context(), query(r))
		write(w, v, err)
	})
	mux.HandleFunc(metrics.PathInstagramMetrics, func(w http.ResponseWriter, r *http.Request) {
		v, err := s.Instagram(r.Context(), query(r))
		write(w, v, err)
	})
	mux.HandleFunc(metrics.PathFollowersByDay, func(w http.ResponseWriter, r *http.Request) {
		v, err := s.FollowersByDay(r.Context(), query(r))
		write(w, v, err)
	})
	mux.HandleFunc(metrics.PathFacebookTopReach, func(w http.ResponseWriter, r *http.Request) {
		v, err := s.TopPosts(r.Context(), query(r), metrics.Facebook)
		write(w, map[string]interface{}{"top_posts": v}, err)
	})
	mux.HandleFunc(metrics.PathInstagramTopReach, func(w http.ResponseWriter, r *http.Request) {
		v, err := s.TopPosts(r.Context(), query(r), metrics.Instagram)
		write(w, map[string]interface{}{"top_posts": v}, err)
	})
	return httptest.NewServer(mux)
}
