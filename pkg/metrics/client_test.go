package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/social-report-exporter/pkg/model"
)

func TestClient_FacebookSendsRangeAndCredential(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathFacebookMetrics, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{
			"Crecimiento": {"Me gusta por Día": [{"date": "2024-01-01", "value": 4}]},
			"Actividad": {"Publicaciones con Engagement": [{"id": "p1", "created_time": "2024-01-01T10:00:00+0000", "shares": 2, "comments": 3}]},
			"Totales": {"Total de Me gusta": 10, "Total de Alcance": null}
		}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/", ServiceToken: "service"}, zerolog.Nop())
	start := "2024-01-01"
	fb, err := c.Facebook(context.Background(), Query{AccountID: "123", Start: &start, Credential: "user-token"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer user-token", gotAuth)
	assert.Equal(t, "123", gotBody["page_id"])
	assert.Equal(t, "2024-01-01", gotBody["start_date"])
	_, hasEnd := gotBody["end_date"]
	assert.False(t, hasEnd, "nil bound must be omitted")

	require.Len(t, fb.Growth.LikesPerDay, 1)
	assert.Equal(t, float64(4), fb.Growth.LikesPerDay[0].Value)
	require.Len(t, fb.Activity.EngagedPosts, 1)
	assert.Equal(t, float64(3), fb.Activity.EngagedPosts[0].Comments)
	require.NotNil(t, fb.Totals["Total de Me gusta"])
	assert.Equal(t, float64(10), *fb.Totals["Total de Me gusta"])
	assert.Nil(t, fb.Totals["Total de Alcance"])
}

func TestClient_FallsBackToServiceToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, ServiceToken: "service"}, zerolog.Nop())
	_, err := c.Instagram(context.Background(), Query{AccountID: "1"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer service", gotAuth)
}

func TestClient_TopPostsTagsPlatform(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathInstagramTopReach, r.URL.Path)
		w.Write([]byte(`{"top_posts": [{"id": "a", "reach": 10}, {"id": "b", "reach": 5}]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zerolog.Nop())
	posts, err := c.TopPosts(context.Background(), Query{AccountID: "1"}, Instagram)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	for _, p := range posts {
		assert.Equal(t, Instagram, p.Platform)
	}
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantStatus  int
		wantMessage string
	}{
		{"non-2xx with error body", http.StatusBadGateway, `{"error": "token expirado"}`, http.StatusBadGateway, "token expirado"},
		{"non-2xx without body", http.StatusInternalServerError, ``, http.StatusInternalServerError, "Error al obtener las métricas."},
		{"200 with error field", http.StatusOK, `{"error": "página no encontrada"}`, http.StatusOK, "página no encontrada"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(Config{BaseURL: srv.URL}, zerolog.Nop())
			_, err := c.FollowersByDay(context.Background(), Query{AccountID: "1"})
			require.Error(t, err)

			var mErr *Error
			require.True(t, errors.As(err, &mErr))
			assert.Equal(t, tt.wantStatus, mErr.Status)
			assert.Equal(t, PathFollowersByDay, mErr.Endpoint)
			assert.Equal(t, tt.wantMessage, model.UserMessage(err))
			assert.Equal(t, model.KindService, model.KindOf(err))
		})
	}
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(Config{BaseURL: url}, zerolog.Nop())
	_, err := c.Facebook(context.Background(), Query{AccountID: "1"})
	require.Error(t, err)

	var mErr *Error
	require.True(t, errors.As(err, &mErr))
	assert.NotNil(t, mErr.Err)
	assert.Zero(t, mErr.Status)
}
