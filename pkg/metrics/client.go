package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/social-report-exporter/pkg/model"
)

// Source supplies metric data for an account and date range
type Source interface {
	Facebook(ctx context.Context, q Query) (*FacebookMetrics, error)
	Instagram(ctx context.Context, q Query) (*InstagramMetrics, error)
	FollowersByDay(ctx context.Context, q Query) (*FollowerMetrics, error)
	TopPosts(ctx context.Context, q Query, platform Platform) ([]TopPost, error)
}

// Endpoint paths on the metrics service
const (
	PathFacebookMetrics   = "/api/facebook/facebook_metricas"
	PathInstagramMetrics  = "/api/instagram/instagram_metricas"
	PathFollowersByDay    = "/api/instagram/instagram_follower_by_day"
	PathFacebookTopReach  = "/api/facebook/facebook_top_reach"
	PathInstagramTopReach = "/api/instagram/instagram_top_reach"
)

// Config configures the metrics client
type Config struct {
	BaseURL      string        `mapstructure:"base_url"`
	ServiceToken string        `mapstructure:"service_token"` // Used when the request carries no credential
	Timeout      time.Duration `mapstructure:"timeout"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

// Error is a failed metrics request
type Error struct {
	Endpoint string
	Status   int
	Message  string // Message field of the service's error body
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("metrics %s: %v", e.Endpoint, e.Err)
	case e.Message != "":
		return fmt.Sprintf("metrics %s: status %d: %s", e.Endpoint, e.Status, e.Message)
	}
	return fmt.Sprintf("metrics %s: status %d", e.Endpoint, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage implements model.UserFacing
func (e *Error) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return "Error al obtener las métricas."
}

// Kind implements model.UserFacing
func (e *Error) Kind() model.ErrorKind { return model.KindService }

// Client is an HTTP Source
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a metrics client
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:5000"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.ServiceToken,
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     log.With().Str("component", "metrics").Logger(),
	}
}

type rangeRequest struct {
	PageID    string  `json:"page_id"`
	StartDate *string `json:"start_date,omitempty"`
	EndDate   *string `json:"end_date,omitempty"`
}

type pageRequest struct {
	PageID string `json:"page_id"`
}

// Facebook implements Source
func (c *Client) Facebook(ctx context.Context, q Query) (*FacebookMetrics, error) {
	var out FacebookMetrics
	if err := c.post(ctx, PathFacebookMetrics, q.Credential, rangeBody(q), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Instagram implements Source
func (c *Client) Instagram(ctx context.Context, q Query) (*InstagramMetrics, error) {
	var out InstagramMetrics
	if err := c.post(ctx, PathInstagramMetrics, q.Credential, rangeBody(q), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FollowersByDay implements Source
func (c *Client) FollowersByDay(ctx context.Context, q Query) (*FollowerMetrics, error) {
	var out FollowerMetrics
	if err := c.post(ctx, PathFollowersByDay, q.Credential, rangeBody(q), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TopPosts implements Source
func (c *Client) TopPosts(ctx context.Context, q Query, platform Platform) ([]TopPost, error) {
	path := PathFacebookTopReach
	if platform == Instagram {
		path = PathInstagramTopReach
	}
	var out topPostsResponse
	if err := c.post(ctx, path, q.Credential, pageRequest{PageID: q.AccountID}, &out); err != nil {
		return nil, err
	}
	for i := range out.TopPosts {
		out.TopPosts[i].Platform = platform
	}
	return out.TopPosts, nil
}

func rangeBody(q Query) rangeRequest {
	return rangeRequest{PageID: q.AccountID, StartDate: q.Start, EndDate: q.End}
}

// post sends a JSON request and decodes a JSON response into out
func (c *Client) post(ctx context.Context, path, credential string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Endpoint: path, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &Error{Endpoint: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if credential == "" {
		credential = c.token
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Endpoint: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Endpoint: path, Status: resp.StatusCode, Err: err}
	}

	c.log.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(started)).
		Msg("metrics request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Endpoint: path, Status: resp.StatusCode, Message: errorMessage(data)}
	}

	// The service reports some failures with a 200 and an error field
	if msg := errorMessage(data); msg != "" {
		return &Error{Endpoint: path, Status: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Endpoint: path, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) != nil {
		return ""
	}
	return strings.TrimSpace(e.Error)
}
