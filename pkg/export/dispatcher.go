package export

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

const (
	// PathGenerateReport is the document service endpoint receiving payloads
	PathGenerateReport = "/api/report/generate_report_from_data"

	// DefaultRetrievalURL serves the Word document generated by the last request
	DefaultRetrievalURL = "http://localhost:5000/api/report/download_word_report"

	PDFFilename    = "reporte.pdf"
	PDFContentType = "application/pdf"

	// TargetNewContext asks the client to open a redirect outside the current view
	TargetNewContext = "_blank"
)

// Config configures the document service client
type Config struct {
	BaseURL      string        `mapstructure:"base_url"`
	RetrievalURL string        `mapstructure:"retrieval_url"`
	ServiceToken string        `mapstructure:"service_token"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyMB    int           `mapstructure:"max_body_mb"`
}

// Delivery is how a generated document reaches the user: a Stream or a Redirect
type Delivery interface {
	delivery()
}

// Stream is a document returned inline
type Stream struct {
	Filename    string
	ContentType string
	Body        []byte
}

// Redirect sends the user to a URL that serves the document
type Redirect struct {
	URL    string
	Target string
}

func (Stream) delivery() {}
func (Redirect) delivery() {}

// DispatchError is a failed document generation request. It is never retried.
type DispatchError struct {
	Format  model.ExportFormat
	Status  int
	Message string // Error field of the service's response, if any
	Err     error
}

func (e *DispatchError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("generate %s report: %v", e.Format, e.Err)
	case e.Message != "":
		return fmt.Sprintf("generate %s report: status %d: %s", e.Format, e.Status, e.Message)
	}
	return fmt.Sprintf("generate %s report: status %d", e.Format, e.Status)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// UserMessage implements model.UserFacing
func (e *DispatchError) UserMessage() string {
	return fmt.Sprintf("Error al generar el reporte (%s).", e.Format.Label())
}

// Kind implements model.UserFacing
func (e *DispatchError) Kind() model.ErrorKind { return model.KindService }

// Dispatcher posts report payloads to the document service
type Dispatcher struct {
	baseURL      string
	retrievalURL string
	token        string
	maxBody      int64
	http         *http.Client
	log          zerolog.Logger
}

// NewDispatcher creates a document service client
func NewDispatcher(cfg Config, log zerolog.Logger) *Dispatcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:5000"
	}
	if cfg.RetrievalURL == "" {
		cfg.RetrievalURL = DefaultRetrievalURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxBodyMB <= 0 {
		cfg.MaxBodyMB = 50
	}
	return &Dispatcher{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		retrievalURL: cfg.RetrievalURL,
		token:        cfg.ServiceToken,
		maxBody:      int64(cfg.MaxBodyMB) << 20,
		http:         &http.Client{Timeout: cfg.Timeout},
		log:          log.With().Str("component", "dispatcher").Logger(),
	}
}

// RetrievalURL returns the Word retrieval URL
func (d *Dispatcher) RetrievalURL() string {
	return d.retrievalURL
}

// Dispatch sends payload and resolves how the result is delivered
func (d *Dispatcher) Dispatch(ctx context.Context, payload *model.ReportPayload, format model.ExportFormat, credential string) (Delivery, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &DispatchError{Format: format, Err: fmt.Errorf("encode payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+PathGenerateReport, bytes.NewReader(body))
	if err != nil {
		return nil, &DispatchError{Format: format, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if credential == "" {
		credential = d.token
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	started := time.Now()
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, &DispatchError{Format: format, Err: err}
	}
	defer resp.Body.Close()

	log := d.log.With().Str("format", string(format)).Int("status", resp.StatusCode).Logger()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &DispatchError{Format: format, Status: resp.StatusCode, Message: errorMessage(data)}
	}

	if format == model.FormatDoc {
		// The document is fetched separately; only the acknowledgement matters
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			log.Warn().Err(err).Msg("failed to drain document service response")
		}
		log.Info().Dur("elapsed", time.Since(started)).Str("url", d.retrievalURL).Msg("word report generated")
		return Redirect{URL: d.retrievalURL, Target: TargetNewContext}, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBody+1))
	if err != nil {
		return nil, &DispatchError{Format: format, Status: resp.StatusCode, Err: fmt.Errorf("read document: %w", err)}
	}
	if int64(len(data)) > d.maxBody {
		return nil, &DispatchError{Format: format, Status: resp.StatusCode, Err: fmt.Errorf("document exceeds %d bytes", d.maxBody)}
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		log.Warn().Int("bytes", len(data)).Msg("document service response does not look like a PDF")
	}

	log.Info().Dur("elapsed", time.Since(started)).Int("bytes", len(data)).Msg("pdf report generated")
	return Stream{Filename: PDFFilename, ContentType: PDFContentType, Body: data}, nil
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
