package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// SubjectExportFinished carries one event per finished export
const SubjectExportFinished = "reports.export.finished"

// ExportFinished describes the outcome of one export
type ExportFinished struct {
	EventID      string    `json:"event_id"`
	ExportID     string    `json:"export_id"`
	ScheduleID   *int64    `json:"schedule_id,omitempty"`
	AccountID    string    `json:"account_id"`
	Format       string    `json:"format"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	NullCaptures []string  `json:"null_captures,omitempty"`
	Bytes        int64     `json:"bytes"`
	RetrievalURL string    `json:"retrieval_url,omitempty"`
	ArchiveURL   string    `json:"archive_url,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Publisher publishes export events
type Publisher interface {
	PublishExport(ctx context.Context, event ExportFinished) error
	Close() error
}

// Config configures the NATS publisher. An empty URL disables events.
type Config struct {
	URL       string `mapstructure:"url"`
	Subject   string `mapstructure:"subject"`
	JetStream bool   `mapstructure:"jetstream"`
}

// NATSPublisher publishes events to NATS, through JetStream when enabled
type NATSPublisher struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
	log     zerolog.Logger
}

// NewNATSPublisher connects to cfg.URL
func NewNATSPublisher(cfg Config, log zerolog.Logger) (*NATSPublisher, error) {
	log = log.With().Str("component", "events").Logger()
	if cfg.Subject == "" {
		cfg.Subject = SubjectExportFinished
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("social-report-exporter"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	p := &NATSPublisher{nc: nc, subject: cfg.Subject, log: log}
	if cfg.JetStream {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to get JetStream context: %w", err)
		}
		p.js = js
	}

	log.Info().Str("url", cfg.URL).Str("subject", cfg.Subject).Msg("connected to NATS")
	return p, nil
}

// PublishExport implements Publisher
func (p *NATSPublisher) PublishExport(ctx context.Context, event ExportFinished) error {
	data, err := Encode(event)
	if err != nil {
		return err
	}

	if p.js != nil {
		_, err = p.js.PublishAsync(p.subject, data)
	} else {
		err = p.nc.Publish(p.subject, data)
	}
	if err != nil {
		p.log.Error().Err(err).Str("subject", p.subject).Msg("failed to publish event")
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.log.Debug().Str("subject", p.subject).Int("size", len(data)).Str("export_id", event.ExportID).Msg("event published")
	return nil
}

// Close drains the connection
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	p.log.Info().Msg("closing NATS connection")
	return p.nc.Drain()
}

// Encode stamps the event id and marshals event
func Encode(event ExportFinished) ([]byte, error) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.FinishedAt.IsZero() {
		event.FinishedAt = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// Nop discards events
type Nop struct{}

func (Nop) PublishExport(ctx context.Context, event ExportFinished) error { return nil }
func (Nop) Close() error { return nil }
