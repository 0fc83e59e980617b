package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Run statuses
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Schedule represents a recurring export of one account's report
type Schedule struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	AccountID    string       `json:"account_id"`
	AccountName  string       `json:"account_name"`
	RangeDays    int          `json:"range_days"` // Trailing window ending on the run day; 0 leaves the range unbounded
	Theme        Theme        `json:"theme"`
	Format       ExportFormat `json:"format"`
	IntervalType string       `json:"interval_type"`
	CronExpr     string       `json:"cron_expr,omitempty"`
	Timezone     string       `json:"timezone"`
	Recipients   Recipients   `json:"recipients"`
	EmailSubject string       `json:"email_subject"`
	EmailBody    string       `json:"email_body"`
	Enabled      bool         `json:"enabled"`
	LastRunAt    *time.Time   `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time   `json:"next_run_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Selection builds the export selection for a run of the schedule at now
func (s *Schedule) Selection(now time.Time, credential string) Selection {
	sel := Selection{
		Account:    &Account{ID: s.AccountID, DisplayName: s.AccountName},
		Theme:      s.Theme,
		Credential: credential,
	}
	if s.RangeDays > 0 {
		loc, err := time.LoadLocation(s.Timezone)
		if err != nil {
			loc = time.UTC
		}
		local := now.In(loc)
		end := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
		start := end.AddDate(0, 0, -(s.RangeDays - 1))
		sel.Range = DateRange{Start: &start, End: &end}
	}
	return sel
}

// Recipients holds email recipient information
type Recipients struct {
	To  []string `json:"to"`
	CC  []string `json:"cc,omitempty"`
	BCC []string `json:"bcc,omitempty"`
}

// Count returns the number of addresses across all fields
func (r Recipients) Count() int {
	return len(r.To) + len(r.CC) + len(r.BCC)
}

// ExportRun represents one execution of the export pipeline
type ExportRun struct {
	ID           int64        `json:"id"`
	ExportID     string       `json:"export_id"`
	ScheduleID   *int64       `json:"schedule_id,omitempty"`
	AccountID    string       `json:"account_id"`
	Format       ExportFormat `json:"format"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
	Status       string       `json:"status"`
	ErrorText    string       `json:"error_text,omitempty"`
	NullCaptures StringList   `json:"null_captures,omitempty"` // Payload keys whose capture failed
	RetrievalURL string       `json:"retrieval_url,omitempty"`
	ArchiveURL   string       `json:"archive_url,omitempty"`
	EmailSent    bool         `json:"email_sent"`
	EmailError   string       `json:"email_error,omitempty"`
	Bytes        int64        `json:"bytes"`
	Checksum     string       `json:"checksum,omitempty"`
	ArtifactData []byte       `json:"-"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Settings holds runtime settings editable through the API
type Settings struct {
	ID             int64          `json:"id"`
	SMTPConfig     *SMTPConfig    `json:"smtp_config,omitempty"`
	RendererConfig RendererConfig `json:"renderer_config"`
	Limits         Limits         `json:"limits"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// SMTPConfig holds SMTP configuration
type SMTPConfig struct {
	Host          string `json:"host" mapstructure:"host"`
	Port          int    `json:"port" mapstructure:"port"`
	Username      string `json:"username" mapstructure:"username"`
	Password      string `json:"password" mapstructure:"password"`
	From          string `json:"from" mapstructure:"from"`
	UseTLS        bool   `json:"use_tls" mapstructure:"use_tls"`
	SkipTLSVerify bool   `json:"skip_tls_verify" mapstructure:"skip_tls_verify"`
}

// Renderer backends
const (
	BackendNative     = "native"
	BackendChromium   = "chromium"
	BackendPlaywright = "playwright"
)

// RendererConfig holds capture configuration
type RendererConfig struct {
	Backend            string  `json:"backend" mapstructure:"backend"` // "native" (default), "chromium" or "playwright"
	TimeoutMS          int     `json:"timeout_ms" mapstructure:"timeout_ms"`
	SettleDelayMS      int     `json:"settle_delay_ms" mapstructure:"settle_delay_ms"`
	ReadyTimeoutMS     int     `json:"ready_timeout_ms" mapstructure:"ready_timeout_ms"`
	ScaleFactor        float64 `json:"scale_factor" mapstructure:"scale_factor"`
	DefaultWidth       int     `json:"default_width" mapstructure:"default_width"`
	DefaultHeight      int     `json:"default_height" mapstructure:"default_height"`
	ViewportWidth      int     `json:"viewport_width" mapstructure:"viewport_width"`
	ViewportHeight     int     `json:"viewport_height" mapstructure:"viewport_height"`
	CaptureConcurrency int     `json:"capture_concurrency" mapstructure:"capture_concurrency"`

	ChromiumPath  string `json:"chromium_path" mapstructure:"chromium_path"`
	Headless      bool   `json:"headless" mapstructure:"headless"`
	DisableGPU    bool   `json:"disable_gpu" mapstructure:"disable_gpu"`
	NoSandbox     bool   `json:"no_sandbox" mapstructure:"no_sandbox"`
	SkipTLSVerify bool   `json:"skip_tls_verify" mapstructure:"skip_tls_verify"`
}

// WithDefaults fills zero values with the documented defaults
func (r RendererConfig) WithDefaults() RendererConfig {
	if r.Backend == "" {
		r.Backend = BackendNative
	}
	if r.TimeoutMS <= 0 {
		r.TimeoutMS = 30000
	}
	if r.SettleDelayMS < 0 {
		r.SettleDelayMS = 0
	}
	if r.ReadyTimeoutMS <= 0 {
		r.ReadyTimeoutMS = 15000
	}
	if r.ScaleFactor <= 0 {
		r.ScaleFactor = 4
	}
	if r.DefaultWidth <= 0 {
		r.DefaultWidth = 800
	}
	if r.DefaultHeight <= 0 {
		r.DefaultHeight = 350
	}
	if r.ViewportWidth <= 0 {
		r.ViewportWidth = 1280
	}
	if r.ViewportHeight <= 0 {
		r.ViewportHeight = 800
	}
	if r.CaptureConcurrency <= 0 {
		r.CaptureConcurrency = 4
	}
	return r
}

// SettleDelay returns the wait before the first capture
func (r RendererConfig) SettleDelay() time.Duration {
	return time.Duration(r.SettleDelayMS) * time.Millisecond
}

// ReadyTimeout bounds the wait for a single visualization's ready signal
func (r RendererConfig) ReadyTimeout() time.Duration {
	return time.Duration(r.ReadyTimeoutMS) * time.Millisecond
}

// Timeout bounds browser operations
func (r RendererConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// Limits holds usage limits
type Limits struct {
	MaxRecipients        int      `json:"max_recipients" mapstructure:"max_recipients"`
	MaxAttachmentSizeMB  int      `json:"max_attachment_size_mb" mapstructure:"max_attachment_size_mb"`
	MaxConcurrentExports int      `json:"max_concurrent_exports" mapstructure:"max_concurrent_exports"`
	RetentionDays        int      `json:"retention_days" mapstructure:"retention_days"`
	AllowedDomains       []string `json:"allowed_domains,omitempty" mapstructure:"allowed_domains"` // If empty, all domains are allowed
}

// StringList is a custom type for storing string slices in SQLite
type StringList []string

// Scan implements sql.Scanner for StringList
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = StringList{}
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}
	return json.Unmarshal(bytes, l)
}

// Value implements driver.Valuer for StringList
func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(l)
	return string(b), err
}

// Scan implements sql.Scanner for Recipients
func (r *Recipients) Scan(value interface{}) error {
	return scanJSON(value, r)
}

// Value implements driver.Valuer for Recipients
func (r Recipients) Value() (driver.Value, error) {
	b, err := json.Marshal(r)
	return string(b), err
}

// Scan implements sql.Scanner for SMTPConfig
func (s *SMTPConfig) Scan(value interface{}) error {
	return scanJSON(value, s)
}

// Value implements driver.Valuer for SMTPConfig
func (s *SMTPConfig) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	return string(b), err
}

// Scan implements sql.Scanner for RendererConfig
func (r *RendererConfig) Scan(value interface{}) error {
	return scanJSON(value, r)
}

// Value implements driver.Valuer for RendererConfig
func (r RendererConfig) Value() (driver.Value, error) {
	b, err := json.Marshal(r)
	return string(b), err
}

// Scan implements sql.Scanner for Limits
func (l *Limits) Scan(value interface{}) error {
	return scanJSON(value, l)
}

// Value implements driver.Valuer for Limits
func (l Limits) Value() (driver.Value, error) {
	b, err := json.Marshal(l)
	return string(b), err
}

// scanJSON decodes a TEXT or BLOB column holding JSON
func scanJSON(value interface{}, dest interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	}
	return nil
}
