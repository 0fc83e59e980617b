package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DateLayout is the wire format of every date exchanged with the metrics and document services.
const DateLayout = "2006-01-02"

// Account identifies the social account whose metrics are exported
type Account struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Theme selects the chart palette
type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

// ParseTheme returns the theme for s, defaulting to light
func ParseTheme(s string) Theme {
	if strings.EqualFold(strings.TrimSpace(s), string(ThemeDark)) {
		return ThemeDark
	}
	return ThemeLight
}

// DateRange is an inclusive day range. Either bound may be nil.
type DateRange struct {
	Start *time.Time
	End   *time.Time
}

// NewDateRange parses YYYY-MM-DD bounds; an empty string leaves the bound nil.
func NewDateRange(start, end string) (DateRange, error) {
	var r DateRange
	var err error
	if r.Start, err = parseDay(start); err != nil {
		return DateRange{}, &ValidationError{Field: "start_date", Reason: fmt.Sprintf("fecha de inicio inválida: %s", start)}
	}
	if r.End, err = parseDay(end); err != nil {
		return DateRange{}, &ValidationError{Field: "end_date", Reason: fmt.Sprintf("fecha de fin inválida: %s", end)}
	}
	return r, nil
}

func parseDay(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// StartString returns the start bound as YYYY-MM-DD, or nil
func (r DateRange) StartString() *string {
	return formatDay(r.Start)
}

// EndString returns the end bound as YYYY-MM-DD, or nil
func (r DateRange) EndString() *string {
	return formatDay(r.End)
}

func formatDay(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(DateLayout)
	return &s
}

type wireDateRange struct {
	StartDate *string `json:"start_date"`
	EndDate   *string `json:"end_date"`
}

// MarshalJSON encodes the range as {"start_date": ..., "end_date": ...}; nil bounds stay null.
func (r DateRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireDateRange{StartDate: r.StartString(), EndDate: r.EndString()})
}

// UnmarshalJSON implements json.Unmarshaler
func (r *DateRange) UnmarshalJSON(data []byte) error {
	var w wireDateRange
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var start, end string
	if w.StartDate != nil {
		start = *w.StartDate
	}
	if w.EndDate != nil {
		end = *w.EndDate
	}
	parsed, err := NewDateRange(start, end)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Selection is the explicit account/range/theme context an export runs against
type Selection struct {
	Account    *Account
	Range      DateRange
	Theme      Theme
	Credential string
}

// AccountID returns the selected account id or ""
func (s Selection) AccountID() string {
	if s.Account == nil {
		return ""
	}
	return s.Account.ID
}

// Key identifies the selection for export cancellation. It leaves out the
// credential; anything that holds fetched data keys on MountKey instead.
func (s Selection) Key() string {
	start, end := "-", "-"
	if v := s.Range.StartString(); v != nil {
		start = *v
	}
	if v := s.Range.EndString(); v != nil {
		end = *v
	}
	theme := s.Theme
	if theme == "" {
		theme = ThemeLight
	}
	return fmt.Sprintf("%s|%s|%s|%s", s.AccountID(), start, end, theme)
}

// MountKey identifies the rendered data of the selection: Key plus the
// credential fingerprint, so one caller never reuses another caller's fetch.
func (s Selection) MountKey() string {
	return s.Key() + "|" + CredentialFingerprint(s.Credential)
}

// CredentialFingerprint returns a short sha256 digest of credential, "-" when empty
func CredentialFingerprint(credential string) string {
	if credential == "" {
		return "-"
	}
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:12])
}

// VisualizationKind tells the capturer how to rasterize a mount point
type VisualizationKind string

const (
	KindVector      VisualizationKind = "vector"
	KindDOMSnapshot VisualizationKind = "domSnapshot"
)

// VisualizationDescriptor is the static configuration of one exportable visualization
type VisualizationDescriptor struct {
	Key     string            `json:"key"`
	MountID string            `json:"mount_id"`
	Kind    VisualizationKind `json:"kind"`
}

// CapturedImage holds the data URI of one capture. A nil DataURI is a failed capture.
type CapturedImage struct {
	Key     string
	DataURI *string
}

// MetricTotals maps a total label (e.g. "Total de Alcance") to its value. Nil values encode as null.
type MetricTotals map[string]*float64

// Float returns a pointer to v, for building MetricTotals
func Float(v float64) *float64 {
	return &v
}

// ReportPayload is the unit of work sent to the document-generation service
type ReportPayload struct {
	PageName  string
	DateRange DateRange
	Facebook  MetricTotals
	Instagram MetricTotals
	Images    map[string]*string
}

const (
	payloadPageName  = "page_name"
	payloadDateRange = "date_range"
	payloadFacebook  = "facebook_metrics"
	payloadInstagram = "instagram_metrics"
)

// MarshalJSON flattens the images next to the report fields, one key per visualization.
func (p ReportPayload) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(p.Images)+4)
	for key, uri := range p.Images {
		out[key] = uri
	}
	out[payloadPageName] = p.PageName
	out[payloadDateRange] = p.DateRange
	out[payloadFacebook] = nonNilTotals(p.Facebook)
	out[payloadInstagram] = nonNilTotals(p.Instagram)
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler; every unknown key is read as an image.
func (p *ReportPayload) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	decoded := ReportPayload{Images: make(map[string]*string)}
	for key, value := range raw {
		var err error
		switch key {
		case payloadPageName:
			err = json.Unmarshal(value, &decoded.PageName)
		case payloadDateRange:
			err = json.Unmarshal(value, &decoded.DateRange)
		case payloadFacebook:
			err = json.Unmarshal(value, &decoded.Facebook)
		case payloadInstagram:
			err = json.Unmarshal(value, &decoded.Instagram)
		default:
			var uri *string
			err = json.Unmarshal(value, &uri)
			decoded.Images[key] = uri
		}
		if err != nil {
			return fmt.Errorf("payload field %s: %w", key, err)
		}
	}
	*p = decoded
	return nil
}

// NullKeys returns the sorted keys whose capture failed
func (p ReportPayload) NullKeys() []string {
	keys := make([]string, 0)
	for key, uri := range p.Images {
		if uri == nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func nonNilTotals(t MetricTotals) MetricTotals {
	if t == nil {
		return MetricTotals{}
	}
	return t
}

// ExportFormat is the requested document format
type ExportFormat string

const (
	FormatPDF ExportFormat = "pdf"
	FormatDoc ExportFormat = "doc"
)

// ParseExportFormat accepts pdf, doc and the word/docx aliases
func ParseExportFormat(s string) (ExportFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pdf":
		return FormatPDF, nil
	case "doc", "docx", "word":
		return FormatDoc, nil
	}
	return "", &ValidationError{Field: "format", Reason: fmt.Sprintf("formato de exportación no soportado: %q", s)}
}

// Label is the human name used in user-facing messages
func (f ExportFormat) Label() string {
	if f == FormatDoc {
		return "Word"
	}
	return "PDF"
}

// ExportRequest is created per user action and lives only for one pipeline run
type ExportRequest struct {
	Format     ExportFormat `json:"format"`
	ScheduleID *int64       `json:"-"` // Set for scheduled runs
}
