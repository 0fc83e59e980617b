// Package exporttest provides a fake document-generation service
package exporttest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"

	"github.com/jung-kurt/gofpdf"

	"github.com/yourusername/social-report-exporter/pkg/export"
	"github.com/yourusername/social-report-exporter/pkg/model"
)

// Request is one call received by the fake service
type Request struct {
	Authorization string
	Payload       model.ReportPayload
	Raw           map[string]json.RawMessage
}

// DocService renders received payloads into real PDFs
type DocService struct {
	mu       sync.Mutex
	requests []Request

	// FailStatus makes every request fail with this status and FailMessage
	FailStatus  int
	FailMessage string
	// Body replaces the generated PDF when set
	Body []byte
}

// NewDocService returns a service answering with generated PDFs
func NewDocService() *DocService {
	return &DocService{}
}

// Requests returns the received requests
func (d *DocService) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), d.requests...)
}

// Server starts an httptest server exposing the generation endpoint
func (d *DocService) Server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(export.PathGenerateReport, d.generate)
	return httptest.NewServer(mux)
}

func (d *DocService) generate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	data, _ := json.Marshal(raw)
	var payload model.ReportPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d.mu.Lock()
	d.requests = append(d.requests, Request{Authorization: r.Header.Get("Authorization"), Payload: payload, Raw: raw})
	failStatus, failMessage, body := d.FailStatus, d.FailMessage, d.Body
	d.mu.Unlock()

	if failStatus != 0 {
		writeError(w, failStatus, failMessage)
		return
	}
	if body == nil {
		var err error
		if body, err = RenderPDF(payload); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if msg == "" {
		w.Write([]byte("{}"))
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// RenderPDF lays out a payload the way a document service would: a title,
// the totals of both platforms and one image per captured visualization
func RenderPDF(p model.ReportPayload) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(p.PageName, true)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, tr("Reporte "+p.PageName), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 6, tr(rangeLabel(p.DateRange)), "", 1, "L", false, 0, "")

	for _, section := range []struct {
		title  string
		totals model.MetricTotals
	}{{"Facebook", p.Facebook}, {"Instagram", p.Instagram}} {
		pdf.Ln(4)
		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(0, 8, section.title, "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		for _, label := range sortedKeys(section.totals) {
			value := "-"
			if v := section.totals[label]; v != nil {
				value = fmt.Sprintf("%.0f", *v)
			}
			pdf.CellFormat(90, 6, tr(label), "", 0, "L", false, 0, "")
			pdf.CellFormat(0, 6, value, "", 1, "R", false, 0, "")
		}
	}

	keys := make([]string, 0, len(p.Images))
	for key := range p.Images {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		uri := p.Images[key]
		if uri == nil || !strings.HasPrefix(*uri, "data:image/png;base64,") {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(*uri, "data:image/png;base64,"))
		if err != nil {
			return nil, fmt.Errorf("image %s: %w", key, err)
		}
		opts := gofpdf.ImageOptions{ImageType: "PNG", ReadDpi: false}
		pdf.RegisterImageOptionsReader(key, opts, bytes.NewReader(data))
		pdf.AddPage()
		pdf.SetFont("Helvetica", "B", 11)
		pdf.CellFormat(0, 8, key, "", 1, "L", false, 0, "")
		pdf.ImageOptions(key, 10, 25, 190, 0, false, opts, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func rangeLabel(r model.DateRange) string {
	start, end := "inicio", "hoy"
	if s := r.StartString(); s != nil {
		start = *s
	}
	if e := r.EndString(); e != nil {
		end = *e
	}
	return start + " - " + end
}

func sortedKeys(t model.MetricTotals) []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
