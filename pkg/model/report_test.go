package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportPayloadMarshalKeepsNullKeys(t *testing.T) {
	img := "data:image/png;base64,AAAA"
	payload := ReportPayload{
		PageName: "Café Central",
		Facebook: MetricTotals{"Total de Alcance": Float(1200)},
		Images: map[string]*string{
			"alcance_facebook_graph": &img,
			"vistas_facebook_graph":  nil,
			"table_base64":           nil,
		},
	}

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.JSONEq(t, `"Café Central"`, string(raw["page_name"]))
	assert.JSONEq(t, `{"start_date": null, "end_date": null}`, string(raw["date_range"]))
	assert.JSONEq(t, `{"Total de Alcance": 1200}`, string(raw["facebook_metrics"]))
	assert.JSONEq(t, `{}`, string(raw["instagram_metrics"]))
	assert.JSONEq(t, `null`, string(raw["vistas_facebook_graph"]))
	assert.JSONEq(t, `null`, string(raw["table_base64"]))
	assert.JSONEq(t, `"data:image/png;base64,AAAA"`, string(raw["alcance_facebook_graph"]))
}

func TestReportPayloadRoundTripThroughService(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC)
	img := "data:image/png;base64,BBBB"
	in := ReportPayload{
		PageName:  "p1",
		DateRange: DateRange{Start: &start, End: &end},
		Instagram: MetricTotals{"Total de Seguidores Ganado": nil},
		Images:    map[string]*string{"alcance_instagram_graph": &img, "table_base64": nil},
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out ReportPayload
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, "2024-01-01", *out.DateRange.StartString())
	assert.Equal(t, "2024-01-07", *out.DateRange.EndString())
	assert.Contains(t, out.Instagram, "Total de Seguidores Ganado")
	assert.Nil(t, out.Instagram["Total de Seguidores Ganado"])
	assert.Equal(t, []string{"table_base64"}, out.NullKeys())
	require.NotNil(t, out.Images["alcance_instagram_graph"])
	assert.Equal(t, img, *out.Images["alcance_instagram_graph"])
}

func TestNewDateRange(t *testing.T) {
	r, err := NewDateRange("", "2024-03-31")
	require.NoError(t, err)
	assert.Nil(t, r.Start)
	assert.Equal(t, "2024-03-31", *r.EndString())

	_, err = NewDateRange("31/03/2024", "")
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestParseExportFormat(t *testing.T) {
	for in, want := range map[string]ExportFormat{"pdf": FormatPDF, "PDF": FormatPDF, "doc": FormatDoc, "word": FormatDoc, "docx": FormatDoc} {
		got, err := ParseExportFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseExportFormat("xlsx")
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, "Word", FormatDoc.Label())
	assert.Equal(t, "PDF", FormatPDF.Label())
}

func TestSelectionKeyIgnoresCredential(t *testing.T) {
	a := Selection{Account: &Account{ID: "p1"}, Credential: "one"}
	b := Selection{Account: &Account{ID: "p1"}, Credential: "two", Theme: ThemeLight}
	assert.Equal(t, a.Key(), b.Key())

	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Selection{Account: &Account{ID: "p1"}, Range: DateRange{Start: &day}}
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestSelectionMountKeySplitsCredentials(t *testing.T) {
	a := Selection{Account: &Account{ID: "p1"}, Credential: "one"}
	b := Selection{Account: &Account{ID: "p1"}, Credential: "two"}
	assert.NotEqual(t, a.MountKey(), b.MountKey())
	assert.Equal(t, a.MountKey(), Selection{Account: &Account{ID: "p1"}, Credential: "one"}.MountKey())
	assert.NotContains(t, a.MountKey(), "one")

	assert.Equal(t, "-", CredentialFingerprint(""))
	assert.Len(t, CredentialFingerprint("one"), 24)
}

func TestScheduleSelectionWindow(t *testing.T) {
	s := &Schedule{AccountID: "p1", AccountName: "Brand", RangeDays: 7, Timezone: "UTC"}
	now := time.Date(2024, 1, 7, 15, 30, 0, 0, time.UTC)

	sel := s.Selection(now, "token")
	require.NotNil(t, sel.Account)
	assert.Equal(t, "Brand", sel.Account.DisplayName)
	assert.Equal(t, "2024-01-01", *sel.Range.StartString())
	assert.Equal(t, "2024-01-07", *sel.Range.EndString())

	s.RangeDays = 0
	open := s.Selection(now, "")
	assert.Nil(t, open.Range.Start)
	assert.Nil(t, open.Range.End)
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err      error
		wantMsg  string
		wantKind ErrorKind
	}{
		{ErrNoAccount, MsgNoAccount, KindValidation},
		{fmt.Errorf("assemble: %w", ErrRenderHostMissing), MsgHostMissing, KindInternal},
		{fmt.Errorf("export: %w", ErrExportCancelled), MsgCancelled, KindCancelled},
		{&ValidationError{Field: "format", Reason: "formato inválido"}, "formato inválido", KindValidation},
		{errors.New("socket closed"), MsgUnexpected, KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.wantMsg, UserMessage(tt.err), tt.err.Error())
		assert.Equal(t, tt.wantKind, KindOf(tt.err), tt.err.Error())
	}
	assert.Empty(t, UserMessage(nil))
}
