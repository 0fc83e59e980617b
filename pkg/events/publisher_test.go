package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	data, err := Encode(ExportFinished{ExportID: "x1", AccountID: "page-1", Format: "pdf", Status: "completed", Bytes: 42})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.NotEmpty(t, decoded["event_id"])
	assert.NotEmpty(t, decoded["finished_at"])
	assert.Equal(t, "x1", decoded["export_id"])
	assert.NotContains(t, decoded, "schedule_id")
	assert.NotContains(t, decoded, "error")
}

func TestEncode_KeepsGivenFields(t *testing.T) {
	at := time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC)
	data, err := Encode(ExportFinished{EventID: "e1", FinishedAt: at, NullCaptures: []string{"table_base64"}})
	require.NoError(t, err)

	var decoded ExportFinished
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "e1", decoded.EventID)
	assert.True(t, at.Equal(decoded.FinishedAt))
	assert.Equal(t, []string{"table_base64"}, decoded.NullCaptures)
}
