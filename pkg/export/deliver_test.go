package export

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPDeliverer_Stream(t *testing.T) {
	rec := httptest.NewRecorder()
	err := Deliver(context.Background(), HTTPDeliverer{W: rec}, Stream{Filename: PDFFilename, ContentType: PDFContentType, Body: []byte("%PDF-1.4")})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="reporte.pdf"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "8", rec.Header().Get("Content-Length"))
	assert.Equal(t, "%PDF-1.4", rec.Body.String())
}

func TestHTTPDeliverer_Redirect(t *testing.T) {
	rec := httptest.NewRecorder()
	err := Deliver(context.Background(), HTTPDeliverer{W: rec}, Redirect{URL: DefaultRetrievalURL})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"), "clients must not follow the URL in place")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]string{"url": DefaultRetrievalURL, "target": "_blank"}, body)
}

func TestDeliverRedirect_RequiresURL(t *testing.T) {
	assert.Error(t, DeliverRedirect(context.Background(), HTTPDeliverer{W: httptest.NewRecorder()}, Redirect{}))
}

func TestFileDeliverer_Stream(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	var out bytes.Buffer
	f := &FileDeliverer{Dir: dir, Out: &out}

	require.NoError(t, DeliverStream(context.Background(), f, Stream{Body: []byte("%PDF-1.4")}))

	want := filepath.Join(dir, "reporte.pdf")
	assert.Equal(t, want, f.Path)
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(data))
	assert.Equal(t, want+"\n", out.String())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFileDeliverer_CancelledLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &FileDeliverer{Dir: dir}
	assert.ErrorIs(t, f.Stream(ctx, Stream{Filename: "reporte.pdf", Body: []byte("x")}), context.Canceled)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, f.Path)
}

func TestFileDeliverer_Redirect(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Deliver(context.Background(), &FileDeliverer{Out: &out}, Redirect{URL: "http://localhost:5000/x"}))
	assert.Equal(t, "http://localhost:5000/x\n", out.String())
}
