package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/social-report-exporter/pkg/export"
	"github.com/yourusername/social-report-exporter/pkg/export/exporttest"
	"github.com/yourusername/social-report-exporter/pkg/metrics/metricstest"
	"github.com/yourusername/social-report-exporter/pkg/model"
)

type exportEnv struct {
	dir  string
	stub *metricstest.Stub
	docs *exporttest.DocService
}

func newExportEnv(t *testing.T) *exportEnv {
	t.Helper()
	env := &exportEnv{
		dir:  t.TempDir(),
		stub: metricstest.NewStub(),
		docs: exporttest.NewDocService(),
	}
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(env.dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	metricsSrv := metricstest.NewServer(env.stub)
	t.Cleanup(metricsSrv.Close)
	docSrv := env.docs.Server()
	t.Cleanup(docSrv.Close)

	t.Setenv("REPORTS_METRICS_BASE_URL", metricsSrv.URL)
	t.Setenv("REPORTS_DOCUMENT_BASE_URL", docSrv.URL)
	t.Setenv("REPORTS_LOG_LEVEL", "error")
	return env
}

func runExportCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newExportCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestExportCommandWritesPDF(t *testing.T) {
	env := newExportEnv(t)
	outDir := filepath.Join(env.dir, "out")

	out, err := runExportCmd(t,
		"--account", "page-1",
		"--name", "Cafetería Central",
		"--start", "2024-01-01",
		"--end", "2024-01-07",
		"--out", outDir,
		"--token", "cli-token",
	)
	require.NoError(t, err)

	path := filepath.Join(outDir, export.PDFFilename)
	assert.Equal(t, path, strings.TrimSpace(out))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF-")))

	reqs := env.docs.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer cli-token", reqs[0].Authorization)
	assert.Equal(t, "Cafetería Central", reqs[0].Payload.PageName)
}

func TestExportCommandPrintsWordURL(t *testing.T) {
	env := newExportEnv(t)

	out, err := runExportCmd(t, "--account", "page-1", "--format", "word", "--theme", "dark")
	require.NoError(t, err)

	assert.Equal(t, export.DefaultRetrievalURL, strings.TrimSpace(out))
	assert.Len(t, env.docs.Requests(), 1)
	_, err = os.Stat(filepath.Join(env.dir, export.PDFFilename))
	assert.True(t, os.IsNotExist(err))
}

func TestExportCommandErrors(t *testing.T) {
	env := newExportEnv(t)

	_, err := runExportCmd(t, "--start", "2024-01-01")
	assert.EqualError(t, err, model.MsgNoAccount)

	_, err = runExportCmd(t, "--account", "page-1", "--start", "2024-13-01")
	assert.ErrorContains(t, err, "fecha de inicio inválida")

	_, err = runExportCmd(t, "--account", "page-1", "--format", "odt")
	assert.ErrorContains(t, err, "formato de exportación no soportado")

	assert.Empty(t, env.docs.Requests())
	assert.Zero(t, env.stub.TotalCalls())
}
