package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRow struct {
	EventType string `json:"event_type"`
	TGID      uint32 `json:"tgid"`
}

type captured struct {
	mu       sync.Mutex
	body     []byte
	headers  http.Header
	requests int
}

func newCollector(t *testing.T, status int) (*httptest.Server, *captured) {
	t.Helper()

	c := &captured{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		c.mu.Lock()
		c.body = body
		c.headers = r.Header.Clone()
		c.requests++
		c.mu.Unlock()

		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)

	return server, c
}

func quietLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestExporter_ExportItems(t *testing.T) {
	server, got := newCollector(t, http.StatusOK)

	exporter, err := NewExporter[testRow](quietLog(), Config{
		Enabled:     true,
		Address:     server.URL,
		Compression: CompressionGzip,
		Headers:     map[string]string{"X-Custom-Header": "test-value"},
	}, "kernel_events")
	require.NoError(t, err)
	defer exporter.Shutdown(context.Background())

	err = exporter.ExportItems(context.Background(), []*testRow{
		{EventType: "page_fault", TGID: 1},
		nil,
		{EventType: "tcp_connect", TGID: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, "application/x-ndjson", got.headers.Get("Content-Type"))
	assert.Equal(t, "gzip", got.headers.Get("Content-Encoding"))
	assert.Equal(t, "test-value", got.headers.Get("X-Custom-Header"))
	assert.Equal(t, "kernel_events", got.headers.Get(StreamHeader))
	assert.Equal(t, "kerntrace/dev", got.headers.Get("User-Agent"))

	decompressed, err := Decompress(CompressionGzip, got.body)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(decompressed)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"event_type":"page_fault"`)
	assert.Contains(t, lines[1], `"event_type":"tcp_connect"`)

	stats := exporter.Stats()
	assert.Equal(t, uint64(1), stats.Batches)
	assert.Equal(t, uint64(2), stats.Rows)
	assert.Zero(t, stats.Failures)
	assert.Equal(t, uint64(len(got.body)), stats.Bytes)
}

func TestExporter_NoCompression(t *testing.T) {
	server, got := newCollector(t, http.StatusOK)

	exporter, err := NewExporter[testRow](quietLog(), Config{
		Enabled:     true,
		Address:     server.URL,
		Compression: CompressionNone,
	}, "")
	require.NoError(t, err)
	defer exporter.Shutdown(context.Background())

	require.NoError(t, exporter.ExportItems(context.Background(), []*testRow{{EventType: "rss_stat"}}))

	assert.Empty(t, got.headers.Get("Content-Encoding"))
	assert.Empty(t, got.headers.Get(StreamHeader))
	assert.Contains(t, string(got.body), `"event_type":"rss_stat"`)
}

func TestExporter_ServerError(t *testing.T) {
	server, _ := newCollector(t, http.StatusInternalServerError)

	exporter, err := NewExporter[testRow](quietLog(), Config{
		Enabled:     true,
		Address:     server.URL,
		Compression: CompressionNone,
	}, "kernel_events")
	require.NoError(t, err)
	defer exporter.Shutdown(context.Background())

	err = exporter.ExportItems(context.Background(), []*testRow{{EventType: "zswap"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status code: 500")

	stats := exporter.Stats()
	assert.Equal(t, uint64(1), stats.Failures)
	assert.Zero(t, stats.Rows)
}

func TestExporter_EmptyBatch(t *testing.T) {
	server, got := newCollector(t, http.StatusOK)

	exporter, err := NewExporter[testRow](quietLog(), Config{
		Enabled:     true,
		Address:     server.URL,
		Compression: CompressionNone,
	}, "kernel_events")
	require.NoError(t, err)
	defer exporter.Shutdown(context.Background())

	require.NoError(t, exporter.ExportItems(context.Background(), []*testRow{}))
	require.NoError(t, exporter.ExportItems(context.Background(), []*testRow{nil, nil}))

	assert.Zero(t, got.requests)
}

func TestExporter_InvalidConfig(t *testing.T) {
	_, err := NewExporter[testRow](quietLog(), Config{Enabled: true}, "kernel_events")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}
