// Package http streams kernel event rows as NDJSON batches to an HTTP
// collector.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/kernmlops/kerntrace/internal/version"
)

// StreamHeader names the row stream a batch belongs to.
const StreamHeader = "X-Kerntrace-Stream"

// Stats counts exporter outcomes since creation.
type Stats struct {
	Batches  uint64
	Rows     uint64
	Failures uint64
	Bytes    uint64
}

// Exporter implements processor.ItemExporter for HTTP NDJSON export.
type Exporter[T any] struct {
	cfg        Config
	stream     string
	client     *http.Client
	compressor *Compressor
	log        logrus.FieldLogger

	batches  atomic.Uint64
	rows     atomic.Uint64
	failures atomic.Uint64
	bytes    atomic.Uint64
}

var _ processor.ItemExporter[any] = (*Exporter[any])(nil)

// NewExporter creates an exporter for one named row stream.
func NewExporter[T any](log logrus.FieldLogger, cfg Config, stream string) (*Exporter[T], error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	compressor, err := NewCompressor(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating compressor: %w", err)
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.Workers * 2,
		MaxIdleConnsPerHost: cfg.Workers * 2,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   !cfg.IsKeepAlive(),
	}

	return &Exporter[T]{
		cfg:    cfg,
		stream: stream,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.ExportTimeout,
		},
		compressor: compressor,
		log: log.WithFields(logrus.Fields{
			"component": "http_exporter",
			"stream":    stream,
		}),
	}, nil
}

// ExportItems POSTs items as one NDJSON request. Nil items are skipped.
func (e *Exporter[T]) ExportItems(ctx context.Context, items []*T) error {
	if len(items) == 0 {
		return nil
	}

	var buf bytes.Buffer
	buf.Grow(len(items) * 256)

	encoder := json.NewEncoder(&buf)
	rows := 0

	for _, item := range items {
		if item == nil {
			continue
		}

		if err := encoder.Encode(item); err != nil {
			e.failures.Add(1)

			return fmt.Errorf("encoding row: %w", err)
		}

		rows++
	}

	if rows == 0 {
		return nil
	}

	if err := e.post(ctx, buf.Bytes(), rows); err != nil {
		e.failures.Add(1)

		return err
	}

	return nil
}

func (e *Exporter[T]) post(ctx context.Context, data []byte, rows int) error {
	compressed, err := e.compressor.Compress(data)
	if err != nil {
		return fmt.Errorf("compressing batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Address, bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("User-Agent", version.UserAgent())

	if encoding := e.compressor.ContentEncoding(); encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	if e.stream != "" {
		req.Header.Set(StreamHeader, e.stream)
	}

	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	e.batches.Add(1)
	e.rows.Add(uint64(rows))
	e.bytes.Add(uint64(len(compressed)))

	e.log.WithFields(logrus.Fields{
		"rows":       rows,
		"bytes":      len(data),
		"compressed": len(compressed),
	}).Debug("Exported batch via HTTP")

	return nil
}

// Stats returns cumulative export counters.
func (e *Exporter[T]) Stats() Stats {
	return Stats{
		Batches:  e.batches.Load(),
		Rows:     e.rows.Load(),
		Failures: e.failures.Load(),
		Bytes:    e.bytes.Load(),
	}
}

// Shutdown releases the compressor.
func (e *Exporter[T]) Shutdown(_ context.Context) error {
	if e.compressor != nil {
		return e.compressor.Close()
	}

	return nil
}

// NewProcessor creates a BatchItemProcessor around a new exporter for
// the named stream. The exporter is returned for its Stats.
func NewProcessor[T any](
	log logrus.FieldLogger,
	cfg Config,
	stream string,
) (*processor.BatchItemProcessor[T], *Exporter[T], error) {
	exporter, err := NewExporter[T](log, cfg, stream)
	if err != nil {
		return nil, nil, fmt.Errorf("creating exporter: %w", err)
	}

	proc, err := processor.NewBatchItemProcessor[T](
		exporter,
		stream,
		log,
		processor.WithMaxQueueSize(exporter.cfg.MaxQueueSize),
		processor.WithBatchTimeout(exporter.cfg.BatchTimeout),
		processor.WithExportTimeout(exporter.cfg.ExportTimeout),
		processor.WithMaxExportBatchSize(exporter.cfg.BatchSize),
		processor.WithWorkers(exporter.cfg.Workers),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("creating processor: %w", err)
	}

	return proc, exporter, nil
}
