package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kernmlops/kerntrace/internal/export"
	httpexport "github.com/kernmlops/kerntrace/internal/export/http"
	"github.com/kernmlops/kerntrace/internal/probe"
)

const rawChannelSize = 65536

// RawConfig configures the raw event sink.
type RawConfig struct {
	Enabled    bool                    `yaml:"enabled"`
	ClickHouse export.ClickHouseConfig `yaml:"clickhouse"`
	// HTTP configures optional NDJSON mirroring of every row.
	HTTP httpexport.Config `yaml:"http"`
}

// RawSink writes every event as one kernel_events row to ClickHouse in
// batches.
type RawSink struct {
	log    logrus.FieldLogger
	cfg    RawConfig
	writer *export.ClickHouseWriter
	health *export.HealthMetrics
	clock  WallClock

	httpProcessor *processor.BatchItemProcessor[RawEventJSON]
	httpExporter  *httpexport.Exporter[RawEventJSON]

	dropWarn *rate.Limiter

	mu      sync.Mutex
	batch   []rawRow
	cancel  context.CancelFunc
	done    chan struct{}
	eventCh chan probe.Event
}

var _ Sink = (*RawSink)(nil)

// NewRawSink creates a new raw event sink. clock may be nil, leaving
// event_time unset.
func NewRawSink(
	log logrus.FieldLogger,
	cfg RawConfig,
	clock WallClock,
	health *export.HealthMetrics,
) (*RawSink, error) {
	writer := export.NewClickHouseWriter(log, cfg.ClickHouse)

	sink := &RawSink{
		log:      log.WithField("sink", "raw"),
		cfg:      cfg,
		writer:   writer,
		health:   health,
		clock:    clock,
		dropWarn: rate.NewLimiter(rate.Every(10*time.Second), 1),
		batch:    make([]rawRow, 0, writer.Config().BatchSize),
		done:     make(chan struct{}),
		eventCh:  make(chan probe.Event, rawChannelSize),
	}

	if cfg.HTTP.Enabled {
		proc, exporter, err := httpexport.NewProcessor[RawEventJSON](
			log,
			cfg.HTTP,
			"kernel_events",
		)
		if err != nil {
			return nil, fmt.Errorf("creating HTTP processor: %w", err)
		}

		sink.httpProcessor = proc
		sink.httpExporter = exporter
	}

	return sink, nil
}

func (s *RawSink) Name() string { return "raw" }

func (s *RawSink) Start(ctx context.Context) error {
	if err := s.writer.Start(ctx); err != nil {
		return err
	}

	if s.health != nil {
		s.health.SinkEventChannelCapacity.WithLabelValues("raw").
			Set(float64(cap(s.eventCh)))
		s.health.ClickHouseConnected.WithLabelValues("raw").Set(1)
	}

	ctx, s.cancel = context.WithCancel(ctx)

	if s.httpProcessor != nil {
		s.httpProcessor.Start(ctx)
		s.log.Info("HTTP export started")
	}

	go s.runLoop(ctx)

	s.log.WithField("table", s.writer.Config().Table).Info("Raw sink started")

	return nil
}

func (s *RawSink) Stop() error {
	if s.cancel == nil {
		return s.writer.Stop()
	}

	s.cancel()
	<-s.done

	// Rows still queued in the channel are flushed with the batch.
	s.mu.Lock()
	remaining := s.batch
	s.batch = nil
	s.mu.Unlock()

drain:
	for {
		select {
		case event := <-s.eventCh:
			remaining = append(remaining, toRawRow(event, s.clock))
		default:
			break drain
		}
	}

	if len(remaining) > 0 {
		if err := s.flush(context.Background(), remaining); err != nil {
			s.log.WithError(err).Error("Final flush failed")
			s.reportExportError()
		}
	}

	if s.httpProcessor != nil {
		if err := s.httpProcessor.Shutdown(context.Background()); err != nil {
			s.log.WithError(err).Error("HTTP processor shutdown failed")
		}

		stats := s.httpExporter.Stats()
		s.log.WithFields(logrus.Fields{
			"batches":  stats.Batches,
			"rows":     stats.Rows,
			"failures": stats.Failures,
		}).Info("HTTP export stopped")
	}

	if s.health != nil {
		s.health.ClickHouseConnected.WithLabelValues("raw").Set(0)
	}

	return s.writer.Stop()
}

func (s *RawSink) HandleEvent(event probe.Event) {
	select {
	case s.eventCh <- event:
		if s.health != nil {
			s.health.SinkEventsProcessed.WithLabelValues("raw").Inc()
		}
	default:
		if s.dropWarn.Allow() {
			s.log.WithField("family", event.Family().String()).
				Warn("Raw sink event channel full, dropping events")
		}

		if s.health != nil {
			s.health.SinkEventsDropped.WithLabelValues("raw").Inc()
		}
	}
}

func (s *RawSink) runLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.writer.Config().FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.eventCh:
			s.addEvent(ctx, event)
		case <-ticker.C:
			if s.health != nil {
				s.health.SinkEventChannelLength.WithLabelValues("raw").
					Set(float64(len(s.eventCh)))
			}

			s.tickFlush(ctx)
		}
	}
}

func (s *RawSink) addEvent(ctx context.Context, event probe.Event) {
	row := toRawRow(event, s.clock)

	s.mu.Lock()
	s.batch = append(s.batch, row)

	var toFlush []rawRow

	if len(s.batch) >= s.writer.Config().BatchSize {
		toFlush = s.batch
		s.batch = make([]rawRow, 0, s.writer.Config().BatchSize)
	}

	s.mu.Unlock()

	if toFlush != nil {
		if err := s.flush(ctx, toFlush); err != nil {
			s.log.WithError(err).Error("Batch flush failed")
			s.reportExportError()
		}
	}
}

func (s *RawSink) tickFlush(ctx context.Context) {
	s.mu.Lock()

	if len(s.batch) == 0 {
		s.mu.Unlock()

		return
	}

	toFlush := s.batch
	s.batch = make([]rawRow, 0, s.writer.Config().BatchSize)
	s.mu.Unlock()

	if err := s.flush(ctx, toFlush); err != nil {
		s.log.WithError(err).Error("Periodic flush failed")
		s.reportExportError()
	}
}

func (s *RawSink) flush(ctx context.Context, rows []rawRow) error {
	if len(rows) == 0 {
		return nil
	}

	if s.httpProcessor != nil {
		s.exportHTTP(ctx, rows)
	}

	start := time.Now()

	conn := s.writer.Conn()
	cfg := s.writer.Config()

	batch, err := conn.PrepareBatch(
		ctx,
		fmt.Sprintf("INSERT INTO %s.%s (%s)", cfg.Database, cfg.Table, rawColumns),
	)
	if err != nil {
		s.recordBatchError("prepare")

		return fmt.Errorf("preparing batch: %w", err)
	}

	for i := range rows {
		if err := batch.Append(rows[i].values(cfg.MetaHostName)...); err != nil {
			s.recordBatchError("append")

			return fmt.Errorf("appending row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		s.recordBatchError("send")

		return fmt.Errorf("sending batch of %d rows: %w", len(rows), err)
	}

	if s.health != nil {
		duration := time.Since(start)
		s.health.SinkFlushDuration.WithLabelValues("raw").Observe(duration.Seconds())
		s.health.SinkBatchSize.WithLabelValues("raw").Observe(float64(len(rows)))
		s.health.ClickHouseBatchDuration.WithLabelValues("send").Observe(duration.Seconds())
	}

	s.log.WithField("rows", len(rows)).Debug("Flushed raw events")

	return nil
}

func (s *RawSink) exportHTTP(ctx context.Context, rows []rawRow) {
	events := make([]*RawEventJSON, 0, len(rows))

	for i := range rows {
		event := toRawEventJSON(&rows[i], s.writer.Config().MetaHostName)
		events = append(events, &event)
	}

	if err := s.httpProcessor.Write(ctx, events); err != nil {
		s.log.WithError(err).Debug("HTTP export failed (queue may be full)")
		s.recordBatchError("http_queue")
	}
}

func (s *RawSink) reportExportError() {
	if s.health == nil {
		return
	}

	s.health.ExportErrors.Inc()
}

func (s *RawSink) recordBatchError(errorType string) {
	if s.health == nil {
		return
	}

	s.health.ExportBatchErrors.WithLabelValues("raw", errorType).Inc()
}
