package sink

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kernmlops/kerntrace/internal/export"
	"github.com/kernmlops/kerntrace/internal/probe"
)

const defaultWindowInterval = 10 * time.Second

// WindowConfig configures the interval summary sink.
type WindowConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// WindowSink aggregates events over fixed windows and logs a summary
// per non-empty window.
type WindowSink struct {
	log    logrus.FieldLogger
	cfg    WindowConfig
	health *export.HealthMetrics

	mu     sync.Mutex
	bucket *Bucket

	onFlush func(BucketSnapshot)

	cancel context.CancelFunc
	done   chan struct{}
}

var _ Sink = (*WindowSink)(nil)

// NewWindowSink creates a new window aggregation sink. health may be nil.
func NewWindowSink(
	log logrus.FieldLogger,
	cfg WindowConfig,
	health *export.HealthMetrics,
) *WindowSink {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultWindowInterval
	}

	return &WindowSink{
		log:    log.WithField("sink", "window"),
		cfg:    cfg,
		health: health,
		bucket: NewBucket(time.Now()),
		done:   make(chan struct{}),
	}
}

// OnFlush registers a callback invoked with every emitted snapshot.
func (s *WindowSink) OnFlush(fn func(BucketSnapshot)) {
	s.onFlush = fn
}

func (s *WindowSink) Name() string { return "window" }

func (s *WindowSink) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	go s.runTimer(ctx)

	s.log.WithField("interval", s.cfg.Interval).
		Info("Window sink started")

	return nil
}

// Stop emits the partial window before returning.
func (s *WindowSink) Stop() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}

	s.flushWindow()

	return nil
}

func (s *WindowSink) HandleEvent(event probe.Event) {
	s.mu.Lock()
	b := s.bucket
	s.mu.Unlock()

	b.Add(event)
}

func (s *WindowSink) runTimer(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushWindow()
		}
	}
}

func (s *WindowSink) flushWindow() {
	s.mu.Lock()
	old := s.bucket
	s.bucket = NewBucket(time.Now())
	s.mu.Unlock()

	if old.EventCount.Load() == 0 {
		return
	}

	snap := old.Snapshot()
	s.logSnapshot(snap)

	if s.health != nil {
		s.health.WindowsFlushed.Inc()
	}

	if s.onFlush != nil {
		s.onFlush(snap)
	}
}

func (s *WindowSink) logSnapshot(snap BucketSnapshot) {
	s.log.WithFields(logrus.Fields{
		"window_start":        snap.StartTime.Format(time.RFC3339),
		"events":              snap.EventCount,
		"page_fault_total":    snap.PageFaultTotal,
		"page_fault_major":    snap.PageFaultMajor,
		"page_fault_mean_ns":  MeanNs(snap.PageFaultLatNs, snap.PageFaultTotal),
		"madvise_count":       snap.MadviseCount,
		"madvise_bytes":       snap.MadviseBytes,
		"unmap_bytes":         snap.UnmapBytes,
		"rss_stat_count":      snap.RSSStatCount,
		"zswap_store_mean_ns": MeanNs(snap.ZswapStoreLatNs, snap.ZswapStoreCount),
		"zswap_load_mean_ns":  MeanNs(snap.ZswapLoadLatNs, snap.ZswapLoadCount),
		"tcp_connect_count":   snap.TCPConnectCount,
		"tcp_connect_failed":  snap.TCPConnectFailed,
		"tcp_rcv_count":       snap.TCPRcvCount,
		"tcp_rcv_drops":       snap.TCPRcvDrops,
		"tcp_state_changes":   snap.TCPStateChanges,
		"tcp_state_errors":    snap.TCPStateErrors,
		"tcp_cubic_count":     snap.TCPCubicCount,
	}).Info("Window snapshot")
}
