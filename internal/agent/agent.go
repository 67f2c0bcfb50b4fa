package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kernmlops/kerntrace/internal/capture"
	"github.com/kernmlops/kerntrace/internal/clock"
	"github.com/kernmlops/kerntrace/internal/export"
	"github.com/kernmlops/kerntrace/internal/migrate"
	"github.com/kernmlops/kerntrace/internal/pid"
	"github.com/kernmlops/kerntrace/internal/probe"
	"github.com/kernmlops/kerntrace/internal/sink"
	"github.com/kernmlops/kerntrace/internal/tracer"
)

// Agent is the top-level orchestrator for kerntrace.
type Agent interface {
	// Start initializes all components and begins tracing.
	Start(ctx context.Context) error
	// Stop shuts down all components gracefully.
	Stop() error
}

type agent struct {
	log        logrus.FieldLogger
	cfg        *Config
	health     *export.HealthMetrics
	session    *probe.Session
	dispatcher *tracer.Dispatcher
	capture    *capture.Writer
	clock      clock.Clock
	disc       pid.Discovery
	tracer     tracer.Tracer
	sinks      []sink.Sink
	reporter   *statsReporter

	errWarn *rate.Limiter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Agent.
func New(log logrus.FieldLogger, cfg *Config) (Agent, error) {
	health := export.NewHealthMetrics(log, cfg.Health)
	session := probe.NewSession(cfg.Session)
	dispatcher := tracer.NewDispatcher(session)

	clk, err := clock.New(log, cfg.ClockInterval)
	if err != nil {
		return nil, fmt.Errorf("creating clock: %w", err)
	}

	a := &agent{
		log:        log.WithField("component", "agent"),
		cfg:        cfg,
		health:     health,
		session:    session,
		dispatcher: dispatcher,
		clock:      clk,
		disc:       pid.NewDiscovery(log, cfg.PID),
		reporter:   newStatsReporter(session, dispatcher.Stats(), health),
		errWarn:    rate.NewLimiter(rate.Every(10*time.Second), 1),
	}

	var recorder tracer.Recorder

	if cfg.Tracer.CapturePath != "" {
		a.capture, err = capture.Create(cfg.Tracer.CapturePath, clk.Offset())
		if err != nil {
			return nil, err
		}

		recorder = &countingRecorder{w: a.capture, health: health}
	}

	a.tracer = tracer.New(log, cfg.Tracer, dispatcher, recorder)

	a.sinks, err = buildSinks(log, cfg.Sinks, clk, health)
	if err != nil {
		if a.capture != nil {
			a.capture.Close()
		}

		return nil, err
	}

	return a, nil
}

// buildSinks creates every enabled sink.
func buildSinks(
	log logrus.FieldLogger,
	cfg sink.Config,
	wall sink.WallClock,
	health *export.HealthMetrics,
) ([]sink.Sink, error) {
	sinks := make([]sink.Sink, 0, 2)

	if cfg.Raw.Enabled {
		raw, err := sink.NewRawSink(log, cfg.Raw, wall, health)
		if err != nil {
			return nil, fmt.Errorf("creating raw sink: %w", err)
		}

		sinks = append(sinks, raw)
	}

	if cfg.Window.Enabled {
		sinks = append(sinks, sink.NewWindowSink(log, cfg.Window, health))
	}

	return sinks, nil
}

func (a *agent) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	// 1. Start health metrics server.
	phase := time.Now()

	if err := a.health.Start(ctx); err != nil {
		return fmt.Errorf("starting health metrics: %w", err)
	}

	a.health.AgentStartDuration.WithLabelValues("health").Set(time.Since(phase).Seconds())

	// 2. Calibrate the wall clock.
	if err := a.clock.Start(ctx); err != nil {
		return fmt.Errorf("starting clock: %w", err)
	}

	// 3. Apply the schema before the raw sink writes to it.
	if a.cfg.AutoMigrate {
		phase = time.Now()

		m := migrate.New(a.log, migrate.DSN(a.cfg.Sinks.Raw.ClickHouse))
		if err := m.Up(); err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}

		a.health.AgentStartDuration.WithLabelValues("migrate").Set(time.Since(phase).Seconds())
	}

	// 4. Start all enabled sinks.
	phase = time.Now()

	for _, s := range a.sinks {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("starting sink %s: %w", s.Name(), err)
		}

		a.log.WithField("sink", s.Name()).Info("Sink started")
	}

	a.health.AgentStartDuration.WithLabelValues("sinks").Set(time.Since(phase).Seconds())

	// 5. Deliver correlated events to the sinks.
	a.wg.Add(1)

	go func() {
		defer a.wg.Done()

		a.session.Drain(ctx, a.handleEvent)
	}()

	// 6. Register tracer handlers and attach.
	a.tracer.OnError(func(err error) {
		if a.errWarn.Allow() {
			a.log.WithError(err).Warn("Tracer error")
		}
	})

	a.tracer.OnLost(func(cpu int, lost uint64) {
		a.health.PerfLostSamples.Add(float64(lost))
		a.log.WithFields(logrus.Fields{
			"cpu":  cpu,
			"lost": lost,
		}).Debug("Perf samples lost")
	})

	phase = time.Now()

	if err := a.tracer.Start(ctx); err != nil {
		return fmt.Errorf("starting BPF tracer: %w", err)
	}

	a.health.AgentStartDuration.WithLabelValues("attach").Set(time.Since(phase).Seconds())
	a.recordAttachments()

	a.health.PerfBufferBytes.Set(float64(
		a.cfg.Tracer.PerfBufferPages * os.Getpagesize() * runtime.NumCPU(),
	))

	// 7. Restrict tracing to the workload, if one is configured.
	if a.cfg.PID.Enabled() {
		phase = time.Now()

		if err := a.refreshPIDs(ctx); err != nil {
			return fmt.Errorf("discovering PIDs: %w", err)
		}

		a.health.AgentStartDuration.WithLabelValues("pid").Set(time.Since(phase).Seconds())

		a.wg.Add(1)

		go a.monitorPIDs(ctx)
	} else {
		a.log.Info("No workload filter configured, tracing all processes")
	}

	// 8. Publish session counters.
	a.wg.Add(1)

	go a.reportStats(ctx)

	a.log.Info("Agent fully started")

	return nil
}

func (a *agent) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}

	var errs []error

	// Stop firings before draining what is left in the channels.
	if a.tracer != nil {
		if err := a.tracer.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping tracer: %w", err))
		}
	}

	a.wg.Wait()

	if n := a.session.Flush(a.handleEvent); n > 0 {
		a.log.WithField("events", n).Info("Flushed pending events")
	}

	a.reporter.report()

	for _, s := range a.sinks {
		if err := s.Stop(); err != nil {
			a.log.WithError(err).WithField("sink", s.Name()).
				Error("Error stopping sink")
		}
	}

	if a.capture != nil {
		records, bytes := a.capture.Counts()

		if err := a.capture.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing capture: %w", err))
		}

		a.log.WithFields(logrus.Fields{
			"records": records,
			"bytes":   bytes,
			"path":    a.cfg.Tracer.CapturePath,
		}).Info("Capture closed")
	}

	if a.clock != nil {
		a.clock.Stop()
	}

	if a.health != nil {
		a.health.Stop()
	}

	return errors.Join(errs...)
}

func (a *agent) handleEvent(event probe.Event) {
	for _, s := range a.sinks {
		s.HandleEvent(event)
	}
}

func (a *agent) recordAttachments() {
	attached := make(map[string]int, 4)
	failed := make(map[string]int, 4)

	for _, res := range a.tracer.Attached() {
		kind := res.Kind.String()
		if res.Err != nil {
			failed[kind]++
		} else {
			attached[kind]++
		}
	}

	for kind, n := range attached {
		a.health.BPFProgramsAttached.WithLabelValues(kind).Set(float64(n))
	}

	for kind, n := range failed {
		a.health.BPFProgramsFailed.WithLabelValues(kind).Set(float64(n))
	}
}

func (a *agent) refreshPIDs(ctx context.Context) error {
	start := time.Now()

	pids, err := a.disc.Discover(ctx)
	if err != nil {
		a.health.PIDDiscoveryErrors.Inc()

		return err
	}

	if err := a.tracer.UpdatePIDs(pids); err != nil {
		return fmt.Errorf("updating PID map: %w", err)
	}

	a.health.PIDsTracked.Set(float64(len(pids)))
	a.health.PIDRefreshDuration.Observe(time.Since(start).Seconds())

	if len(pids) == 0 {
		a.log.Warn("No workload processes found, tracing all processes until one appears")
	}

	return nil
}

func (a *agent) monitorPIDs(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.PID.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.refreshPIDs(ctx); err != nil {
				a.log.WithError(err).Warn("PID refresh failed")
			}
		}
	}
}

func (a *agent) reportStats(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reporter.report()
		}
	}
}

// countingRecorder writes firings to a capture file and counts the
// outcome.
type countingRecorder struct {
	w      *capture.Writer
	health *export.HealthMetrics
}

func (r *countingRecorder) Record(cpu uint32, data []byte) error {
	if err := r.w.Record(cpu, data); err != nil {
		r.health.CaptureErrors.Inc()

		return err
	}

	r.health.CaptureRecords.Inc()

	return nil
}
