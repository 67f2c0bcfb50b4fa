package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kernmlops/kerntrace/internal/capture"
	"github.com/kernmlops/kerntrace/internal/clock"
	"github.com/kernmlops/kerntrace/internal/export"
	"github.com/kernmlops/kerntrace/internal/probe"
	"github.com/kernmlops/kerntrace/internal/tracer"
)

// replayFlushEvery bounds how many firings are dispatched between
// channel flushes. Smaller channels flush at half their capacity.
const replayFlushEvery = 1024

// ReplayResult summarizes a replayed capture.
type ReplayResult struct {
	Firings      uint64
	DecodeErrors uint64
	Events       map[probe.Family]uint64
	// ClockOffset is the recording host's wall minus monotonic offset
	// used to stamp event times.
	ClockOffset time.Duration
}

// Replay feeds a capture file through a fresh session and the configured
// sinks, exactly as the tracer would have delivered it live.
func Replay(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg *Config,
	path string,
	onEvent func(probe.Event),
) (*ReplayResult, error) {
	log = log.WithField("component", "replay")

	r, err := capture.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	// Event times come from the recording host's clock offset, not the
	// replaying host's.
	clk := clock.NewFixed(r.Offset())

	health := export.NewHealthMetrics(log, cfg.Health)

	sinks, err := buildSinks(log, cfg.Sinks, clk, health)
	if err != nil {
		return nil, err
	}

	for _, s := range sinks {
		if err := s.Start(ctx); err != nil {
			return nil, fmt.Errorf("starting sink %s: %w", s.Name(), err)
		}
	}

	session := probe.NewSession(cfg.Session)
	dispatcher := tracer.NewDispatcher(session)

	flushEvery := uint64(min(replayFlushEvery, max(cfg.Session.ChannelCapacity/2, 1)))

	result := &ReplayResult{
		Events:      make(map[probe.Family]uint64, probe.NumFamilies),
		ClockOffset: clk.Offset(),
	}

	deliver := func(ev probe.Event) {
		result.Events[ev.Family()]++

		for _, s := range sinks {
			s.HandleEvent(ev)
		}

		if onEvent != nil {
			onEvent(ev)
		}
	}

	start := time.Now()

	runErr := func() error {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}

			cpu, data, err := r.NextRecord()
			if errors.Is(err, io.EOF) {
				return nil
			}

			if err != nil {
				return fmt.Errorf("reading firing %d: %w", result.Firings, err)
			}

			result.Firings++

			if err := dispatcher.Dispatch(cpu, data); err != nil {
				result.DecodeErrors++

				log.WithError(err).Debug("Firing decode error")
			}

			if result.Firings%flushEvery == 0 {
				session.Flush(deliver)
			}
		}
	}()

	session.Flush(deliver)

	for _, s := range sinks {
		if err := s.Stop(); err != nil {
			log.WithError(err).WithField("sink", s.Name()).Error("Error stopping sink")
		}
	}

	log.WithFields(logrus.Fields{
		"firings":       result.Firings,
		"decode_errors": result.DecodeErrors,
		"duration":      time.Since(start),
	}).Info("Replay completed")

	return result, runErr
}
