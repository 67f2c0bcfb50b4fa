package clock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Clock converts kernel monotonic timestamps, as produced by
// bpf_ktime_get_ns, to wall-clock time.
type Clock interface {
	// Start calibrates the clock and begins periodic recalibration.
	Start(ctx context.Context) error
	// Stop terminates recalibration.
	Stop() error
	// NowNs returns the current CLOCK_MONOTONIC reading in nanoseconds.
	NowNs() uint64
	// WallTime converts a monotonic timestamp to wall-clock time.
	WallTime(monoNs uint64) time.Time
	// Offset returns the current wall minus monotonic offset.
	Offset() time.Duration
}

type clock struct {
	log      logrus.FieldLogger
	interval time.Duration
	now      func() (mono int64, wall int64)
	offset   atomic.Int64
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a new Clock that recalibrates its offset every interval.
func New(log logrus.FieldLogger, interval time.Duration) (Clock, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}

	c := &clock{
		log:      log.WithField("component", "clock"),
		interval: interval,
		now:      readClocks,
	}

	c.calibrate()

	return c, nil
}

func monotonicNs() int64 {
	var ts unix.Timespec

	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return time.Now().UnixNano()
	}

	return ts.Nano()
}

// readClocks samples the monotonic clock on both sides of the wall clock
// and uses the midpoint.
func readClocks() (int64, int64) {
	before := monotonicNs()
	wall := time.Now().UnixNano()
	after := monotonicNs()

	return before + (after-before)/2, wall
}

func (c *clock) calibrate() time.Duration {
	mono, wall := c.now()
	offset := wall - mono

	prev := c.offset.Swap(offset)

	return time.Duration(offset - prev)
}

func (c *clock) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	c.calibrate()

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				drift := c.calibrate()

				c.log.WithField("drift", drift).Debug("Clock recalibrated")
			}
		}
	}()

	c.log.WithFields(logrus.Fields{
		"offset":   c.Offset(),
		"interval": c.interval,
	}).Info("Clock started")

	return nil
}

func (c *clock) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}

	c.wg.Wait()

	return nil
}

func (c *clock) NowNs() uint64 {
	return uint64(monotonicNs())
}

func (c *clock) WallTime(monoNs uint64) time.Time {
	return time.Unix(0, int64(monoNs)+c.offset.Load()).UTC()
}

func (c *clock) Offset() time.Duration {
	return time.Duration(c.offset.Load())
}
