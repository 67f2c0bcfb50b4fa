//go:build linux

package tracer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	firingsMap     = "firings"
	trackedPidsMap = "tracked_pids"
)

type tracer struct {
	log        logrus.FieldLogger
	cfg        Config
	dispatcher *Dispatcher
	recorder   Recorder

	errHandlers  []ErrorHandler
	lostHandlers []LostHandler

	coll     *ebpf.Collection
	links    []link.Link
	attached []AttachResult
	reader   *perf.Reader
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a new BPF tracer that hands every firing to dispatcher.
// recorder may be nil.
func New(
	log logrus.FieldLogger,
	cfg Config,
	dispatcher *Dispatcher,
	recorder Recorder,
) Tracer {
	return &tracer{
		log:          log.WithField("component", "tracer"),
		cfg:          cfg,
		dispatcher:   dispatcher,
		recorder:     recorder,
		errHandlers:  make([]ErrorHandler, 0, 2),
		lostHandlers: make([]LostHandler, 0, 2),
	}
}

func (t *tracer) OnError(handler ErrorHandler) {
	t.errHandlers = append(t.errHandlers, handler)
}

func (t *tracer) OnLost(handler LostHandler) {
	t.lostHandlers = append(t.lostHandlers, handler)
}

func (t *tracer) Attached() []AttachResult {
	return t.attached
}

func (t *tracer) Start(ctx context.Context) error {
	ctx, t.cancel = context.WithCancel(ctx)

	families, err := t.cfg.EnabledFamilies()
	if err != nil {
		return err
	}

	plan, err := Plan(families, t.cfg.BranchOffsets)
	if err != nil {
		return err
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("removing memlock rlimit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(t.cfg.ObjectPath)
	if err != nil {
		return fmt.Errorf("loading BPF spec %s: %w", t.cfg.ObjectPath, err)
	}

	t.coll, err = ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("loading BPF objects: %w", err)
	}

	if err := t.attachPrograms(plan); err != nil {
		t.cleanup()

		return fmt.Errorf("attaching BPF programs: %w", err)
	}

	firings, ok := t.coll.Maps[firingsMap]
	if !ok {
		t.cleanup()

		return fmt.Errorf("BPF object has no %q map", firingsMap)
	}

	t.reader, err = perf.NewReader(firings, t.cfg.PerfBufferPages*unix.Getpagesize())
	if err != nil {
		t.cleanup()

		return fmt.Errorf("creating perf reader: %w", err)
	}

	t.wg.Add(1)

	go t.readLoop(ctx)

	t.log.WithFields(logrus.Fields{
		"object":   t.cfg.ObjectPath,
		"attached": len(t.links),
		"planned":  len(plan),
	}).Info("BPF tracer started")

	return nil
}

func (t *tracer) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}

	if t.reader != nil {
		t.reader.Close()
	}

	t.wg.Wait()
	t.cleanup()

	t.log.Info("BPF tracer stopped")

	return nil
}

func (t *tracer) UpdatePIDs(pids []uint32) error {
	if t.coll == nil {
		return fmt.Errorf("BPF objects not loaded")
	}

	m, ok := t.coll.Maps[trackedPidsMap]
	if !ok {
		return fmt.Errorf("BPF object has no %q map", trackedPidsMap)
	}

	// Clear existing entries.
	var (
		key uint32
		val uint8
	)

	iter := m.Iterate()
	keysToDelete := make([]uint32, 0, 64)

	for iter.Next(&key, &val) {
		keysToDelete = append(keysToDelete, key)
	}

	for _, k := range keysToDelete {
		if err := m.Delete(k); err != nil &&
			!errors.Is(err, ebpf.ErrKeyNotExist) {
			t.log.WithError(err).WithField("pid", k).
				Warn("Failed to delete PID from BPF map")
		}
	}

	for _, pid := range pids {
		if err := m.Put(pid, uint8(1)); err != nil {
			return fmt.Errorf("adding PID %d to BPF map: %w", pid, err)
		}
	}

	t.log.WithField("count", len(pids)).Debug("Updated tracked PIDs")

	return nil
}

func (t *tracer) readLoop(ctx context.Context) {
	defer t.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		record, err := t.reader.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				return
			}

			t.log.WithError(err).Warn("Perf buffer read error")
			t.emitError(fmt.Errorf("reading perf buffer: %w", err))

			continue
		}

		if record.LostSamples > 0 {
			for _, handler := range t.lostHandlers {
				handler(record.CPU, record.LostSamples)
			}

			continue
		}

		cpu := uint32(record.CPU)

		if t.recorder != nil {
			if err := t.recorder.Record(cpu, record.RawSample); err != nil {
				t.emitError(fmt.Errorf("recording firing: %w", err))
			}
		}

		if err := t.dispatcher.Dispatch(cpu, record.RawSample); err != nil {
			t.log.WithError(err).Debug("Firing decode error")
			t.emitError(err)
		}
	}
}

func (t *tracer) emitError(err error) {
	for _, handler := range t.errHandlers {
		handler(err)
	}
}

// attachPrograms attaches every planned program. Failures of optional
// attachments are recorded and logged; a failed required attachment aborts.
func (t *tracer) attachPrograms(plan []Attachment) error {
	t.attached = make([]AttachResult, 0, len(plan))

	for _, a := range plan {
		l, err := t.attach(a)

		t.attached = append(t.attached, AttachResult{Attachment: a, Err: err})

		fields := logrus.Fields{
			"kind":    a.Kind.String(),
			"target":  a.Key(),
			"program": a.Program,
		}

		if err != nil {
			if a.Optional {
				t.log.WithFields(fields).WithError(err).Debug("Optional attachment skipped")

				continue
			}

			return fmt.Errorf("attaching %s %s: %w", a.Kind, a.Key(), err)
		}

		if a.Offset != 0 {
			fields["offset"] = fmt.Sprintf("0x%x", a.Offset)
		}

		t.links = append(t.links, l)
		t.log.WithFields(fields).Debug("Attached program")
	}

	if len(t.links) == 0 {
		return errors.New("no program could be attached")
	}

	return nil
}

func (t *tracer) attach(a Attachment) (link.Link, error) {
	prog, ok := t.coll.Programs[a.Program]
	if !ok {
		return nil, fmt.Errorf("program %q not in object", a.Program)
	}

	switch a.Kind {
	case KindKprobe:
		var opts *link.KprobeOptions
		if a.Offset != 0 {
			opts = &link.KprobeOptions{Offset: a.Offset}
		}

		return link.Kprobe(a.Symbol, prog, opts)
	case KindKretprobe:
		return link.Kretprobe(a.Symbol, prog, nil)
	case KindTracepoint:
		group, name, ok := strings.Cut(a.Symbol, "/")
		if !ok {
			return nil, fmt.Errorf("tracepoint %q is not group/name", a.Symbol)
		}

		return link.Tracepoint(group, name, prog, nil)
	case KindRawTracepoint:
		return link.AttachRawTracepoint(link.RawTracepointOptions{
			Name:    a.Symbol,
			Program: prog,
		})
	default:
		return nil, fmt.Errorf("unsupported attach kind %s", a.Kind)
	}
}

func (t *tracer) cleanup() {
	for _, l := range t.links {
		l.Close()
	}

	t.links = nil

	if t.coll != nil {
		t.coll.Close()
		t.coll = nil
	}
}
