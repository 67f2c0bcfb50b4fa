//go:build !linux

package tracer

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

type tracer struct {
	log logrus.FieldLogger
}

// New creates a new BPF tracer.
// On non-Linux platforms, this returns a stub that errors on Start.
func New(
	log logrus.FieldLogger,
	_ Config,
	_ *Dispatcher,
	_ Recorder,
) Tracer {
	return &tracer{
		log: log.WithField("component", "tracer"),
	}
}

func (t *tracer) Start(_ context.Context) error {
	return fmt.Errorf("BPF tracer requires Linux")
}

func (t *tracer) Stop() error {
	return nil
}

func (t *tracer) UpdatePIDs(_ []uint32) error {
	return fmt.Errorf("BPF tracer requires Linux")
}

func (t *tracer) OnError(_ ErrorHandler) {}

func (t *tracer) OnLost(_ LostHandler) {}

func (t *tracer) Attached() []AttachResult {
	return nil
}
