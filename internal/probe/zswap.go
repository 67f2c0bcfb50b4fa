package probe

import (
	"fmt"

	"github.com/kernmlops/kerntrace/internal/correlation"
)

// ZswapOp selects which zswap entry point an event describes.
type ZswapOp uint8

const (
	ZswapStore      ZswapOp = 0
	ZswapLoad       ZswapOp = 1
	ZswapInvalidate ZswapOp = 2

	numZswapOps = 3
)

func (o ZswapOp) String() string {
	switch o {
	case ZswapStore:
		return "store"
	case ZswapLoad:
		return "load"
	case ZswapInvalidate:
		return "invalidate"
	default:
		return fmt.Sprintf("unknown(%d)", o)
	}
}

// maxErrno bounds the kernel's error-pointer range.
const maxErrno = 4095

// isErrValue reports whether ret falls in the kernel IS_ERR_VALUE range.
func isErrValue(ret int64) bool {
	return ret < 0 && ret >= -maxErrno
}

// ZswapEvent is one completed zswap store, load or invalidate.
type ZswapEvent struct {
	Header
	Op        ZswapOp `json:"op"`
	StartNs   uint64  `json:"start_ns"`
	EndNs     uint64  `json:"end_ns"`
	Ret       int64   `json:"ret"`
	LatencyNs int64   `json:"latency_ns"`
}

// ZswapProbe keeps one independent entry/return pair per zswap operation.
type ZswapProbe struct {
	emitter
	inflight [numZswapOps]*correlation.Store[ExecContext, uint64]
}

func newZswapProbe(e emitter, capacity int) *ZswapProbe {
	p := &ZswapProbe{emitter: e}

	for op := range p.inflight {
		p.inflight[op] = correlation.New[ExecContext, uint64]("zswap_"+ZswapOp(op).String(), capacity)
	}

	return p
}

func (p *ZswapProbe) store(op ZswapOp) *correlation.Store[ExecContext, uint64] {
	if int(op) >= numZswapOps {
		return nil
	}

	return p.inflight[op]
}

// Enter records the start time of op.
func (p *ZswapProbe) Enter(op ZswapOp, f Firing) {
	s := p.store(op)
	if s == nil {
		return
	}

	s.Put(f.Ctx, f.TimestampNs)
	p.stats.entered(p.family)
}

// Return consumes the start time of op. Error-pointer results abandon the
// operation.
func (p *ZswapProbe) Return(op ZswapOp, f Firing, ret int64) {
	s := p.store(op)
	if s == nil {
		return
	}

	startNs, ok := s.Take(f.Ctx)
	if !ok {
		p.stats.missing(p.family)

		return
	}

	if isErrValue(ret) {
		p.stats.abandoned(p.family)

		return
	}

	p.publish(ZswapEvent{
		Header:    f.header(),
		Op:        op,
		StartNs:   startNs,
		EndNs:     f.TimestampNs,
		Ret:       ret,
		LatencyNs: elapsed(startNs, f.TimestampNs),
	})
}

func (p *ZswapProbe) storeStats() []correlation.Stats {
	out := make([]correlation.Stats, 0, numZswapOps)
	for _, s := range p.inflight {
		out = append(out, s.Stats())
	}

	return out
}
