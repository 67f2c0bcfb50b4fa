package probe

import "github.com/kernmlops/kerntrace/internal/correlation"

// UnmapEvent is one completed unmap_page_range or unmap_hugepage_range call.
type UnmapEvent struct {
	Header
	OwnerTGID uint32 `json:"owner_tgid"`
	Start     uint64 `json:"start"`
	End       uint64 `json:"end"`
	Huge      bool   `json:"huge"`
	LatencyNs int64  `json:"latency_ns"`
}

// Length returns the size of the unmapped range.
func (e UnmapEvent) Length() uint64 {
	if e.End < e.Start {
		return 0
	}

	return e.End - e.Start
}

type unmapRecord struct {
	startNs   uint64
	ownerTGID uint32
	start     uint64
	end       uint64
	huge      bool
}

// UnmapProbe correlates page-range unmap entry and return.
type UnmapProbe struct {
	emitter
	inflight *correlation.Store[ExecContext, unmapRecord]
}

func newUnmapProbe(e emitter, capacity int) *UnmapProbe {
	return &UnmapProbe{
		emitter:  e,
		inflight: correlation.New[ExecContext, unmapRecord]("unmap", capacity),
	}
}

// Enter records the range being unmapped and whether it was a huge page
// mapping.
func (p *UnmapProbe) Enter(f Firing, ownerTGID uint32, start, end uint64, huge bool) {
	p.inflight.Put(f.Ctx, unmapRecord{
		startNs:   f.TimestampNs,
		ownerTGID: ownerTGID,
		start:     start,
		end:       end,
		huge:      huge,
	})
	p.stats.entered(p.family)
}

// Return closes the unmap started on the same context and emits its
// event.
func (p *UnmapProbe) Return(f Firing) {
	rec, ok := p.inflight.Take(f.Ctx)
	if !ok {
		p.stats.missing(p.family)

		return
	}

	p.publish(UnmapEvent{
		Header:    f.header(),
		OwnerTGID: rec.ownerTGID,
		Start:     rec.start,
		End:       rec.end,
		Huge:      rec.huge,
		LatencyNs: elapsed(rec.startNs, f.TimestampNs),
	})
}

func (p *UnmapProbe) storeStats() []correlation.Stats {
	return []correlation.Stats{p.inflight.Stats()}
}
