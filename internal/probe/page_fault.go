package probe

import "github.com/kernmlops/kerntrace/internal/correlation"

// vm_fault_t result bits.
const (
	VMFaultOOM           uint32 = 0x000001
	VMFaultSIGBUS        uint32 = 0x000002
	VMFaultMajor         uint32 = 0x000004
	VMFaultHWPoison      uint32 = 0x000010
	VMFaultHWPoisonLarge uint32 = 0x000020
	VMFaultSIGSEGV       uint32 = 0x000040
	VMFaultFallback      uint32 = 0x000800

	// VMFaultError is the set of result bits that mark a failed fault.
	VMFaultError = VMFaultOOM | VMFaultSIGBUS | VMFaultSIGSEGV |
		VMFaultHWPoison | VMFaultHWPoisonLarge | VMFaultFallback
)

// Fault flag bits passed to handle_mm_fault.
const (
	FaultFlagWrite       uint32 = 0x01
	FaultFlagInstruction uint32 = 0x100
)

// PageFaultEvent is one completed handle_mm_fault call.
type PageFaultEvent struct {
	Header
	Address   uint64 `json:"address"`
	Flags     uint32 `json:"flags"`
	Result    uint32 `json:"result"`
	IsMajor   bool   `json:"is_major"`
	IsWrite   bool   `json:"is_write"`
	IsExec    bool   `json:"is_exec"`
	LatencyNs int64  `json:"latency_ns"`
}

type pageFaultRecord struct {
	startNs uint64
	address uint64
	flags   uint32
}

// PageFaultProbe correlates handle_mm_fault entry and return.
type PageFaultProbe struct {
	emitter
	inflight *correlation.Store[ExecContext, pageFaultRecord]
}

func newPageFaultProbe(e emitter, capacity int) *PageFaultProbe {
	return &PageFaultProbe{
		emitter:  e,
		inflight: correlation.New[ExecContext, pageFaultRecord]("page_fault", capacity),
	}
}

// Enter records the faulting address and fault flags.
func (p *PageFaultProbe) Enter(f Firing, address uint64, flags uint32) {
	p.inflight.Put(f.Ctx, pageFaultRecord{
		startNs: f.TimestampNs,
		address: address,
		flags:   flags,
	})
	p.stats.entered(p.family)
}

// Return consumes the entry and emits the fault unless the result carries
// an error bit, in which case the operation is abandoned.
func (p *PageFaultProbe) Return(f Firing, result uint32) {
	rec, ok := p.inflight.Take(f.Ctx)
	if !ok {
		p.stats.missing(p.family)

		return
	}

	if result&VMFaultError != 0 {
		p.stats.abandoned(p.family)

		return
	}

	p.publish(PageFaultEvent{
		Header:    f.header(),
		Address:   rec.address,
		Flags:     rec.flags,
		Result:    result,
		IsMajor:   result&VMFaultMajor != 0,
		IsWrite:   rec.flags&FaultFlagWrite != 0,
		IsExec:    rec.flags&FaultFlagInstruction != 0,
		LatencyNs: elapsed(rec.startNs, f.TimestampNs),
	})
}

func (p *PageFaultProbe) storeStats() []correlation.Stats {
	return []correlation.Stats{p.inflight.Stats()}
}
