package probe

import (
	"fmt"

	"github.com/kernmlops/kerntrace/internal/correlation"
)

// Advice is an madvise(2) advice value.
type Advice int32

var adviceNames = map[Advice]string{
	0:   "MADV_NORMAL",
	1:   "MADV_RANDOM",
	2:   "MADV_SEQUENTIAL",
	3:   "MADV_WILLNEED",
	4:   "MADV_DONTNEED",
	8:   "MADV_FREE",
	9:   "MADV_REMOVE",
	10:  "MADV_DONTFORK",
	11:  "MADV_DOFORK",
	12:  "MADV_MERGEABLE",
	13:  "MADV_UNMERGEABLE",
	14:  "MADV_HUGEPAGE",
	15:  "MADV_NOHUGEPAGE",
	16:  "MADV_DONTDUMP",
	17:  "MADV_DODUMP",
	18:  "MADV_WIPEONFORK",
	19:  "MADV_KEEPONFORK",
	20:  "MADV_COLD",
	21:  "MADV_PAGEOUT",
	22:  "MADV_POPULATE_READ",
	23:  "MADV_POPULATE_WRITE",
	24:  "MADV_DONTNEED_LOCKED",
	25:  "MADV_COLLAPSE",
	100: "MADV_HWPOISON",
	101: "MADV_SOFT_OFFLINE",
}

func (a Advice) String() string {
	if n, ok := adviceNames[a]; ok {
		return n
	}

	return fmt.Sprintf("MADV_UNKNOWN(%d)", int32(a))
}

// MadviseEvent is one completed do_madvise call. A non-zero return is
// reported with Failed set rather than suppressed.
type MadviseEvent struct {
	Header
	OwnerTGID uint32 `json:"owner_tgid"`
	Address   uint64 `json:"address"`
	Length    uint64 `json:"length"`
	Advice    Advice `json:"advice"`
	Ret       int32  `json:"ret"`
	Failed    bool   `json:"failed"`
	LatencyNs int64  `json:"latency_ns"`
}

type madviseRecord struct {
	startNs   uint64
	ownerTGID uint32
	address   uint64
	length    uint64
	advice    Advice
}

// MadviseProbe correlates do_madvise entry and return.
type MadviseProbe struct {
	emitter
	inflight *correlation.Store[ExecContext, madviseRecord]
}

func newMadviseProbe(e emitter, capacity int) *MadviseProbe {
	return &MadviseProbe{
		emitter:  e,
		inflight: correlation.New[ExecContext, madviseRecord]("madvise", capacity),
	}
}

// Enter records the target range and advice. ownerTGID is the thread group
// that owns the address space, which differs from the caller for
// process_madvise.
func (p *MadviseProbe) Enter(f Firing, ownerTGID uint32, address, length uint64, advice Advice) {
	p.inflight.Put(f.Ctx, madviseRecord{
		startNs:   f.TimestampNs,
		ownerTGID: ownerTGID,
		address:   address,
		length:    length,
		advice:    advice,
	})
	p.stats.entered(p.family)
}

// Return always consumes the entry and emits the call, flagging failures.
func (p *MadviseProbe) Return(f Firing, ret int32) {
	rec, ok := p.inflight.Take(f.Ctx)
	if !ok {
		p.stats.missing(p.family)

		return
	}

	p.publish(MadviseEvent{
		Header:    f.header(),
		OwnerTGID: rec.ownerTGID,
		Address:   rec.address,
		Length:    rec.length,
		Advice:    rec.advice,
		Ret:       ret,
		Failed:    ret != 0,
		LatencyNs: elapsed(rec.startNs, f.TimestampNs),
	})
}

func (p *MadviseProbe) storeStats() []correlation.Stats {
	return []correlation.Stats{p.inflight.Stats()}
}
