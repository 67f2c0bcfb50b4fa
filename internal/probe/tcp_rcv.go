package probe

import (
	"fmt"

	"github.com/kernmlops/kerntrace/internal/correlation"
)

// ReceiveBranch identifies an instrumented point inside tcp_v4_rcv.
type ReceiveBranch uint8

const (
	ReceiveEntry       ReceiveBranch = 0
	ReceiveNotForHost  ReceiveBranch = 1
	ReceiveNoSocket    ReceiveBranch = 2
	ReceiveTimeWait    ReceiveBranch = 3
	ReceiveChecksumErr ReceiveBranch = 4
	ReceiveListen      ReceiveBranch = 5
	ReceiveSocketBusy  ReceiveBranch = 6
	ReceiveXfrmDrop    ReceiveBranch = 7
	ReceiveNewSynRecv  ReceiveBranch = 8
	ReceiveReturn      ReceiveBranch = 9
)

var receiveBranchNames = [...]string{
	"entry", "not_for_host", "no_socket", "time_wait", "checksum_err",
	"listen", "socket_busy", "xfrm_drop", "new_syn_recv", "return",
}

// Valid reports whether b is a defined branch.
func (b ReceiveBranch) Valid() bool { return b <= ReceiveReturn }

func (b ReceiveBranch) String() string {
	if int(b) < len(receiveBranchNames) {
		return receiveBranchNames[b]
	}

	return fmt.Sprintf("unknown(%d)", b)
}

// DropReason is an skb drop reason from include/net/dropreason.h.
type DropReason uint8

const (
	DropNone         DropReason = 0
	DropNotSpecified DropReason = 2
	DropNoSocket     DropReason = 3
	DropTCPCsum      DropReason = 5
	DropXfrmPolicy   DropReason = 14
)

func (r DropReason) String() string {
	switch r {
	case DropNone:
		return "none"
	case DropNotSpecified:
		return "NOT_SPECIFIED"
	case DropNoSocket:
		return "NO_SOCKET"
	case DropTCPCsum:
		return "TCP_CSUM"
	case DropXfrmPolicy:
		return "XFRM_POLICY"
	default:
		return fmt.Sprintf("reason(%d)", r)
	}
}

// ReceiveBranchSlots is the size of the receive branch aggregate.
const ReceiveBranchSlots = 16

var receiveDropReasons = map[ReceiveBranch]DropReason{
	ReceiveNotForHost:  DropNotSpecified,
	ReceiveNoSocket:    DropNoSocket,
	ReceiveChecksumErr: DropTCPCsum,
	ReceiveXfrmDrop:    DropXfrmPolicy,
}

// ReceiveEvent is one observation of a tcp_v4_rcv call. The closing event
// has Branch set to return and carries the last drop reason recorded.
type ReceiveEvent struct {
	Header
	Tuple
	Branch     ReceiveBranch `json:"branch"`
	DropReason DropReason    `json:"drop_reason"`
	Ret        int32         `json:"ret"`
	LatencyNs  int64         `json:"latency_ns"`
}

type receiveRecord struct {
	startNs    uint64
	tuple      Tuple
	branch     ReceiveBranch
	dropReason DropReason
}

// ReceiveTracker threads one record through the interior branches of
// tcp_v4_rcv.
type ReceiveTracker struct {
	emitter
	inflight *correlation.Store[ExecContext, receiveRecord]
	branches *Counters
}

func newReceiveTracker(e emitter, capacity int) *ReceiveTracker {
	return &ReceiveTracker{
		emitter:  e,
		inflight: correlation.New[ExecContext, receiveRecord]("tcp_rcv", capacity),
		branches: NewCounters(ReceiveBranchSlots),
	}
}

// BranchCounts returns per-branch hit counts.
func (t *ReceiveTracker) BranchCounts() *Counters { return t.branches }

// Enter snapshots the packet tuple.
func (t *ReceiveTracker) Enter(f Firing, tuple Tuple) {
	t.inflight.Put(f.Ctx, receiveRecord{
		startNs: f.TimestampNs,
		tuple:   tuple,
		branch:  ReceiveEntry,
	})
	t.stats.entered(t.family)
	t.branches.Inc(int(ReceiveEntry))
}

// Branch records an interior branch hit and its drop reason, if any.
func (t *ReceiveTracker) Branch(f Firing, b ReceiveBranch) {
	if !b.Valid() {
		return
	}

	reason, drops := receiveDropReasons[b]

	rec, ok := t.inflight.Update(f.Ctx, func(r *receiveRecord) {
		r.branch = b
		if drops {
			r.dropReason = reason
		}
	})
	if !ok {
		t.stats.missing(t.family)

		return
	}

	t.branches.Inc(int(b))

	t.publish(ReceiveEvent{
		Header:     f.header(),
		Tuple:      rec.tuple,
		Branch:     b,
		DropReason: reason,
		LatencyNs:  elapsed(rec.startNs, f.TimestampNs),
	})
}

// Return consumes the record and emits the closing event.
func (t *ReceiveTracker) Return(f Firing, ret int32) {
	rec, ok := t.inflight.Take(f.Ctx)
	if !ok {
		t.stats.missing(t.family)

		return
	}

	t.branches.Inc(int(ReceiveReturn))

	t.publish(ReceiveEvent{
		Header:     f.header(),
		Tuple:      rec.tuple,
		Branch:     ReceiveReturn,
		DropReason: rec.dropReason,
		Ret:        ret,
		LatencyNs:  elapsed(rec.startNs, f.TimestampNs),
	})
}

func (t *ReceiveTracker) storeStats() []correlation.Stats {
	return []correlation.Stats{t.inflight.Stats()}
}
