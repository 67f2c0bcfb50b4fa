package probe

import (
	"bytes"
	"fmt"

	"github.com/kernmlops/kerntrace/internal/correlation"
)

// SocketID is an opaque per-socket identity supplied by the kernel side.
// It is only ever used as a key.
type SocketID uint64

// CCName is a congestion-control algorithm name, NUL padded.
type CCName [16]byte

func (n CCName) String() string {
	if i := bytes.IndexByte(n[:], 0); i >= 0 {
		return string(n[:i])
	}

	return string(n[:])
}

// MakeCCName builds a CCName, truncating to 15 bytes.
func MakeCCName(s string) CCName {
	var n CCName

	copy(n[:len(n)-1], s)

	return n
}

// CongestionKind is the congestion-control lifecycle hook that fired.
type CongestionKind uint8

const (
	CCAssign  CongestionKind = 1
	CCInit    CongestionKind = 2
	CCSet     CongestionKind = 3
	CCReinit  CongestionKind = 4
	CCCleanup CongestionKind = 5
)

func (k CongestionKind) String() string {
	switch k {
	case CCAssign:
		return "assign"
	case CCInit:
		return "init"
	case CCSet:
		return "set"
	case CCReinit:
		return "reinit"
	case CCCleanup:
		return "cleanup"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// CongestionEvent is one congestion-control lifecycle hook. Cleanup events
// of sockets whose assignment was seen carry the assigned algorithm and the
// socket's lifetime.
type CongestionEvent struct {
	Header
	Tuple
	Kind       CongestionKind `json:"kind"`
	Algorithm  CCName         `json:"-"`
	Assigned   CCName         `json:"-"`
	Tracked    bool           `json:"tracked"`
	LifetimeNs int64          `json:"lifetime_ns"`
}

type congestionRecord struct {
	assignedNs uint64
	algorithm  CCName
	tuple      Tuple
}

// CongestionTracker follows sockets from congestion-control assignment to
// cleanup.
type CongestionTracker struct {
	emitter
	sockets   *correlation.Store[SocketID, congestionRecord]
	onCleanup func(SocketID)
}

func newCongestionTracker(e emitter, capacity int, onCleanup func(SocketID)) *CongestionTracker {
	return &CongestionTracker{
		emitter:   e,
		sockets:   correlation.New[SocketID, congestionRecord]("tcp_cc", capacity),
		onCleanup: onCleanup,
	}
}

// Assign opens the socket's record and emits the assignment.
func (t *CongestionTracker) Assign(f Firing, sk SocketID, tuple Tuple, algorithm CCName) {
	t.sockets.Put(sk, congestionRecord{
		assignedNs: f.TimestampNs,
		algorithm:  algorithm,
		tuple:      tuple,
	})
	t.stats.entered(t.family)

	t.publish(CongestionEvent{
		Header:    f.header(),
		Tuple:     tuple,
		Kind:      CCAssign,
		Algorithm: algorithm,
		Assigned:  algorithm,
		Tracked:   true,
	})
}

// Init reports algorithm initialisation.
func (t *CongestionTracker) Init(f Firing, sk SocketID, tuple Tuple, algorithm CCName) {
	t.observe(f, sk, tuple, CCInit, algorithm)
}

// Set reports a setsockopt(TCP_CONGESTION) request and records the new
// algorithm on a tracked socket.
func (t *CongestionTracker) Set(f Firing, sk SocketID, tuple Tuple, algorithm CCName) {
	t.observe(f, sk, tuple, CCSet, algorithm)
}

// Reinit reports a switch to a different algorithm.
func (t *CongestionTracker) Reinit(f Firing, sk SocketID, tuple Tuple, algorithm CCName) {
	t.observe(f, sk, tuple, CCReinit, algorithm)
}

func (t *CongestionTracker) observe(f Firing, sk SocketID, tuple Tuple, kind CongestionKind, algorithm CCName) {
	ev := CongestionEvent{
		Header:    f.header(),
		Tuple:     tuple,
		Kind:      kind,
		Algorithm: algorithm,
	}

	rec, ok := t.sockets.Update(sk, func(r *congestionRecord) {
		if kind != CCInit && algorithm != (CCName{}) {
			r.algorithm = algorithm
		}
	})
	if ok {
		ev.Tracked = true
		ev.Assigned = rec.algorithm
		ev.LifetimeNs = elapsed(rec.assignedNs, f.TimestampNs)
	}

	t.publish(ev)
}

// Cleanup consumes the socket's record, emits the teardown with the socket
// lifetime when known, and releases any per-socket state held elsewhere.
func (t *CongestionTracker) Cleanup(f Firing, sk SocketID, tuple Tuple, algorithm CCName) {
	ev := CongestionEvent{
		Header:    f.header(),
		Tuple:     tuple,
		Kind:      CCCleanup,
		Algorithm: algorithm,
	}

	if rec, ok := t.sockets.Take(sk); ok {
		ev.Tracked = true
		ev.Assigned = rec.algorithm
		ev.LifetimeNs = elapsed(rec.assignedNs, f.TimestampNs)
	} else {
		t.stats.missing(t.family)
	}

	if t.onCleanup != nil {
		t.onCleanup(sk)
	}

	t.publish(ev)
}

func (t *CongestionTracker) storeStats() []correlation.Stats {
	return []correlation.Stats{t.sockets.Stats()}
}

// CubicKind is the tcp_cubic hook that fired.
type CubicKind uint8

const (
	CubicCongAvoid   CubicKind = 1
	CubicInit        CubicKind = 2
	CubicSsthresh    CubicKind = 3
	CubicStateChange CubicKind = 4
	CubicCwndEvent   CubicKind = 5
	CubicAcked       CubicKind = 6
	CubicHystart     CubicKind = 7
)

func (k CubicKind) String() string {
	switch k {
	case CubicCongAvoid:
		return "cong_avoid"
	case CubicInit:
		return "init"
	case CubicSsthresh:
		return "ssthresh"
	case CubicStateChange:
		return "state_change"
	case CubicCwndEvent:
		return "cwnd_event"
	case CubicAcked:
		return "acked"
	case CubicHystart:
		return "hystart"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// TCPSnapshot is the subset of tcp_sock read at a cubic hook.
type TCPSnapshot struct {
	Cwnd       uint32 `json:"cwnd"`
	Ssthresh   uint32 `json:"ssthresh"`
	PacketsOut uint32 `json:"packets_out"`
	SackedOut  uint32 `json:"sacked_out"`
	LostOut    uint32 `json:"lost_out"`
	RetransOut uint32 `json:"retrans_out"`
	RTTUs      uint32 `json:"rtt_us"`
	MinRTTUs   uint32 `json:"min_rtt_us"`
	MSSCache   uint32 `json:"mss_cache"`
}

// BictcpSnapshot is the CUBIC private state read at a cubic hook.
type BictcpSnapshot struct {
	Cnt            uint32 `json:"cnt"`
	LastMaxCwnd    uint32 `json:"last_max_cwnd"`
	LastCwnd       uint32 `json:"last_cwnd"`
	LastTime       uint32 `json:"last_time"`
	BicOriginPoint uint32 `json:"bic_origin_point"`
	BicK           uint32 `json:"bic_k"`
	DelayMin       uint32 `json:"delay_min"`
	EpochStart     uint32 `json:"epoch_start"`
	AckCnt         uint32 `json:"ack_cnt"`
	TCPCwnd        uint32 `json:"tcp_cwnd"`
	Found          uint8  `json:"found"`
	CurrRTT        uint32 `json:"curr_rtt"`
}

// CubicEvent is one tcp_cubic hook with the socket's TCP and CUBIC state.
// CwndDelta is relative to the last snapshot stored for the socket and is
// only meaningful when HasPrevious is set.
type CubicEvent struct {
	Header
	Tuple
	TCPSnapshot
	BictcpSnapshot
	Kind          CubicKind `json:"kind"`
	Acked         uint32    `json:"acked"`
	Arg           int32     `json:"arg"`
	InSlowStart   bool      `json:"in_slow_start"`
	IsTCPFriendly bool      `json:"is_tcp_friendly"`
	HasPrevious   bool      `json:"has_previous"`
	CwndDelta     int64     `json:"cwnd_delta"`
}

type cubicRecord struct {
	cwnd uint32
}

// CubicTracker reports CUBIC internals and keeps the last congestion window
// seen per socket.
type CubicTracker struct {
	emitter
	sockets *correlation.Store[SocketID, cubicRecord]
}

func newCubicTracker(e emitter, capacity int) *CubicTracker {
	return &CubicTracker{
		emitter: e,
		sockets: correlation.New[SocketID, cubicRecord]("tcp_cubic", capacity),
	}
}

// CubicSample is the decoded state passed to every cubic hook.
type CubicSample struct {
	Socket SocketID
	Tuple  Tuple
	TCP    TCPSnapshot
	Bictcp BictcpSnapshot
}

// CongAvoid reports cubictcp_cong_avoid and stores the window.
func (t *CubicTracker) CongAvoid(f Firing, s CubicSample, acked uint32) {
	ev := t.event(f, s, CubicCongAvoid, true)
	ev.Acked = acked
	t.publish(ev)
}

// Init reports cubictcp_init and stores the window.
func (t *CubicTracker) Init(f Firing, s CubicSample) {
	t.publish(t.event(f, s, CubicInit, true))
}

// RecalcSsthresh reports a loss-driven ssthresh recalculation.
func (t *CubicTracker) RecalcSsthresh(f Firing, s CubicSample) {
	t.publish(t.event(f, s, CubicSsthresh, false))
}

// State reports a congestion-avoidance state change.
func (t *CubicTracker) State(f Firing, s CubicSample, newState uint8) {
	ev := t.event(f, s, CubicStateChange, false)
	ev.Arg = int32(newState)
	t.publish(ev)
}

// CwndEvent reports a cwnd event notification.
func (t *CubicTracker) CwndEvent(f Firing, s CubicSample, event int32) {
	ev := t.event(f, s, CubicCwndEvent, false)
	ev.Arg = event
	t.publish(ev)
}

// Acked reports cubictcp_acked.
func (t *CubicTracker) Acked(f Firing, s CubicSample, acked uint32) {
	ev := t.event(f, s, CubicAcked, false)
	ev.Acked = acked
	t.publish(ev)
}

// HystartUpdate reports a HyStart delay sample, which replaces curr_rtt.
func (t *CubicTracker) HystartUpdate(f Firing, s CubicSample, delay uint32) {
	s.Bictcp.CurrRTT = delay
	t.publish(t.event(f, s, CubicHystart, false))
}

// Forget releases the socket's stored window.
func (t *CubicTracker) Forget(sk SocketID) {
	t.sockets.Drop(sk)
}

func (t *CubicTracker) event(f Firing, s CubicSample, kind CubicKind, store bool) CubicEvent {
	ev := CubicEvent{
		Header:         f.header(),
		Tuple:          s.Tuple,
		TCPSnapshot:    s.TCP,
		BictcpSnapshot: s.Bictcp,
		Kind:           kind,
		InSlowStart:    s.TCP.Cwnd < s.TCP.Ssthresh,
		IsTCPFriendly:  s.Bictcp.TCPCwnd > s.TCP.Cwnd,
	}

	if prev, ok := t.sockets.Get(s.Socket); ok {
		ev.HasPrevious = true
		ev.CwndDelta = int64(s.TCP.Cwnd) - int64(prev.cwnd)
	}

	if store {
		t.sockets.Put(s.Socket, cubicRecord{cwnd: s.TCP.Cwnd})
		t.stats.entered(t.family)
	}

	return ev
}

func (t *CubicTracker) storeStats() []correlation.Stats {
	return []correlation.Stats{t.sockets.Stats()}
}
