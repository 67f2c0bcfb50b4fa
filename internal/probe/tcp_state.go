package probe

import (
	"fmt"
	"sync/atomic"

	"github.com/kernmlops/kerntrace/internal/correlation"
)

// TCPState is a socket state from include/net/tcp_states.h.
type TCPState uint8

const (
	StateUnset       TCPState = 0
	StateEstablished TCPState = 1
	StateSynSent     TCPState = 2
	StateSynRecv     TCPState = 3
	StateFinWait1    TCPState = 4
	StateFinWait2    TCPState = 5
	StateTimeWait    TCPState = 6
	StateClose       TCPState = 7
	StateCloseWait   TCPState = 8
	StateLastAck     TCPState = 9
	StateListen      TCPState = 10
	StateClosing     TCPState = 11
	StateNewSynRecv  TCPState = 12
)

var tcpStateNames = [...]string{
	"UNSET", "ESTABLISHED", "SYN_SENT", "SYN_RECV", "FIN_WAIT1", "FIN_WAIT2",
	"TIME_WAIT", "CLOSE", "CLOSE_WAIT", "LAST_ACK", "LISTEN", "CLOSING",
	"NEW_SYN_RECV",
}

func (s TCPState) String() string {
	if int(s) < len(tcpStateNames) {
		return tcpStateNames[s]
	}

	return fmt.Sprintf("STATE(%d)", s)
}

// StateEventType is the coarse classification of a state event.
type StateEventType uint8

const (
	StateTransition StateEventType = 0
	StateError      StateEventType = 1
	StateProcessing StateEventType = 2
)

func (t StateEventType) String() string {
	switch t {
	case StateTransition:
		return "transition"
	case StateError:
		return "error"
	case StateProcessing:
		return "processing"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// StateSubtype refines error and processing events.
type StateSubtype uint8

const (
	SubtypeNone         StateSubtype = 0
	SubtypeChallengeAck StateSubtype = 1
	SubtypeReset        StateSubtype = 2
	SubtypeFastOpen     StateSubtype = 3
	SubtypeAckProcess   StateSubtype = 4
	SubtypeDataQueue    StateSubtype = 5
	SubtypeAbortData    StateSubtype = 6
)

var stateSubtypeNames = [...]string{
	"none", "challenge_ack", "reset", "fast_open", "ack_process", "data_queue", "abort_data",
}

func (s StateSubtype) String() string {
	if int(s) < len(stateSubtypeNames) {
		return stateSubtypeNames[s]
	}

	return fmt.Sprintf("unknown(%d)", s)
}

// StateBranch identifies an instrumented point inside tcp_rcv_state_process.
type StateBranch uint8

const (
	StateBranchListen               StateBranch = 0
	StateBranchSynSent              StateBranch = 1
	StateBranchSynRecvToEstablished StateBranch = 2
	StateBranchFinWait1ToFinWait2   StateBranch = 3
	StateBranchToTimeWait           StateBranch = 4
	StateBranchLastAck              StateBranch = 5
	StateBranchChallengeAck         StateBranch = 6
	StateBranchReset                StateBranch = 7
	StateBranchFastOpen             StateBranch = 8
	StateBranchAckProcessing        StateBranch = 9
	StateBranchDataQueue            StateBranch = 10
	StateBranchAbortOnData          StateBranch = 11
	StateBranchReturn               StateBranch = 12
)

var stateBranchNames = [...]string{
	"listen", "syn_sent", "syn_recv_to_established", "fin_wait1_to_fin_wait2",
	"to_time_wait", "last_ack", "challenge_ack", "reset", "fast_open",
	"ack_processing", "data_queue", "abort_on_data", "return",
}

// Valid reports whether b is an interior branch. The return point has its
// own firing.
func (b StateBranch) Valid() bool { return b < StateBranchReturn }

func (b StateBranch) String() string {
	if int(b) < len(stateBranchNames) {
		return stateBranchNames[b]
	}

	return fmt.Sprintf("unknown(%d)", b)
}

// stateRule describes what an interior branch reports. A zero old state
// means the socket's current state; a zero new state leaves it unchanged.
type stateRule struct {
	oldState TCPState
	newState TCPState
	kind     StateEventType
	subtype  StateSubtype
}

var stateRules = [...]stateRule{
	StateBranchListen:               {StateListen, StateListen, StateProcessing, SubtypeNone},
	StateBranchSynSent:              {StateSynSent, StateSynSent, StateProcessing, SubtypeNone},
	StateBranchSynRecvToEstablished: {StateSynRecv, StateEstablished, StateTransition, SubtypeNone},
	StateBranchFinWait1ToFinWait2:   {StateFinWait1, StateFinWait2, StateTransition, SubtypeNone},
	StateBranchToTimeWait:           {StateUnset, StateTimeWait, StateTransition, SubtypeNone},
	StateBranchLastAck:              {StateLastAck, StateLastAck, StateProcessing, SubtypeNone},
	StateBranchChallengeAck:         {StateUnset, StateUnset, StateError, SubtypeChallengeAck},
	StateBranchReset:                {StateUnset, StateUnset, StateError, SubtypeReset},
	StateBranchFastOpen:             {StateUnset, StateUnset, StateProcessing, SubtypeFastOpen},
	StateBranchAckProcessing:        {StateUnset, StateUnset, StateProcessing, SubtypeAckProcess},
	StateBranchDataQueue:            {StateUnset, StateUnset, StateProcessing, SubtypeDataQueue},
	StateBranchAbortOnData:          {StateUnset, StateUnset, StateError, SubtypeAbortData},
}

// StateStats is the singleton aggregate of tcp_rcv_state_process activity.
type StateStats struct {
	TotalCalls           uint64 `json:"total_calls"`
	ListenState          uint64 `json:"listen_state"`
	SynSentState         uint64 `json:"syn_sent_state"`
	SynRecvToEstablished uint64 `json:"syn_recv_to_established"`
	FinWait1ToFinWait2   uint64 `json:"fin_wait1_to_fin_wait2"`
	ToTimeWait           uint64 `json:"to_time_wait"`
	ToLastAck            uint64 `json:"to_last_ack"`
	ChallengeAcks        uint64 `json:"challenge_acks"`
	Resets               uint64 `json:"resets"`
	FastOpenChecks       uint64 `json:"fast_open_checks"`
	AckProcessing        uint64 `json:"ack_processing"`
	DataQueued           uint64 `json:"data_queued"`
	AbortOnData          uint64 `json:"abort_on_data"`
}

// StateEvent is one observation of a tcp_rcv_state_process call.
type StateEvent struct {
	Header
	Branch    StateBranch    `json:"branch"`
	OldState  TCPState       `json:"old_state"`
	NewState  TCPState       `json:"new_state"`
	Type      StateEventType `json:"event_type"`
	Subtype   StateSubtype   `json:"event_subtype"`
	Ret       int32          `json:"ret"`
	LatencyNs int64          `json:"latency_ns"`
}

type stateRecord struct {
	startNs    uint64
	entryState TCPState
	state      TCPState
	// failed is set by the first error branch; subtype is its class.
	failed  bool
	subtype StateSubtype
}

// StateTracker follows one socket through tcp_rcv_state_process and keeps
// session-lifetime aggregates that are never evicted.
type StateTracker struct {
	emitter
	inflight     *correlation.Store[ExecContext, stateRecord]
	distribution *correlation.Store[TCPState, uint64]

	totalCalls atomic.Uint64
	branches   [StateBranchReturn]atomic.Uint64
}

// stateDistributionSlots covers every 8-bit state value.
const stateDistributionSlots = 256

func newStateTracker(e emitter, capacity int) *StateTracker {
	return &StateTracker{
		emitter:      e,
		inflight:     correlation.New[ExecContext, stateRecord]("tcp_state", capacity),
		distribution: correlation.New[TCPState, uint64]("tcp_state_distribution", stateDistributionSlots),
	}
}

// Enter counts the call, tallies the socket's current state and opens a
// record for the call.
func (t *StateTracker) Enter(f Firing, state TCPState) {
	t.totalCalls.Add(1)
	correlation.UpsertCounter(t.distribution, state, 1)

	t.inflight.Put(f.Ctx, stateRecord{
		startNs:    f.TimestampNs,
		entryState: state,
		state:      state,
	})
	t.stats.entered(t.family)
}

// Branch counts the branch hit and, when a record is open, applies the
// branch's state change and emits an event.
func (t *StateTracker) Branch(f Firing, b StateBranch) {
	if !b.Valid() {
		return
	}

	t.branches[b].Add(1)

	rule := stateRules[b]

	var old TCPState

	rec, ok := t.inflight.Update(f.Ctx, func(r *stateRecord) {
		old = r.state
		if rule.newState != StateUnset {
			r.state = rule.newState
		}

		if rule.kind == StateError && !r.failed {
			r.failed = true
			r.subtype = rule.subtype
		}
	})
	if !ok {
		t.stats.missing(t.family)

		return
	}

	if rule.oldState != StateUnset {
		old = rule.oldState
	}

	t.publish(StateEvent{
		Header:    f.header(),
		Branch:    b,
		OldState:  old,
		NewState:  rec.state,
		Type:      rule.kind,
		Subtype:   rule.subtype,
		LatencyNs: elapsed(rec.startNs, f.TimestampNs),
	})
}

// Return consumes the record and emits the closing event. A call that hit
// an error branch closes as that error; otherwise it is a transition when
// the state moved during the call and processing when it did not.
func (t *StateTracker) Return(f Firing, ret int32) {
	rec, ok := t.inflight.Take(f.Ctx)
	if !ok {
		t.stats.missing(t.family)

		return
	}

	kind := StateProcessing
	subtype := SubtypeNone

	switch {
	case rec.failed:
		kind = StateError
		subtype = rec.subtype
	case rec.state != rec.entryState:
		kind = StateTransition
	}

	t.publish(StateEvent{
		Header:    f.header(),
		Branch:    StateBranchReturn,
		OldState:  rec.entryState,
		NewState:  rec.state,
		Type:      kind,
		Subtype:   subtype,
		Ret:       ret,
		LatencyNs: elapsed(rec.startNs, f.TimestampNs),
	})
}

// Stats returns the current singleton aggregate.
func (t *StateTracker) Stats() StateStats {
	return StateStats{
		TotalCalls:           t.totalCalls.Load(),
		ListenState:          t.branches[StateBranchListen].Load(),
		SynSentState:         t.branches[StateBranchSynSent].Load(),
		SynRecvToEstablished: t.branches[StateBranchSynRecvToEstablished].Load(),
		FinWait1ToFinWait2:   t.branches[StateBranchFinWait1ToFinWait2].Load(),
		ToTimeWait:           t.branches[StateBranchToTimeWait].Load(),
		ToLastAck:            t.branches[StateBranchLastAck].Load(),
		ChallengeAcks:        t.branches[StateBranchChallengeAck].Load(),
		Resets:               t.branches[StateBranchReset].Load(),
		FastOpenChecks:       t.branches[StateBranchFastOpen].Load(),
		AckProcessing:        t.branches[StateBranchAckProcessing].Load(),
		DataQueued:           t.branches[StateBranchDataQueue].Load(),
		AbortOnData:          t.branches[StateBranchAbortOnData].Load(),
	}
}

// BranchCounts returns the hit count of every interior branch, indexed by
// StateBranch.
func (t *StateTracker) BranchCounts() []uint64 {
	out := make([]uint64, len(t.branches))
	for i := range t.branches {
		out[i] = t.branches[i].Load()
	}

	return out
}

// Distribution returns how often each entry state was observed.
func (t *StateTracker) Distribution() map[TCPState]uint64 {
	out := make(map[TCPState]uint64, t.distribution.Len())

	t.distribution.Range(func(s TCPState, n uint64) bool {
		out[s] = n

		return true
	})

	return out
}

func (t *StateTracker) storeStats() []correlation.Stats {
	return []correlation.Stats{t.inflight.Stats(), t.distribution.Stats()}
}
