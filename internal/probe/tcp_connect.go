package probe

import (
	"fmt"

	"github.com/kernmlops/kerntrace/internal/correlation"
)

// ConnectBranch identifies an instrumented point inside tcp_v4_connect.
type ConnectBranch uint8

const (
	ConnectEntry          ConnectBranch = 0
	ConnectInvalidAddrLen ConnectBranch = 1
	ConnectWrongFamily    ConnectBranch = 2
	ConnectRouteError     ConnectBranch = 3
	ConnectMulticastBcast ConnectBranch = 4
	ConnectNoSrcAddr      ConnectBranch = 5
	ConnectTSReset        ConnectBranch = 6
	ConnectRepairMode     ConnectBranch = 7
	ConnectHashError      ConnectBranch = 8
	ConnectFastOpenDefer  ConnectBranch = 9
	ConnectTCPConnectErr  ConnectBranch = 10
	ConnectENetUnreach    ConnectBranch = 11
	ConnectNewSport       ConnectBranch = 12
	ConnectWriteSeqInit   ConnectBranch = 13
	ConnectSuccess        ConnectBranch = 14
	ConnectSrcBindFail    ConnectBranch = 15
	ConnectPortExhausted  ConnectBranch = 16
	ConnectRouteLookup    ConnectBranch = 17
	ConnectPortAlloc      ConnectBranch = 18
	ConnectRegularSYN     ConnectBranch = 19
	ConnectErrorPath      ConnectBranch = 20
)

var connectBranchNames = [...]string{
	"entry", "invalid_addrlen", "wrong_family", "route_error", "multicast_bcast",
	"no_src_addr", "ts_reset", "repair_mode", "hash_error", "fastopen_defer",
	"tcp_connect_err", "enetunreach", "new_sport", "write_seq_init", "success",
	"src_bind_fail", "port_exhausted", "route_lookup", "port_alloc", "regular_syn",
	"error_path",
}

// Valid reports whether b is a defined branch.
func (b ConnectBranch) Valid() bool { return b <= ConnectErrorPath }

func (b ConnectBranch) String() string {
	if int(b) < len(connectBranchNames) {
		return connectBranchNames[b]
	}

	return fmt.Sprintf("unknown(%d)", b)
}

// ConnectPath classifies how a connect attempt progressed.
type ConnectPath uint8

const (
	PathFast     ConnectPath = 0
	PathSlow     ConnectPath = 1
	PathError    ConnectPath = 2
	PathFastOpen ConnectPath = 3
)

func (p ConnectPath) String() string {
	switch p {
	case PathFast:
		return "fast"
	case PathSlow:
		return "slow"
	case PathError:
		return "error"
	case PathFastOpen:
		return "fastopen"
	default:
		return fmt.Sprintf("unknown(%d)", p)
	}
}

// Errno values reported by the connect tracker.
const (
	ErrnoENOMEM        int32 = -12
	ErrnoEINVAL        int32 = -22
	ErrnoEAFNOSUPPORT  int32 = -97
	ErrnoEADDRINUSE    int32 = -98
	ErrnoEADDRNOTAVAIL int32 = -99
	ErrnoENETUNREACH   int32 = -101
)

// ErrnoName returns the symbolic name of a negated errno.
func ErrnoName(code int32) string {
	switch code {
	case 0:
		return "OK"
	case ErrnoENOMEM:
		return "ENOMEM"
	case ErrnoEINVAL:
		return "EINVAL"
	case ErrnoEAFNOSUPPORT:
		return "EAFNOSUPPORT"
	case ErrnoEADDRINUSE:
		return "EADDRINUSE"
	case ErrnoEADDRNOTAVAIL:
		return "EADDRNOTAVAIL"
	case ErrnoENETUNREACH:
		return "ENETUNREACH"
	default:
		return fmt.Sprintf("errno(%d)", code)
	}
}

// Aggregate array sizes.
const (
	ConnectBranchSlots = 32
	ConnectPathSlots   = 4
	ConnectErrorSlots  = 8
)

// errorClassNames labels the error aggregate slots.
var errorClassNames = [ConnectErrorSlots]string{
	1: "invalid_addrlen",
	2: "wrong_family",
	3: "route_error",
	4: "multicast_bcast",
	5: "src_bind_fail",
}

// ErrorClassName returns the label of an error aggregate slot, or ""
// for unused slots.
func ErrorClassName(slot int) string {
	if slot < 0 || slot >= ConnectErrorSlots {
		return ""
	}

	return errorClassNames[slot]
}

// connectRule describes what an interior branch records.
type connectRule struct {
	setsPath bool
	path     ConnectPath
	// errCode is a fixed error code; useRet takes it from the register.
	errCode int32
	useRet  bool
	// errClass indexes the error aggregate; zero means none.
	errClass int
}

var connectRules = map[ConnectBranch]connectRule{
	ConnectInvalidAddrLen: {setsPath: true, path: PathError, errCode: ErrnoEINVAL, errClass: 1},
	ConnectWrongFamily:    {setsPath: true, path: PathError, errCode: ErrnoEAFNOSUPPORT, errClass: 2},
	ConnectRouteError:     {setsPath: true, path: PathError, useRet: true, errClass: 3},
	ConnectMulticastBcast: {setsPath: true, path: PathError, errCode: ErrnoENETUNREACH, errClass: 4},
	ConnectSrcBindFail:    {setsPath: true, path: PathError, useRet: true, errClass: 5},
	ConnectHashError:      {setsPath: true, path: PathError},
	ConnectTCPConnectErr:  {setsPath: true, path: PathError, useRet: true},
	ConnectENetUnreach:    {setsPath: true, path: PathError, errCode: ErrnoENETUNREACH},
	ConnectErrorPath:      {setsPath: true, path: PathError},
	ConnectFastOpenDefer:  {setsPath: true, path: PathFastOpen},
	ConnectRegularSYN:     {setsPath: true, path: PathSlow},
}

// ConnectEvent is one observation of a tcp_v4_connect call. Every interior
// branch and the closing return each produce one, all sharing the execution
// context. LatencyNs is measured from the entry.
type ConnectEvent struct {
	Header
	Tuple
	Branch    ConnectBranch `json:"branch"`
	Path      ConnectPath   `json:"path"`
	ErrorCode int32         `json:"error_code"`
	Closing   bool          `json:"closing"`
	LatencyNs int64         `json:"latency_ns"`
}

type connectRecord struct {
	startNs    uint64
	tuple      Tuple
	branch     ConnectBranch
	path       ConnectPath
	pathSet    bool
	errCode    int32
	failed     bool
	failBranch ConnectBranch
}

// ConnectTracker threads one record through the interior branches of
// tcp_v4_connect.
type ConnectTracker struct {
	emitter
	inflight *correlation.Store[ExecContext, connectRecord]

	branches *Counters
	paths    *Counters
	errors   *Counters
}

func newConnectTracker(e emitter, capacity int) *ConnectTracker {
	return &ConnectTracker{
		emitter:  e,
		inflight: correlation.New[ExecContext, connectRecord]("tcp_connect", capacity),
		branches: NewCounters(ConnectBranchSlots),
		paths:    NewCounters(ConnectPathSlots),
		errors:   NewCounters(ConnectErrorSlots),
	}
}

// BranchCounts returns per-branch hit counts.
func (t *ConnectTracker) BranchCounts() *Counters { return t.branches }

// PathCounts returns per-path completion counts.
func (t *ConnectTracker) PathCounts() *Counters { return t.paths }

// ErrorCounts returns per-class error counts.
func (t *ConnectTracker) ErrorCounts() *Counters { return t.errors }

// Enter snapshots the connection tuple. The entry itself is counted but not
// published; the first event of an attempt is its first branch.
func (t *ConnectTracker) Enter(f Firing, tuple Tuple) {
	t.inflight.Put(f.Ctx, connectRecord{
		startNs: f.TimestampNs,
		tuple:   tuple,
		branch:  ConnectEntry,
	})
	t.stats.entered(t.family)
	t.branches.Inc(int(ConnectEntry))
}

// Branch records an interior branch hit. ret is the return register at the
// branch point, used by branches that report a callee's error.
func (t *ConnectTracker) Branch(f Firing, b ConnectBranch, ret int32) {
	if !b.Valid() {
		return
	}

	rule := connectRules[b]

	rec, ok := t.inflight.Update(f.Ctx, func(r *connectRecord) {
		r.branch = b

		if rule.setsPath {
			r.path = rule.path
			r.pathSet = true
		}

		switch {
		case rule.useRet:
			r.errCode = ret
		case rule.errCode != 0:
			r.errCode = rule.errCode
		}

		if rule.setsPath && rule.path == PathError {
			r.failed = true
			r.failBranch = b
		}
	})
	if !ok {
		t.stats.missing(t.family)

		return
	}

	t.branches.Inc(int(b))

	if rule.errClass != 0 {
		t.errors.Inc(rule.errClass)
	}

	t.publish(ConnectEvent{
		Header:    f.header(),
		Tuple:     rec.tuple,
		Branch:    b,
		Path:      rec.path,
		ErrorCode: rec.errCode,
		LatencyNs: elapsed(rec.startNs, f.TimestampNs),
	})
}

// Return consumes the record and emits the closing event. A zero result is
// a success on whichever non-error path was recorded, defaulting to the
// fast path. Otherwise the path is error and the branch is the failure
// already recorded, or error_path when none was.
func (t *ConnectTracker) Return(f Firing, ret int32) {
	rec, ok := t.inflight.Take(f.Ctx)
	if !ok {
		t.stats.missing(t.family)

		return
	}

	ev := ConnectEvent{
		Header:    f.header(),
		Tuple:     rec.tuple,
		ErrorCode: ret,
		Closing:   true,
		LatencyNs: elapsed(rec.startNs, f.TimestampNs),
	}

	if ret == 0 {
		ev.Branch = ConnectSuccess
		ev.Path = PathFast

		if rec.pathSet && (rec.path == PathSlow || rec.path == PathFastOpen) {
			ev.Path = rec.path
		}
	} else {
		ev.Branch = ConnectErrorPath
		ev.Path = PathError

		if rec.failed {
			ev.Branch = rec.failBranch
		}
	}

	t.branches.Inc(int(ev.Branch))
	t.paths.Inc(int(ev.Path))

	t.publish(ev)
}

func (t *ConnectTracker) storeStats() []correlation.Stats {
	return []correlation.Stats{t.inflight.Stats()}
}
