package sink

import (
	"time"

	"github.com/kernmlops/kerntrace/internal/probe"
)

// rawRow is one row of the wide kernel_events table. Columns a family
// does not use stay at their zero value.
type rawRow struct {
	TimestampNs uint64
	EventTime   time.Time
	Family      string
	Kind        string
	PID         uint32
	TGID        uint32
	CPU         uint32
	Comm        string
	LatencyNs   int64
	Ret         int64
	Failed      bool

	Address   uint64
	Length    uint64
	Flags     uint32
	Major     bool
	Write     bool
	OwnerPID  uint32
	OwnerTGID uint32
	SizeBytes int64
	Pages     int64

	SrcAddr    string
	SrcPort    uint16
	DstAddr    string
	DstPort    uint16
	Branch     string
	Path       string
	DropReason string
	OldState   string
	NewState   string
	Subtype    string
	Algorithm  string
	Cwnd       uint32
	Ssthresh   uint32
	RTTUs      uint32
	CwndDelta  int64
}

// rawColumns lists the kernel_events columns in rawRow.values order.
const rawColumns = "timestamp_ns, event_time, meta_host_name, family, kind, pid, tgid, cpu, comm, " +
	"latency_ns, ret, failed, address, length, flags, major, write, owner_pid, owner_tgid, " +
	"size_bytes, pages, src_addr, src_port, dst_addr, dst_port, branch, path, drop_reason, " +
	"old_state, new_state, subtype, algorithm, cwnd, ssthresh, rtt_us, cwnd_delta"

func (r *rawRow) values(host string) []any {
	return []any{
		r.TimestampNs, r.EventTime, host, r.Family, r.Kind, r.PID, r.TGID, r.CPU, r.Comm,
		r.LatencyNs, r.Ret, r.Failed, r.Address, r.Length, r.Flags, r.Major, r.Write,
		r.OwnerPID, r.OwnerTGID, r.SizeBytes, r.Pages, r.SrcAddr, r.SrcPort, r.DstAddr,
		r.DstPort, r.Branch, r.Path, r.DropReason, r.OldState, r.NewState, r.Subtype,
		r.Algorithm, r.Cwnd, r.Ssthresh, r.RTTUs, r.CwndDelta,
	}
}

func (r *rawRow) setTuple(t probe.Tuple) {
	src, dst := t.Src(), t.Dst()

	r.SrcAddr = src.Addr().String()
	r.SrcPort = src.Port()
	r.DstAddr = dst.Addr().String()
	r.DstPort = dst.Port()
}

func toRawRow(event probe.Event, clock WallClock) rawRow {
	h := event.EventHeader()

	row := rawRow{
		TimestampNs: h.TimestampNs,
		Family:      event.Family().String(),
		PID:         h.PID,
		TGID:        h.TGID,
		CPU:         h.CPU,
		Comm:        h.CommString(),
	}

	if clock != nil {
		row.EventTime = clock.WallTime(h.TimestampNs)
	}

	switch e := event.(type) {
	case probe.PageFaultEvent:
		row.Kind = "minor"
		if e.IsMajor {
			row.Kind = "major"
		}

		row.Address = e.Address
		row.Flags = e.Flags
		row.Ret = int64(e.Result)
		row.Major = e.IsMajor
		row.Write = e.IsWrite
		row.LatencyNs = e.LatencyNs
	case probe.MadviseEvent:
		row.Kind = e.Advice.String()
		row.OwnerTGID = e.OwnerTGID
		row.Address = e.Address
		row.Length = e.Length
		row.Ret = int64(e.Ret)
		row.Failed = e.Failed
		row.LatencyNs = e.LatencyNs
	case probe.UnmapEvent:
		row.Kind = "range"
		if e.Huge {
			row.Kind = "huge"
		}

		row.OwnerTGID = e.OwnerTGID
		row.Address = e.Start
		row.Length = e.Length()
		row.LatencyNs = e.LatencyNs
	case probe.RSSStatEvent:
		row.Kind = e.Member.String()
		row.OwnerPID = e.OwnerPID
		row.OwnerTGID = e.OwnerTGID
		row.SizeBytes = e.SizeBytes
		row.Pages = e.Pages
	case probe.ZswapEvent:
		row.Kind = e.Op.String()
		row.Ret = e.Ret
		row.LatencyNs = e.LatencyNs
	case probe.ConnectEvent:
		row.Kind = "branch"
		if e.Closing {
			row.Kind = "return"
		}

		row.setTuple(e.Tuple)
		row.Branch = e.Branch.String()
		row.Path = e.Path.String()
		row.Ret = int64(e.ErrorCode)
		row.Failed = e.ErrorCode != 0
		row.LatencyNs = e.LatencyNs
	case probe.ReceiveEvent:
		row.Kind = "branch"
		if e.Branch == probe.ReceiveReturn {
			row.Kind = "return"
		}

		row.setTuple(e.Tuple)
		row.Branch = e.Branch.String()
		row.DropReason = e.DropReason.String()
		row.Ret = int64(e.Ret)
		row.Failed = e.DropReason != probe.DropNone
		row.LatencyNs = e.LatencyNs
	case probe.StateEvent:
		row.Kind = e.Type.String()
		row.Branch = e.Branch.String()
		row.OldState = e.OldState.String()
		row.NewState = e.NewState.String()
		row.Subtype = e.Subtype.String()
		row.Ret = int64(e.Ret)
		row.Failed = e.Type == probe.StateError
		row.LatencyNs = e.LatencyNs
	case probe.CongestionEvent:
		row.Kind = e.Kind.String()
		row.setTuple(e.Tuple)
		row.Algorithm = e.Algorithm.String()
		row.LatencyNs = e.LifetimeNs
	case probe.CubicEvent:
		row.Kind = e.Kind.String()
		row.setTuple(e.Tuple)
		row.Algorithm = "cubic"
		row.Ret = int64(e.Arg)
		row.Cwnd = e.Cwnd
		row.Ssthresh = e.Ssthresh
		row.RTTUs = e.RTTUs
		row.CwndDelta = e.CwndDelta
	}

	return row
}
