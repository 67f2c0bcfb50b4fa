package sink

import (
	"time"
)

// RawEventJSON is the NDJSON schema of a kernel_events row.
type RawEventJSON struct {
	TimestampNs  uint64 `json:"timestamp_ns"`
	EventTime    string `json:"event_time,omitempty"`
	MetaHostName string `json:"meta_host_name,omitempty"`
	Family       string `json:"family"`
	Kind         string `json:"kind"`
	PID          uint32 `json:"pid"`
	TGID         uint32 `json:"tgid"`
	CPU          uint32 `json:"cpu"`
	Comm         string `json:"comm"`
	LatencyNs    int64  `json:"latency_ns,omitempty"`
	Ret          int64  `json:"ret,omitempty"`
	Failed       bool   `json:"failed,omitempty"`

	Address   uint64 `json:"address,omitempty"`
	Length    uint64 `json:"length,omitempty"`
	Flags     uint32 `json:"flags,omitempty"`
	Major     bool   `json:"major,omitempty"`
	Write     bool   `json:"write,omitempty"`
	OwnerPID  uint32 `json:"owner_pid,omitempty"`
	OwnerTGID uint32 `json:"owner_tgid,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Pages     int64  `json:"pages,omitempty"`

	SrcAddr    string `json:"src_addr,omitempty"`
	SrcPort    uint16 `json:"src_port,omitempty"`
	DstAddr    string `json:"dst_addr,omitempty"`
	DstPort    uint16 `json:"dst_port,omitempty"`
	Branch     string `json:"branch,omitempty"`
	Path       string `json:"path,omitempty"`
	DropReason string `json:"drop_reason,omitempty"`
	OldState   string `json:"old_state,omitempty"`
	NewState   string `json:"new_state,omitempty"`
	Subtype    string `json:"subtype,omitempty"`
	Algorithm  string `json:"algorithm,omitempty"`
	Cwnd       uint32 `json:"cwnd,omitempty"`
	Ssthresh   uint32 `json:"ssthresh,omitempty"`
	RTTUs      uint32 `json:"rtt_us,omitempty"`
	CwndDelta  int64  `json:"cwnd_delta,omitempty"`
}

func toRawEventJSON(row *rawRow, host string) RawEventJSON {
	ev := RawEventJSON{
		TimestampNs:  row.TimestampNs,
		MetaHostName: host,
		Family:       row.Family,
		Kind:         row.Kind,
		PID:          row.PID,
		TGID:         row.TGID,
		CPU:          row.CPU,
		Comm:         row.Comm,
		LatencyNs:    row.LatencyNs,
		Ret:          row.Ret,
		Failed:       row.Failed,
		Address:      row.Address,
		Length:       row.Length,
		Flags:        row.Flags,
		Major:        row.Major,
		Write:        row.Write,
		OwnerPID:     row.OwnerPID,
		OwnerTGID:    row.OwnerTGID,
		SizeBytes:    row.SizeBytes,
		Pages:        row.Pages,
		SrcAddr:      row.SrcAddr,
		SrcPort:      row.SrcPort,
		DstAddr:      row.DstAddr,
		DstPort:      row.DstPort,
		Branch:       row.Branch,
		Path:         row.Path,
		DropReason:   row.DropReason,
		OldState:     row.OldState,
		NewState:     row.NewState,
		Subtype:      row.Subtype,
		Algorithm:    row.Algorithm,
		Cwnd:         row.Cwnd,
		Ssthresh:     row.Ssthresh,
		RTTUs:        row.RTTUs,
		CwndDelta:    row.CwndDelta,
	}

	if !row.EventTime.IsZero() {
		ev.EventTime = row.EventTime.Format(time.RFC3339Nano)
	}

	return ev
}
