package probe

import (
	"bytes"
	"encoding/binary"
	"net/netip"
)

// ExecContext is the execution-context key: the owning thread group id in
// the upper 32 bits and the thread id in the lower 32 bits, as returned by
// bpf_get_current_pid_tgid. It identifies one in-flight operation only and is
// reused by the kernel over time.
type ExecContext uint64

// NewExecContext builds a key from a thread group id and thread id.
func NewExecContext(tgid, tid uint32) ExecContext {
	return ExecContext(uint64(tgid)<<32 | uint64(tid))
}

// TID returns the scheduling thread id.
func (c ExecContext) TID() uint32 { return uint32(c) }

// TGID returns the owning process id.
func (c ExecContext) TGID() uint32 { return uint32(c >> 32) }

// Firing is the common context captured by every probe when it fires.
type Firing struct {
	Ctx         ExecContext
	TimestampNs uint64
	CPU         uint32
	Comm        [16]byte
}

// Header carries the identity fields shared by every event.
type Header struct {
	TimestampNs uint64   `json:"timestamp_ns"`
	PID         uint32   `json:"pid"`
	TGID        uint32   `json:"tgid"`
	CPU         uint32   `json:"cpu"`
	Comm        [16]byte `json:"-"`
}

// EventHeader returns the header itself, promoted onto every event type.
func (h Header) EventHeader() Header { return h }

// CommString returns the command name without trailing NULs.
func (h Header) CommString() string {
	if i := bytes.IndexByte(h.Comm[:], 0); i >= 0 {
		return string(h.Comm[:i])
	}

	return string(h.Comm[:])
}

func (f Firing) header() Header {
	return Header{
		TimestampNs: f.TimestampNs,
		PID:         f.Ctx.TID(),
		TGID:        f.Ctx.TGID(),
		CPU:         f.CPU,
		Comm:        f.Comm,
	}
}

// elapsed returns end - start as a signed value. Clock anomalies surface as
// zero or negative durations and are passed through unchanged.
func elapsed(startNs, endNs uint64) int64 {
	return int64(endNs) - int64(startNs)
}

// Tuple is an IPv4 connection four-tuple as read from kernel memory:
// addresses and ports are in network byte order.
type Tuple struct {
	SAddr uint32 `json:"-"`
	DAddr uint32 `json:"-"`
	SPort uint16 `json:"-"`
	DPort uint16 `json:"-"`
}

// Src returns the source address and host-order port.
func (t Tuple) Src() netip.AddrPort {
	return netip.AddrPortFrom(addr4(t.SAddr), ntohs(t.SPort))
}

// Dst returns the destination address and host-order port.
func (t Tuple) Dst() netip.AddrPort {
	return netip.AddrPortFrom(addr4(t.DAddr), ntohs(t.DPort))
}

// TupleFrom builds a Tuple from host-order values.
func TupleFrom(src, dst netip.AddrPort) Tuple {
	return Tuple{
		SAddr: be32(src.Addr()),
		DAddr: be32(dst.Addr()),
		SPort: htons(src.Port()),
		DPort: htons(dst.Port()),
	}
}

func addr4(v uint32) netip.Addr {
	var b [4]byte

	binary.LittleEndian.PutUint32(b[:], v)

	return netip.AddrFrom4(b)
}

func be32(a netip.Addr) uint32 {
	if !a.Is4() {
		return 0
	}

	b := a.As4()

	return binary.LittleEndian.Uint32(b[:])
}

func ntohs(v uint16) uint16 { return v<<8 | v>>8 }

func htons(v uint16) uint16 { return v<<8 | v>>8 }
