package tracer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kernmlops/kerntrace/internal/probe"
)

// Decoder errors.
var (
	ErrTruncated     = errors.New("truncated firing")
	ErrUnknownProbe  = errors.New("unknown probe id")
	ErrUnknownBranch = errors.New("unknown branch")
)

// firingHeaderSize is the fixed prefix of every firing:
// u64 ts_ns | u64 pid_tgid | u16 probe_id | u16 pad | u32 pad | comm[16].
const firingHeaderSize = 40

type rawHeader struct {
	TimestampNs uint64
	PidTgid     uint64
	Probe       uint16
	_           uint16
	_           uint32
	Comm        [16]byte
}

type rawPageFaultEnter struct {
	Address uint64
	Flags   uint32
	_       uint32
}

type rawPageFaultExit struct {
	Result uint32
	_      uint32
}

type rawMadviseEnter struct {
	OwnerTGID uint32
	Advice    int32
	Address   uint64
	Length    uint64
}

type rawRet struct {
	Ret int32
	_   uint32
}

type rawUnmapEnter struct {
	OwnerTGID uint32
	Huge      uint8
	_         [3]byte
	Start     uint64
	End       uint64
}

type rawRSSOwner struct {
	OwnerPID  uint32
	OwnerTGID uint32
}

type rawRSSValue struct {
	Member int32
	_      uint32
	Size   int64
}

type rawZswapExit struct {
	Ret int64
}

type rawConnectBranch struct {
	Branch uint8
	_      [3]byte
	Ret    int32
}

type rawByte struct {
	Value uint8
	_     [7]byte
}

type rawCongestion struct {
	Socket    uint64
	Tuple     probe.Tuple
	_         uint32
	Algorithm probe.CCName
}

type rawBictcp struct {
	Cnt            uint32
	LastMaxCwnd    uint32
	LastCwnd       uint32
	LastTime       uint32
	BicOriginPoint uint32
	BicK           uint32
	DelayMin       uint32
	EpochStart     uint32
	AckCnt         uint32
	TCPCwnd        uint32
	Found          uint8
	_              [3]byte
	CurrRTT        uint32
}

type rawCubic struct {
	Socket uint64
	Tuple  probe.Tuple
	Arg    uint32
	TCP    probe.TCPSnapshot
	Bictcp rawBictcp
}

func (b rawBictcp) snapshot() probe.BictcpSnapshot {
	return probe.BictcpSnapshot{
		Cnt:            b.Cnt,
		LastMaxCwnd:    b.LastMaxCwnd,
		LastCwnd:       b.LastCwnd,
		LastTime:       b.LastTime,
		BicOriginPoint: b.BicOriginPoint,
		BicK:           b.BicK,
		DelayMin:       b.DelayMin,
		EpochStart:     b.EpochStart,
		AckCnt:         b.AckCnt,
		TCPCwnd:        b.TCPCwnd,
		Found:          b.Found,
		CurrRTT:        b.CurrRTT,
	}
}

func (c rawCubic) sample() probe.CubicSample {
	return probe.CubicSample{
		Socket: probe.SocketID(c.Socket),
		Tuple:  c.Tuple,
		TCP:    c.TCP,
		Bictcp: c.Bictcp.snapshot(),
	}
}

// Dispatcher decodes raw firings and invokes the matching session handler.
// It is safe for concurrent use to the same extent the session is.
type Dispatcher struct {
	session *probe.Session
	stats   *FiringStats
}

// NewDispatcher creates a dispatcher feeding the given session.
func NewDispatcher(session *probe.Session) *Dispatcher {
	return &Dispatcher{
		session: session,
		stats:   NewFiringStats(),
	}
}

// Stats returns the per-probe firing counters.
func (d *Dispatcher) Stats() *FiringStats {
	return d.stats
}

// Dispatch decodes one firing read from the given CPU's buffer and hands it
// to the session. Decode failures are counted and returned.
func (d *Dispatcher) Dispatch(cpu uint32, data []byte) error {
	id, err := d.dispatch(cpu, data)
	if err != nil {
		d.stats.recordError()

		return err
	}

	d.stats.Record(id)

	return nil
}

func (d *Dispatcher) dispatch(cpu uint32, data []byte) (ProbeID, error) {
	if len(data) < firingHeaderSize {
		return 0, fmt.Errorf("%w: header needs %d bytes, got %d", ErrTruncated, firingHeaderSize, len(data))
	}

	r := bytes.NewReader(data)

	var hdr rawHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return 0, fmt.Errorf("decoding header: %w", err)
	}

	f := probe.Firing{
		Ctx:         probe.ExecContext(hdr.PidTgid),
		TimestampNs: hdr.TimestampNs,
		CPU:         cpu,
		Comm:        hdr.Comm,
	}

	id := ProbeID(hdr.Probe)

	if err := d.route(id, f, r); err != nil {
		return id, fmt.Errorf("probe %s: %w", id, err)
	}

	return id, nil
}

func readPayload(r *bytes.Reader, v any) error {
	if err := binary.Read(r, binary.LittleEndian, v); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: payload needs %d bytes, got %d", ErrTruncated, binary.Size(v), r.Len())
		}

		return err
	}

	return nil
}

func (d *Dispatcher) route(id ProbeID, f probe.Firing, r *bytes.Reader) error {
	s := d.session

	switch id {
	case ProbePageFaultEnter:
		var p rawPageFaultEnter
		if err := readPayload(r, &p); err != nil {
			return err
		}

		s.PageFault().Enter(f, p.Address, p.Flags)

	case ProbePageFaultExit:
		var p rawPageFaultExit
		if err := readPayload(r, &p); err != nil {
			return err
		}

		s.PageFault().Return(f, p.Result)

	case ProbeMadviseEnter:
		var p rawMadviseEnter
		if err := readPayload(r, &p); err != nil {
			return err
		}

		s.Madvise().Enter(f, p.OwnerTGID, p.Address, p.Length, probe.Advice(p.Advice))

	case ProbeMadviseExit:
		var p rawRet
		if err := readPayload(r, &p); err != nil {
			return err
		}

		s.Madvise().Return(f, p.Ret)

	case ProbeUnmapPageRangeEnter, ProbeUnmapHugeRangeEnter:
		var p rawUnmapEnter
		if err := readPayload(r, &p); err != nil {
			return err
		}

		huge := p.Huge != 0 || id == ProbeUnmapHugeRangeEnter
		s.Unmap().Enter(f, p.OwnerTGID, p.Start, p.End, huge)

	case ProbeUnmapPageRangeExit, ProbeUnmapHugeRangeExit:
		s.Unmap().Return(f)

	case ProbeRSSStatOwner:
		var p rawRSSOwner
		if err := readPayload(r, &p); err != nil {
			return err
		}

		s.RSSStat().Stash(f, p.OwnerPID, p.OwnerTGID)

	case ProbeRSSStatValue:
		var p rawRSSValue
		if err := readPayload(r, &p); err != nil {
			return err
		}

		s.RSSStat().Emit(f, probe.RSSMember(p.Member), p.Size)

	case ProbeZswapStoreEnter:
		s.Zswap().Enter(probe.ZswapStore, f)
	case ProbeZswapLoadEnter:
		s.Zswap().Enter(probe.ZswapLoad, f)
	case ProbeZswapInvalidateEnter:
		s.Zswap().Enter(probe.ZswapInvalidate, f)

	case ProbeZswapStoreExit, ProbeZswapLoadExit, ProbeZswapInvalidateExit:
		var p rawZswapExit
		if err := readPayload(r, &p); err != nil {
			return err
		}

		s.Zswap().Return(zswapOp(id), f, p.Ret)

	case ProbeConnectEnter:
		var p probe.Tuple
		if err := readPayload(r, &p); err != nil {
			return err
		}

		s.Connect().Enter(f, p)

	case ProbeConnectBranch:
		var p rawConnectBranch
		if err := readPayload(r, &p); err != nil {
			return err
		}

		b := probe.ConnectBranch(p.Branch)
		if !b.Valid() {
			return fmt.Errorf("%w: %d", ErrUnknownBranch, p.Branch)
		}

		s.Connect().Branch(f, b, p.Ret)

	case ProbeConnectExit:
		var p rawRet
		if err := readPayload(r, &p); err != nil {
			return err
		}

		s.Connect().Return(f, p.Ret)

	case ProbeRcvEnter:
		var p probe.Tuple
		if err := readPayload(r, &p); err != nil {
			return err
		}

		s.Receive().Enter(f, p)

	case ProbeRcvBranch:
		var p rawByte
		if err := readPayload(r, &p); err != nil {
			return err
		}

		b := probe.ReceiveBranch(p.Value)
		if !b.Valid() {
			return fmt.Errorf("%w: %d", ErrUnknownBranch, p.Value)
		}

		s.Receive().Branch(f, b)

	case ProbeRcvExit:
		var p rawRet
		if err := readPayload(r, &p); err != nil {
			return err
		}

		s.Receive().Return(f, p.Ret)

	case ProbeStateEnter:
		var p rawByte
		if err := readPayload(r, &p); err != nil {
			return err
		}

		s.State().Enter(f, probe.TCPState(p.Value))

	case ProbeStateBranch:
		var p rawByte
		if err := readPayload(r, &p); err != nil {
			return err
		}

		b := probe.StateBranch(p.Value)
		if !b.Valid() {
			return fmt.Errorf("%w: %d", ErrUnknownBranch, p.Value)
		}

		s.State().Branch(f, b)

	case ProbeStateExit:
		var p rawRet
		if err := readPayload(r, &p); err != nil {
			return err
		}

		s.State().Return(f, p.Ret)

	case ProbeCCAssign, ProbeCCInit, ProbeCCSet, ProbeCCReinit, ProbeCCCleanup:
		var p rawCongestion
		if err := readPayload(r, &p); err != nil {
			return err
		}

		d.congestion(id, f, p)

	case ProbeCubicCongAvoid, ProbeCubicInit, ProbeCubicSsthresh, ProbeCubicState,
		ProbeCubicCwndEvent, ProbeCubicAcked, ProbeCubicHystart:
		var p rawCubic
		if err := readPayload(r, &p); err != nil {
			return err
		}

		d.cubic(id, f, p)

	default:
		return ErrUnknownProbe
	}

	return nil
}

func zswapOp(id ProbeID) probe.ZswapOp {
	switch id {
	case ProbeZswapLoadEnter, ProbeZswapLoadExit:
		return probe.ZswapLoad
	case ProbeZswapInvalidateEnter, ProbeZswapInvalidateExit:
		return probe.ZswapInvalidate
	default:
		return probe.ZswapStore
	}
}

func (d *Dispatcher) congestion(id ProbeID, f probe.Firing, p rawCongestion) {
	t := d.session.Congestion()
	sk := probe.SocketID(p.Socket)

	switch id {
	case ProbeCCAssign:
		t.Assign(f, sk, p.Tuple, p.Algorithm)
	case ProbeCCInit:
		t.Init(f, sk, p.Tuple, p.Algorithm)
	case ProbeCCSet:
		t.Set(f, sk, p.Tuple, p.Algorithm)
	case ProbeCCReinit:
		t.Reinit(f, sk, p.Tuple, p.Algorithm)
	case ProbeCCCleanup:
		t.Cleanup(f, sk, p.Tuple, p.Algorithm)
	}
}

func (d *Dispatcher) cubic(id ProbeID, f probe.Firing, p rawCubic) {
	t := d.session.Cubic()
	s := p.sample()

	switch id {
	case ProbeCubicCongAvoid:
		t.CongAvoid(f, s, p.Arg)
	case ProbeCubicInit:
		t.Init(f, s)
	case ProbeCubicSsthresh:
		t.RecalcSsthresh(f, s)
	case ProbeCubicState:
		t.State(f, s, uint8(p.Arg))
	case ProbeCubicCwndEvent:
		t.CwndEvent(f, s, int32(p.Arg))
	case ProbeCubicAcked:
		t.Acked(f, s, p.Arg)
	case ProbeCubicHystart:
		t.HystartUpdate(f, s, p.Arg)
	}
}
