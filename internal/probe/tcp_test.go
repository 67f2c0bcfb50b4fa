package probe

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTuple = TupleFrom(
	netip.MustParseAddrPort("10.0.0.1:40000"),
	netip.MustParseAddrPort("10.0.0.2:11211"),
)

func TestTuple_RoundTrip(t *testing.T) {
	assert.Equal(t, "10.0.0.1:40000", testTuple.Src().String())
	assert.Equal(t, "10.0.0.2:11211", testTuple.Dst().String())

	// Network byte order in memory.
	assert.Equal(t, uint16(0xcb2b), testTuple.DPort)
}

func TestConnect_BranchThenSuccessIsFastPath(t *testing.T) {
	s := testSession(t)
	c := s.Connect()

	f := firing(100, 101, 1000)
	c.Enter(f, testTuple)

	f.TimestampNs = 1200
	c.Branch(f, ConnectRouteLookup, 0)

	f.TimestampNs = 1500
	c.Return(f, 0)

	events := collect(s)
	require.Len(t, events, 2)

	branch := events[0].(ConnectEvent)
	closing := events[1].(ConnectEvent)

	assert.Equal(t, ConnectRouteLookup, branch.Branch)
	assert.False(t, branch.Closing)
	assert.Equal(t, int64(200), branch.LatencyNs)

	assert.Equal(t, ConnectSuccess, closing.Branch)
	assert.Equal(t, PathFast, closing.Path)
	assert.True(t, closing.Closing)
	assert.Equal(t, int64(500), closing.LatencyNs)
	assert.Equal(t, int32(0), closing.ErrorCode)

	assert.Equal(t, branch.PID, closing.PID)
	assert.Equal(t, branch.TGID, closing.TGID)
	assert.Less(t, branch.TimestampNs, closing.TimestampNs)
	assert.Equal(t, testTuple, closing.Tuple)

	assert.Equal(t, uint64(1), c.BranchCounts().Load(int(ConnectEntry)))
	assert.Equal(t, uint64(1), c.BranchCounts().Load(int(ConnectRouteLookup)))
	assert.Equal(t, uint64(1), c.BranchCounts().Load(int(ConnectSuccess)))
	assert.Equal(t, uint64(1), c.PathCounts().Load(int(PathFast)))
}

func TestConnect_SlowAndFastOpenPathsSurviveSuccess(t *testing.T) {
	tests := []struct {
		name   string
		branch ConnectBranch
		path   ConnectPath
	}{
		{name: "regular syn", branch: ConnectRegularSYN, path: PathSlow},
		{name: "fastopen defer", branch: ConnectFastOpenDefer, path: PathFastOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSession(t)
			c := s.Connect()

			f := firing(1, 1, 10)
			c.Enter(f, testTuple)
			c.Branch(f, tt.branch, 0)
			c.Return(f, 0)

			events := collect(s)
			require.Len(t, events, 2)
			assert.Equal(t, tt.path, events[0].(ConnectEvent).Path)
			assert.Equal(t, tt.path, events[1].(ConnectEvent).Path)
			assert.Equal(t, ConnectSuccess, events[1].(ConnectEvent).Branch)
		})
	}
}

func TestConnect_ErrorBranchClassification(t *testing.T) {
	tests := []struct {
		name     string
		branch   ConnectBranch
		reg      int32
		ret      int32
		wantCode int32
		errClass int
	}{
		{name: "invalid addrlen", branch: ConnectInvalidAddrLen, ret: ErrnoEINVAL, wantCode: ErrnoEINVAL, errClass: 1},
		{name: "wrong family", branch: ConnectWrongFamily, ret: ErrnoEAFNOSUPPORT, wantCode: ErrnoEAFNOSUPPORT, errClass: 2},
		{name: "route error", branch: ConnectRouteError, reg: ErrnoENETUNREACH, ret: ErrnoENETUNREACH, wantCode: ErrnoENETUNREACH, errClass: 3},
		{name: "multicast", branch: ConnectMulticastBcast, ret: ErrnoENETUNREACH, wantCode: ErrnoENETUNREACH, errClass: 4},
		{name: "src bind", branch: ConnectSrcBindFail, reg: ErrnoEADDRINUSE, ret: ErrnoEADDRINUSE, wantCode: ErrnoEADDRINUSE, errClass: 5},
		{name: "tcp_connect", branch: ConnectTCPConnectErr, reg: ErrnoENOMEM, ret: ErrnoENOMEM, wantCode: ErrnoENOMEM},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSession(t)
			c := s.Connect()

			f := firing(1, 1, 10)
			c.Enter(f, testTuple)
			c.Branch(f, tt.branch, tt.reg)
			c.Return(f, tt.ret)

			events := collect(s)
			require.Len(t, events, 2)

			branch := events[0].(ConnectEvent)
			assert.Equal(t, PathError, branch.Path)
			assert.Equal(t, tt.wantCode, branch.ErrorCode)

			closing := events[1].(ConnectEvent)
			assert.Equal(t, tt.branch, closing.Branch)
			assert.Equal(t, PathError, closing.Path)
			assert.Equal(t, tt.ret, closing.ErrorCode)

			if tt.errClass != 0 {
				assert.Equal(t, uint64(1), c.ErrorCounts().Load(tt.errClass))
			}

			assert.Equal(t, uint64(1), c.PathCounts().Load(int(PathError)))
		})
	}
}

func TestConnect_UnclassifiedFailure(t *testing.T) {
	s := testSession(t)
	c := s.Connect()

	f := firing(1, 1, 10)
	c.Enter(f, testTuple)
	c.Branch(f, ConnectPortAlloc, 0)
	c.Return(f, ErrnoEADDRNOTAVAIL)

	events := collect(s)
	require.Len(t, events, 2)

	closing := events[1].(ConnectEvent)
	assert.Equal(t, ConnectErrorPath, closing.Branch)
	assert.Equal(t, PathError, closing.Path)
	assert.Equal(t, "EADDRNOTAVAIL", ErrnoName(closing.ErrorCode))
}

func TestConnect_BranchWithoutEntry(t *testing.T) {
	s := testSession(t)
	c := s.Connect()

	f := firing(1, 1, 10)
	c.Branch(f, ConnectRouteLookup, 0)
	c.Return(f, 0)

	assert.Empty(t, collect(s))
	assert.Equal(t, uint64(0), c.BranchCounts().Load(int(ConnectRouteLookup)))
	assert.Equal(t, uint64(2), s.Stats().Snapshot()[FamilyTCPConnect].Missing)
}

func TestConnect_UndefinedBranchIgnored(t *testing.T) {
	s := testSession(t)
	c := s.Connect()

	c.Enter(firing(1, 1, 10), Tuple{})
	c.Branch(firing(1, 1, 20), ConnectBranch(200), -1)
	c.Return(firing(1, 1, 30), 0)

	events := collect(s)
	require.Len(t, events, 1)

	ev := events[0].(ConnectEvent)
	assert.Equal(t, ConnectSuccess, ev.Branch)
	assert.Equal(t, PathFast, ev.Path)
	assert.Equal(t, int32(0), ev.ErrorCode)

	assert.False(t, ConnectBranch(200).Valid())
	assert.True(t, ConnectErrorPath.Valid())
	assert.False(t, StateBranchReturn.Valid())
	assert.False(t, ReceiveBranch(10).Valid())
}

func TestConnect_ConcurrentContexts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChannelCapacity = 1 << 14
	s := NewSession(cfg)
	c := s.Connect()

	const threads, perThread = 16, 100

	var wg sync.WaitGroup

	for tid := range threads {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range perThread {
				f := firing(1, uint32(tid), uint64(i*10))
				c.Enter(f, testTuple)
				f.TimestampNs += 3
				c.Branch(f, ConnectNewSport, 0)
				f.TimestampNs += 4
				c.Return(f, 0)
			}
		}()
	}

	wg.Wait()

	events := collect(s)
	assert.Len(t, events, threads*perThread*2)

	for _, ev := range events {
		ce := ev.(ConnectEvent)
		if ce.Closing {
			assert.Equal(t, int64(7), ce.LatencyNs)
		} else {
			assert.Equal(t, int64(3), ce.LatencyNs)
		}
	}

	st, _ := storeStats(s, "tcp_connect")
	assert.Equal(t, 0, st.Len)
}

func TestReceive_DropReasonCarriedToClose(t *testing.T) {
	s := testSession(t)
	r := s.Receive()

	f := firing(0, 0, 100)
	r.Enter(f, testTuple)

	f.TimestampNs = 110
	r.Branch(f, ReceiveListen)

	f.TimestampNs = 120
	r.Branch(f, ReceiveChecksumErr)

	f.TimestampNs = 130
	r.Return(f, 0)

	events := collect(s)
	require.Len(t, events, 3)

	listen := events[0].(ReceiveEvent)
	assert.Equal(t, ReceiveListen, listen.Branch)
	assert.Equal(t, DropNone, listen.DropReason)

	csum := events[1].(ReceiveEvent)
	assert.Equal(t, DropTCPCsum, csum.DropReason)

	closing := events[2].(ReceiveEvent)
	assert.Equal(t, ReceiveReturn, closing.Branch)
	assert.Equal(t, DropTCPCsum, closing.DropReason)
	assert.Equal(t, int64(30), closing.LatencyNs)
	assert.Equal(t, testTuple, closing.Tuple)

	assert.Equal(t, uint64(1), r.BranchCounts().Load(int(ReceiveReturn)))
	assert.Equal(t, "checksum_err", ReceiveChecksumErr.String())
}

func TestState_BranchSequence(t *testing.T) {
	s := testSession(t)
	st := s.State()

	f := firing(2, 2, 1000)
	st.Enter(f, StateSynRecv)

	f.TimestampNs = 1100
	st.Branch(f, StateBranchAckProcessing)

	f.TimestampNs = 1200
	st.Branch(f, StateBranchSynRecvToEstablished)

	f.TimestampNs = 1300
	st.Return(f, 0)

	events := collect(s)
	require.Len(t, events, 3)

	ack := events[0].(StateEvent)
	assert.Equal(t, StateProcessing, ack.Type)
	assert.Equal(t, SubtypeAckProcess, ack.Subtype)
	assert.Equal(t, StateSynRecv, ack.OldState)
	assert.Equal(t, StateSynRecv, ack.NewState)

	trans := events[1].(StateEvent)
	assert.Equal(t, StateTransition, trans.Type)
	assert.Equal(t, StateSynRecv, trans.OldState)
	assert.Equal(t, StateEstablished, trans.NewState)

	closing := events[2].(StateEvent)
	assert.Equal(t, StateBranchReturn, closing.Branch)
	assert.Equal(t, StateTransition, closing.Type)
	assert.Equal(t, StateSynRecv, closing.OldState)
	assert.Equal(t, StateEstablished, closing.NewState)
	assert.Equal(t, int64(300), closing.LatencyNs)
}

func TestState_ToTimeWaitUsesCurrentState(t *testing.T) {
	s := testSession(t)
	st := s.State()

	f := firing(2, 2, 10)
	st.Enter(f, StateFinWait2)
	st.Branch(f, StateBranchToTimeWait)

	events := collect(s)
	require.Len(t, events, 1)

	ev := events[0].(StateEvent)
	assert.Equal(t, StateFinWait2, ev.OldState)
	assert.Equal(t, StateTimeWait, ev.NewState)
	assert.Equal(t, "TIME_WAIT", ev.NewState.String())
}

func TestState_ClosingEventKeepsRecordedError(t *testing.T) {
	tests := []struct {
		name    string
		branch  StateBranch
		subtype StateSubtype
	}{
		{name: "reset", branch: StateBranchReset, subtype: SubtypeReset},
		{name: "challenge ack", branch: StateBranchChallengeAck, subtype: SubtypeChallengeAck},
		{name: "abort on data", branch: StateBranchAbortOnData, subtype: SubtypeAbortData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSession(t)
			st := s.State()

			f := firing(4, 5, 100)
			st.Enter(f, StateEstablished)

			f.TimestampNs = 150
			st.Branch(f, tt.branch)

			// A later non-error branch does not clear the failure.
			f.TimestampNs = 175
			st.Branch(f, StateBranchAckProcessing)

			f.TimestampNs = 200
			st.Return(f, 1)

			events := collect(s)
			require.Len(t, events, 3)

			closing := events[2].(StateEvent)
			assert.Equal(t, StateBranchReturn, closing.Branch)
			assert.Equal(t, StateError, closing.Type)
			assert.Equal(t, tt.subtype, closing.Subtype)
			assert.Equal(t, int32(1), closing.Ret)
			assert.Equal(t, int64(100), closing.LatencyNs)
		})
	}
}

func TestState_ClosingEventWithoutErrorHasNoSubtype(t *testing.T) {
	s := testSession(t)
	st := s.State()

	f := firing(4, 5, 100)
	st.Enter(f, StateEstablished)
	st.Branch(f, StateBranchDataQueue)
	st.Return(f, 0)

	events := collect(s)
	require.Len(t, events, 2)

	closing := events[1].(StateEvent)
	assert.Equal(t, StateProcessing, closing.Type)
	assert.Equal(t, SubtypeNone, closing.Subtype)
}

func TestState_AggregatesCountWithoutRecords(t *testing.T) {
	s := testSession(t)
	st := s.State()

	st.Enter(firing(1, 1, 1), StateEstablished)
	st.Enter(firing(1, 2, 1), StateEstablished)
	st.Enter(firing(1, 3, 1), StateListen)

	// Branches on contexts that never entered still count.
	st.Branch(firing(9, 9, 1), StateBranchReset)
	st.Branch(firing(9, 9, 1), StateBranchChallengeAck)
	st.Branch(firing(1, 3, 2), StateBranchListen)

	stats := st.Stats()
	assert.Equal(t, uint64(3), stats.TotalCalls)
	assert.Equal(t, uint64(1), stats.Resets)
	assert.Equal(t, uint64(1), stats.ChallengeAcks)
	assert.Equal(t, uint64(1), stats.ListenState)

	counts := st.BranchCounts()
	require.Len(t, counts, int(StateBranchReturn))
	assert.Equal(t, uint64(1), counts[StateBranchReset])
	assert.Equal(t, uint64(1), counts[StateBranchListen])
	assert.Equal(t, uint64(0), counts[StateBranchFastOpen])

	dist := st.Distribution()
	assert.Equal(t, uint64(2), dist[StateEstablished])
	assert.Equal(t, uint64(1), dist[StateListen])

	// Only the correlated branch produced an event.
	events := collect(s)
	require.Len(t, events, 1)
	assert.Equal(t, StateBranchListen, events[0].(StateEvent).Branch)
}

func TestCongestion_Lifecycle(t *testing.T) {
	s := testSession(t)
	cc := s.Congestion()
	cubic := s.Cubic()

	const sk = SocketID(0xffff_8888_0000_1000)

	f := firing(1, 1, 1_000)
	cc.Assign(f, sk, testTuple, MakeCCName("cubic"))

	cubic.Init(f, CubicSample{Socket: sk, Tuple: testTuple, TCP: TCPSnapshot{Cwnd: 10, Ssthresh: 100}})

	f.TimestampNs = 2_000
	cc.Set(f, sk, testTuple, MakeCCName("bbr"))

	f.TimestampNs = 9_000
	cc.Cleanup(f, sk, testTuple, MakeCCName("bbr"))

	events := collect(s)

	var ccEvents []CongestionEvent

	for _, ev := range events {
		if ce, ok := ev.(CongestionEvent); ok {
			ccEvents = append(ccEvents, ce)
		}
	}

	require.Len(t, ccEvents, 3)
	assert.Equal(t, CCAssign, ccEvents[0].Kind)
	assert.Equal(t, "cubic", ccEvents[0].Algorithm.String())

	assert.Equal(t, CCSet, ccEvents[1].Kind)
	assert.Equal(t, "bbr", ccEvents[1].Assigned.String())

	cleanup := ccEvents[2]
	assert.Equal(t, CCCleanup, cleanup.Kind)
	assert.True(t, cleanup.Tracked)
	assert.Equal(t, int64(8_000), cleanup.LifetimeNs)

	st, _ := storeStats(s, "tcp_cubic")
	assert.Equal(t, 0, st.Len, "cleanup releases the cubic window")
}

func TestCongestion_UntrackedCleanup(t *testing.T) {
	s := testSession(t)

	s.Congestion().Cleanup(firing(1, 1, 10), SocketID(1), testTuple, MakeCCName("reno"))

	events := collect(s)
	require.Len(t, events, 1)

	ev := events[0].(CongestionEvent)
	assert.False(t, ev.Tracked)
	assert.Equal(t, int64(0), ev.LifetimeNs)
	assert.Equal(t, "reno", ev.Algorithm.String())
}

func TestCCName_Truncates(t *testing.T) {
	n := MakeCCName("a-very-long-algorithm-name")

	assert.Len(t, n.String(), 15)
	assert.Equal(t, byte(0), n[15])
}

func TestCubic_CwndDelta(t *testing.T) {
	s := testSession(t)
	c := s.Cubic()

	sample := CubicSample{
		Socket: SocketID(7),
		Tuple:  testTuple,
		TCP:    TCPSnapshot{Cwnd: 10, Ssthresh: 64},
		Bictcp: BictcpSnapshot{TCPCwnd: 12},
	}

	f := firing(1, 1, 10)
	c.Init(f, sample)

	sample.TCP.Cwnd = 14
	c.CongAvoid(f, sample, 2)

	sample.TCP.Cwnd = 7
	sample.TCP.Ssthresh = 7
	c.RecalcSsthresh(f, sample)

	c.HystartUpdate(f, sample, 4242)

	events := collect(s)
	require.Len(t, events, 4)

	first := events[0].(CubicEvent)
	assert.False(t, first.HasPrevious)
	assert.True(t, first.InSlowStart)
	assert.True(t, first.IsTCPFriendly)

	avoid := events[1].(CubicEvent)
	assert.True(t, avoid.HasPrevious)
	assert.Equal(t, int64(4), avoid.CwndDelta)
	assert.Equal(t, uint32(2), avoid.Acked)

	ssthresh := events[2].(CubicEvent)
	assert.Equal(t, int64(-7), ssthresh.CwndDelta)
	assert.False(t, ssthresh.InSlowStart)

	hystart := events[3].(CubicEvent)
	assert.Equal(t, CubicHystart, hystart.Kind)
	assert.Equal(t, uint32(4242), hystart.CurrRTT)

	c.Forget(SocketID(7))

	st, _ := storeStats(s, "tcp_cubic")
	assert.Equal(t, 0, st.Len)
}
