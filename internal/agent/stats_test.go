package agent

import (
	"net/netip"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernmlops/kerntrace/internal/export"
	"github.com/kernmlops/kerntrace/internal/probe"
	"github.com/kernmlops/kerntrace/internal/tracer"
)

func testFiring(ts uint64) probe.Firing {
	f := probe.Firing{
		Ctx:         probe.NewExecContext(100, 101),
		TimestampNs: ts,
		CPU:         2,
	}
	copy(f.Comm[:], "memcached")

	return f
}

func newTestReporter(t *testing.T) (*statsReporter, *probe.Session, *export.HealthMetrics) {
	t.Helper()

	cfg := probe.DefaultConfig()
	cfg.ChannelCapacity = 16

	session := probe.NewSession(cfg)
	health := export.NewHealthMetrics(logrus.New(), export.HealthConfig{Addr: "127.0.0.1:0"})

	return newStatsReporter(session, tracer.NewFiringStats(), health), session, health
}

func TestStatsReporter_ConnectAggregates(t *testing.T) {
	r, session, health := newTestReporter(t)

	tuple := probe.TupleFrom(
		netip.MustParseAddrPort("10.0.0.1:40000"),
		netip.MustParseAddrPort("10.0.0.2:11211"),
	)

	session.Connect().Enter(testFiring(1000), tuple)
	session.Connect().Branch(testFiring(1500), probe.ConnectRouteError, probe.ErrnoENETUNREACH)
	session.Connect().Return(testFiring(2000), probe.ErrnoENETUNREACH)

	r.report()

	assert.Equal(t, 1.0, testutil.ToFloat64(health.OperationsEntered.WithLabelValues("tcp_connect")))
	assert.Equal(t, 2.0, testutil.ToFloat64(health.EventsEmitted.WithLabelValues("tcp_connect")))
	assert.Equal(t, 1.0, testutil.ToFloat64(health.BranchHits.WithLabelValues("tcp_connect", "entry")))
	assert.Equal(t, 2.0, testutil.ToFloat64(health.BranchHits.WithLabelValues("tcp_connect", "route_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(health.ConnectPaths.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(health.ConnectErrors.WithLabelValues("route_error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(health.ChannelLength.WithLabelValues("tcp_connect")))
	assert.Equal(t, 16.0, testutil.ToFloat64(health.ChannelCapacity.WithLabelValues("tcp_connect")))

	// A second report must not count the cumulative aggregates again.
	r.report()

	assert.Equal(t, 2.0, testutil.ToFloat64(health.BranchHits.WithLabelValues("tcp_connect", "route_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(health.ConnectErrors.WithLabelValues("route_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(health.OperationsEntered.WithLabelValues("tcp_connect")))
}

func TestStatsReporter_StateBranches(t *testing.T) {
	r, session, health := newTestReporter(t)

	state := session.State()
	state.Enter(testFiring(1000), probe.StateEstablished)
	state.Branch(testFiring(1200), probe.StateBranchReset)
	state.Branch(testFiring(1300), probe.StateBranchAckProcessing)
	state.Return(testFiring(1500), 0)

	r.report()

	assert.Equal(t, 1.0, testutil.ToFloat64(health.BranchHits.WithLabelValues("tcp_state", "reset")))
	assert.Equal(t, 1.0, testutil.ToFloat64(health.BranchHits.WithLabelValues("tcp_state", "ack_processing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(health.TCPStateCalls))

	// Only new hits are added on the next report.
	state.Branch(testFiring(2000), probe.StateBranchReset)

	r.report()

	assert.Equal(t, 2.0, testutil.ToFloat64(health.BranchHits.WithLabelValues("tcp_state", "reset")))
	assert.Equal(t, 1.0, testutil.ToFloat64(health.BranchHits.WithLabelValues("tcp_state", "ack_processing")))
}

func TestStatsReporter_StoresAndMissing(t *testing.T) {
	r, session, health := newTestReporter(t)

	session.PageFault().Enter(testFiring(10), 0xdead000, 0)
	session.PageFault().Return(testFiring(99), 0)

	r.report()

	assert.Equal(t, 0.0, testutil.ToFloat64(health.CorrelationsMissing.WithLabelValues("page_fault")))
	assert.Equal(t, 1.0, testutil.ToFloat64(health.EventsEmitted.WithLabelValues("page_fault")))

	var capacity float64

	for _, st := range session.StoreStats() {
		if st.Name == "page_fault" {
			capacity = testutil.ToFloat64(health.StoreCapacity.WithLabelValues(st.Name))
		}
	}

	assert.Equal(t, 10240.0, capacity)
}

func TestStatsReporter_Firings(t *testing.T) {
	r, _, health := newTestReporter(t)

	r.firings.Record(tracer.ProbeID(1))
	r.firings.Record(tracer.ProbeID(1))

	r.report()

	assert.Equal(t, 2.0, testutil.ToFloat64(health.FiringsReceived.WithLabelValues(tracer.ProbeID(1).String())))

	r.report()

	assert.Equal(t, 2.0, testutil.ToFloat64(health.FiringsReceived.WithLabelValues(tracer.ProbeID(1).String())))
}

func TestStatsReporter_Delta(t *testing.T) {
	r, _, _ := newTestReporter(t)

	require.Equal(t, 5.0, r.delta("k", 5))
	require.Equal(t, 3.0, r.delta("k", 8))
	require.Equal(t, 0.0, r.delta("k", 8))
	// A counter reset reports the new value.
	require.Equal(t, 2.0, r.delta("k", 2))
}
