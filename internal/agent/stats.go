package agent

import (
	"github.com/kernmlops/kerntrace/internal/export"
	"github.com/kernmlops/kerntrace/internal/probe"
	"github.com/kernmlops/kerntrace/internal/tracer"
)

// statsReporter publishes session and dispatcher counters as Prometheus
// metrics. Counters that the session only exposes cumulatively are
// converted to deltas against the previous report.
type statsReporter struct {
	session *probe.Session
	firings *tracer.FiringStats
	health  *export.HealthMetrics

	prev map[string]uint64
}

func newStatsReporter(
	session *probe.Session,
	firings *tracer.FiringStats,
	health *export.HealthMetrics,
) *statsReporter {
	return &statsReporter{
		session: session,
		firings: firings,
		health:  health,
		prev:    make(map[string]uint64, 64),
	}
}

// delta returns the growth of a cumulative counter since the last call.
func (r *statsReporter) delta(key string, v uint64) float64 {
	last := r.prev[key]
	r.prev[key] = v

	if v < last {
		return float64(v)
	}

	return float64(v - last)
}

func (r *statsReporter) report() {
	r.reportFamilies()
	r.reportStores()
	r.reportBranches()
	r.reportState()
	r.reportFirings()
}

func (r *statsReporter) reportFamilies() {
	for f, c := range r.session.Stats().Snapshot() {
		name := f.String()

		r.health.OperationsEntered.WithLabelValues(name).Add(float64(c.Entered))
		r.health.EventsEmitted.WithLabelValues(name).Add(float64(c.Emitted))
		r.health.EventsDropped.WithLabelValues(name).Add(float64(c.Dropped))
		r.health.CorrelationsMissing.WithLabelValues(name).Add(float64(c.Missing))
		r.health.OperationsAbandoned.WithLabelValues(name).Add(float64(c.Abandoned))
	}

	for _, f := range probe.AllFamilies() {
		ch := r.session.Channel(f)
		if ch == nil {
			continue
		}

		r.health.ChannelLength.WithLabelValues(f.String()).Set(float64(ch.Len()))
		r.health.ChannelCapacity.WithLabelValues(f.String()).Set(float64(ch.Cap()))
	}
}

func (r *statsReporter) reportStores() {
	for _, st := range r.session.StoreStats() {
		r.health.StoreEntries.WithLabelValues(st.Name).Set(float64(st.Len))
		r.health.StoreCapacity.WithLabelValues(st.Name).Set(float64(st.Capacity))
		r.health.StoreEvictions.WithLabelValues(st.Name).
			Add(r.delta("evictions/"+st.Name, st.Evictions))
		r.health.StoreRejections.WithLabelValues(st.Name).
			Add(r.delta("rejections/"+st.Name, st.Rejections))
	}
}

func (r *statsReporter) reportBranches() {
	connect := probe.FamilyTCPConnect.String()

	for i, v := range r.session.Connect().BranchCounts().Values() {
		if v == 0 {
			continue
		}

		branch := probe.ConnectBranch(i).String()
		r.health.BranchHits.WithLabelValues(connect, branch).
			Add(r.delta("connect_branch/"+branch, v))
	}

	for i, v := range r.session.Connect().PathCounts().Values() {
		if v == 0 {
			continue
		}

		path := probe.ConnectPath(i).String()
		r.health.ConnectPaths.WithLabelValues(path).
			Add(r.delta("connect_path/"+path, v))
	}

	for i, v := range r.session.Connect().ErrorCounts().Values() {
		class := probe.ErrorClassName(i)
		if v == 0 || class == "" {
			continue
		}

		r.health.ConnectErrors.WithLabelValues(class).
			Add(r.delta("connect_error/"+class, v))
	}

	rcv := probe.FamilyTCPRcv.String()

	for i, v := range r.session.Receive().BranchCounts().Values() {
		if v == 0 {
			continue
		}

		branch := probe.ReceiveBranch(i).String()
		r.health.BranchHits.WithLabelValues(rcv, branch).
			Add(r.delta("rcv_branch/"+branch, v))
	}
}

func (r *statsReporter) reportState() {
	state := r.session.State()

	r.health.TCPStateCalls.Add(r.delta("state_calls", state.Stats().TotalCalls))

	family := probe.FamilyTCPState.String()

	for i, v := range state.BranchCounts() {
		if v == 0 {
			continue
		}

		branch := probe.StateBranch(i).String()
		r.health.BranchHits.WithLabelValues(family, branch).
			Add(r.delta("state_branch/"+branch, v))
	}

	for s, n := range state.Distribution() {
		r.health.TCPStateDistribution.WithLabelValues(s.String()).Set(float64(n))
	}
}

func (r *statsReporter) reportFirings() {
	counts, decodeErrors := r.firings.Snapshot()

	for id, n := range counts {
		r.health.FiringsReceived.WithLabelValues(id.String()).Add(float64(n))
	}

	r.health.FiringDecodeErrors.Add(float64(decodeErrors))
}
