package export

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "kerntrace"

// HealthConfig configures the Prometheus health metrics server.
type HealthConfig struct {
	// Addr is the listen address for the health metrics server.
	// Defaults to ":9090".
	Addr string `yaml:"addr"`
}

// HealthMetrics exposes Prometheus metrics for collector health.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// === Kernel boundary ===

	FiringsReceived     *prometheus.CounterVec // probe
	FiringDecodeErrors  prometheus.Counter
	PerfLostSamples     prometheus.Counter
	BPFProgramsAttached *prometheus.GaugeVec // type (kprobe/kretprobe/tracepoint/raw_tracepoint)
	BPFProgramsFailed   *prometheus.GaugeVec // type
	PerfBufferBytes     prometheus.Gauge
	CaptureRecords      prometheus.Counter
	CaptureErrors       prometheus.Counter

	// === Correlation engine ===

	OperationsEntered   *prometheus.CounterVec // family
	EventsEmitted       *prometheus.CounterVec // family
	EventsDropped       *prometheus.CounterVec // family
	CorrelationsMissing *prometheus.CounterVec // family
	OperationsAbandoned *prometheus.CounterVec // family

	StoreEntries    *prometheus.GaugeVec   // store
	StoreCapacity   *prometheus.GaugeVec   // store
	StoreEvictions  *prometheus.CounterVec // store
	StoreRejections *prometheus.CounterVec // store

	ChannelLength   *prometheus.GaugeVec // family
	ChannelCapacity *prometheus.GaugeVec // family

	BranchHits           *prometheus.CounterVec // family, branch
	ConnectPaths         *prometheus.CounterVec // path
	ConnectErrors        *prometheus.CounterVec // class
	TCPStateCalls        prometheus.Counter
	TCPStateDistribution *prometheus.GaugeVec // state

	// === Discovery ===

	PIDsTracked        prometheus.Gauge
	PIDDiscoveryErrors prometheus.Counter
	PIDRefreshDuration prometheus.Histogram

	// === Sinks and export ===

	SinkEventsProcessed      *prometheus.CounterVec   // sink
	SinkEventsDropped        *prometheus.CounterVec   // sink
	SinkEventChannelLength   *prometheus.GaugeVec     // sink
	SinkEventChannelCapacity *prometheus.GaugeVec     // sink
	SinkFlushDuration        *prometheus.HistogramVec // sink
	SinkBatchSize            *prometheus.HistogramVec // sink
	WindowsFlushed           prometheus.Counter

	ClickHouseConnected     *prometheus.GaugeVec     // sink
	ClickHouseBatchDuration *prometheus.HistogramVec // operation
	ExportErrors            prometheus.Counter
	ExportBatchErrors       *prometheus.CounterVec // sink, error_type

	AgentStartDuration *prometheus.GaugeVec // phase

	running atomic.Bool
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
}

func gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

// NewHealthMetrics creates a new health metrics server.
func NewHealthMetrics(
	log logrus.FieldLogger,
	cfg HealthConfig,
) *HealthMetrics {
	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,

		FiringsReceived:     counterVec("firings_received_total", "Total raw firings decoded by probe.", "probe"),
		FiringDecodeErrors:  counter("firing_decode_errors_total", "Total raw firings that could not be decoded."),
		PerfLostSamples:     counter("perf_lost_samples_total", "Total samples lost by the kernel perf buffers."),
		BPFProgramsAttached: gaugeVec("bpf_programs_attached", "Number of successfully attached BPF programs by type.", "type"),
		BPFProgramsFailed:   gaugeVec("bpf_programs_failed", "Number of BPF programs that failed to attach by type.", "type"),
		PerfBufferBytes:     gauge("perf_buffer_bytes", "Per-CPU perf buffer size in bytes."),
		CaptureRecords:      counter("capture_records_total", "Total raw firings written to the capture file."),
		CaptureErrors:       counter("capture_errors_total", "Total capture write errors."),

		OperationsEntered:   counterVec("operations_entered_total", "Total operations opened in a correlation store by family.", "family"),
		EventsEmitted:       counterVec("events_emitted_total", "Total events published by family.", "family"),
		EventsDropped:       counterVec("events_dropped_total", "Total events dropped on a full channel by family.", "family"),
		CorrelationsMissing: counterVec("correlations_missing_total", "Total terminal firings without a matching entry by family.", "family"),
		OperationsAbandoned: counterVec("operations_abandoned_total", "Total operations discarded on an error path by family.", "family"),

		StoreEntries:    gaugeVec("store_entries", "Live entries per correlation store.", "store"),
		StoreCapacity:   gaugeVec("store_capacity", "Capacity per correlation store.", "store"),
		StoreEvictions:  counterVec("store_evictions_total", "Entries evicted to admit new keys per store.", "store"),
		StoreRejections: counterVec("store_rejections_total", "Inserts rejected on a full non-evicting store.", "store"),

		ChannelLength:   gaugeVec("channel_length", "Events queued per family channel.", "family"),
		ChannelCapacity: gaugeVec("channel_capacity", "Capacity per family channel.", "family"),

		BranchHits:           counterVec("branch_hits_total", "Interior branch hits by family and branch.", "family", "branch"),
		ConnectPaths:         counterVec("tcp_connect_paths_total", "Completed tcp_v4_connect calls by path.", "path"),
		ConnectErrors:        counterVec("tcp_connect_errors_total", "tcp_v4_connect errors by class.", "class"),
		TCPStateCalls:        counter("tcp_state_calls_total", "Total tcp_rcv_state_process calls."),
		TCPStateDistribution: gaugeVec("tcp_state_distribution", "tcp_rcv_state_process calls by entry socket state.", "state"),

		PIDsTracked:        gauge("pids_tracked", "Number of workload PIDs currently tracked."),
		PIDDiscoveryErrors: counter("pid_discovery_errors_total", "Total workload discovery errors."),
		PIDRefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pid_refresh_duration_seconds",
			Help:      "Time to refresh workload discovery.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		SinkEventsProcessed:      counterVec("sink_events_processed_total", "Total events processed by sink.", "sink"),
		SinkEventsDropped:        counterVec("sink_events_dropped_total", "Total events dropped by sink.", "sink"),
		SinkEventChannelLength:   gaugeVec("sink_event_channel_length", "Current number of events in sink channel.", "sink"),
		SinkEventChannelCapacity: gaugeVec("sink_event_channel_capacity", "Capacity of sink event channel.", "sink"),
		SinkFlushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sink_flush_duration_seconds",
				Help:      "Time to flush a batch by sink.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}, // 1ms-1s
			},
			[]string{"sink"},
		),
		SinkBatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sink_batch_size",
				Help:      "Number of rows per batch flush by sink.",
				Buckets:   []float64{100, 500, 1000, 5000, 10000, 25000, 50000},
			},
			[]string{"sink"},
		),
		WindowsFlushed: counter("windows_flushed_total", "Total window summaries emitted."),

		ClickHouseConnected: gaugeVec("clickhouse_connected", "Whether ClickHouse connection is established (1=yes, 0=no).", "sink"),
		ClickHouseBatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "clickhouse_batch_duration_seconds",
				Help:      "Time to write a batch to ClickHouse by operation.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5}, // 1ms-500ms
			},
			[]string{"operation"},
		),
		ExportErrors:      counter("export_errors_total", "Total export errors across all sinks."),
		ExportBatchErrors: counterVec("export_batch_errors_total", "Total export batch errors by sink and error type.", "sink", "error_type"),

		AgentStartDuration: gaugeVec("agent_start_duration_seconds", "Duration of agent startup phases.", "phase"),
	}

	reg.MustRegister(
		h.FiringsReceived,
		h.FiringDecodeErrors,
		h.PerfLostSamples,
		h.BPFProgramsAttached,
		h.BPFProgramsFailed,
		h.PerfBufferBytes,
		h.CaptureRecords,
		h.CaptureErrors,
	)

	reg.MustRegister(
		h.OperationsEntered,
		h.EventsEmitted,
		h.EventsDropped,
		h.CorrelationsMissing,
		h.OperationsAbandoned,
		h.StoreEntries,
		h.StoreCapacity,
		h.StoreEvictions,
		h.StoreRejections,
		h.ChannelLength,
		h.ChannelCapacity,
		h.BranchHits,
		h.ConnectPaths,
		h.ConnectErrors,
		h.TCPStateCalls,
		h.TCPStateDistribution,
	)

	reg.MustRegister(
		h.PIDsTracked,
		h.PIDDiscoveryErrors,
		h.PIDRefreshDuration,
	)

	reg.MustRegister(
		h.SinkEventsProcessed,
		h.SinkEventsDropped,
		h.SinkEventChannelLength,
		h.SinkEventChannelCapacity,
		h.SinkFlushDuration,
		h.SinkBatchSize,
		h.WindowsFlushed,
		h.ClickHouseConnected,
		h.ClickHouseBatchDuration,
		h.ExportErrors,
		h.ExportBatchErrors,
		h.AgentStartDuration,
	)

	return h
}

// Start begins serving the /metrics endpoint.
func (h *HealthMetrics) Start(_ context.Context) error {
	if h.addr == "" {
		h.addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		h.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	// pprof endpoints for CPU/memory profiling.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.listener = ln

	h.server = &http.Server{
		Handler: mux,
	}

	h.running.Store(true)

	go func() {
		h.log.WithField("addr", ln.Addr().String()).
			Info("Health metrics server started")

		if err := h.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			h.log.WithError(err).
				Error("Health metrics server error")
		}

		h.running.Store(false)
	}()

	return nil
}

// Addr returns the actual listener address. Useful when started
// with ":0" to get the OS-assigned port.
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}

// Registry returns the underlying Prometheus registry.
func (h *HealthMetrics) Registry() *prometheus.Registry {
	return h.registry
}

// Stop gracefully shuts down the health metrics server.
func (h *HealthMetrics) Stop() error {
	if h.server == nil {
		return nil
	}

	return h.server.Close()
}
