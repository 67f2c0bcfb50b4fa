package tracer

import (
	"fmt"
	"sort"

	"github.com/kernmlops/kerntrace/internal/probe"
)

// ProbeID identifies the BPF program that produced a firing. It is the
// probe_id field of every firing header.
type ProbeID uint16

const (
	ProbePageFaultEnter ProbeID = 1
	ProbePageFaultExit  ProbeID = 2

	ProbeMadviseEnter ProbeID = 3
	ProbeMadviseExit  ProbeID = 4

	ProbeUnmapPageRangeEnter ProbeID = 5
	ProbeUnmapPageRangeExit  ProbeID = 6
	ProbeUnmapHugeRangeEnter ProbeID = 7
	ProbeUnmapHugeRangeExit  ProbeID = 8

	ProbeRSSStatOwner ProbeID = 9
	ProbeRSSStatValue ProbeID = 10

	ProbeZswapStoreEnter      ProbeID = 11
	ProbeZswapStoreExit       ProbeID = 12
	ProbeZswapLoadEnter       ProbeID = 13
	ProbeZswapLoadExit        ProbeID = 14
	ProbeZswapInvalidateEnter ProbeID = 15
	ProbeZswapInvalidateExit  ProbeID = 16

	ProbeConnectEnter  ProbeID = 20
	ProbeConnectBranch ProbeID = 21
	ProbeConnectExit   ProbeID = 22

	ProbeRcvEnter  ProbeID = 23
	ProbeRcvBranch ProbeID = 24
	ProbeRcvExit   ProbeID = 25

	ProbeStateEnter  ProbeID = 26
	ProbeStateBranch ProbeID = 27
	ProbeStateExit   ProbeID = 28

	ProbeCCAssign  ProbeID = 30
	ProbeCCInit    ProbeID = 31
	ProbeCCSet     ProbeID = 32
	ProbeCCReinit  ProbeID = 33
	ProbeCCCleanup ProbeID = 34

	ProbeCubicCongAvoid ProbeID = 40
	ProbeCubicInit      ProbeID = 41
	ProbeCubicSsthresh  ProbeID = 42
	ProbeCubicState     ProbeID = 43
	ProbeCubicCwndEvent ProbeID = 44
	ProbeCubicAcked     ProbeID = 45
	ProbeCubicHystart   ProbeID = 46

	maxProbeID = ProbeCubicHystart
)

// Kind is how a program is attached to the kernel.
type Kind uint8

const (
	KindKprobe Kind = iota
	KindKretprobe
	KindTracepoint
	KindRawTracepoint
)

func (k Kind) String() string {
	switch k {
	case KindKprobe:
		return "kprobe"
	case KindKretprobe:
		return "kretprobe"
	case KindTracepoint:
		return "tracepoint"
	case KindRawTracepoint:
		return "raw_tracepoint"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Attachment describes one program of the BPF object and where it hooks.
type Attachment struct {
	Probe  ProbeID
	Family probe.Family
	Kind   Kind
	// Program is the function name of the program in the object file.
	Program string
	// Symbol is the kernel function for kprobes, the event name for raw
	// tracepoints and the "group/name" pair for tracepoints.
	Symbol string
	// Offset is the instruction offset inside Symbol for branch probes.
	Offset uint64
	// Branch names the interior point for branch probes.
	Branch string
	// Optional attachments may be missing on a given kernel.
	Optional bool
}

// Key is the name used for offset overrides and attach reporting.
func (a Attachment) Key() string {
	if a.Branch != "" {
		return a.Symbol + "/" + a.Branch
	}

	return a.Symbol
}

type branchPoint struct {
	name   string
	offset uint64
}

// Default interior branch offsets. They are specific to the kernel build
// the collector was calibrated on and are overridable through
// tracer.branch_offsets.
var (
	connectBranches = []branchPoint{
		{"invalid_addrlen", 0x4f0},
		{"wrong_family", 0x4e6},
		{"route_lookup", 0x17c},
		{"route_error", 0x46c},
		{"multicast_bcast", 0x4fa},
		{"no_src_addr", 0x3fe},
		{"src_bind_fail", 0x417},
		{"port_alloc", 0x27e},
		{"hash_error", 0x283},
		{"fastopen_defer", 0x3b1},
		{"regular_syn", 0x42d},
		{"tcp_connect_err", 0x43a},
		{"enetunreach", 0x48d},
		{"new_sport", 0x337},
		{"write_seq_init", 0x372},
		{"error_path", 0x289},
	}

	receiveBranches = []branchPoint{
		{"not_for_host", 0x73},
		{"no_socket", 0x722},
		{"time_wait", 0x279},
		{"checksum_err", 0x2e8},
		{"listen", 0xedf},
		{"socket_busy", 0xec2},
		{"xfrm_drop", 0x8e5},
		{"new_syn_recv", 0x5db},
	}

	stateBranches = []branchPoint{
		{"listen", 0x12d},
		{"syn_sent", 0x52},
		{"syn_recv_to_established", 0x301},
		{"fin_wait1_to_fin_wait2", 0xe7d},
		{"to_time_wait", 0x769},
		{"last_ack", 0xb3d},
		{"challenge_ack", 0x714},
		{"reset", 0x8fc},
		{"fast_open", 0x67f},
		{"ack_processing", 0x4f3},
		{"data_queue", 0x5be},
		{"abort_on_data", 0xfd9},
	}
)

func pair(family probe.Family, symbol string, enter, exit ProbeID, optional bool) []Attachment {
	return []Attachment{
		{Probe: enter, Family: family, Kind: KindKprobe, Program: "kprobe_" + symbol, Symbol: symbol, Optional: optional},
		{Probe: exit, Family: family, Kind: KindKretprobe, Program: "kretprobe_" + symbol, Symbol: symbol, Optional: optional},
	}
}

func branches(family probe.Family, id ProbeID, symbol string, points []branchPoint) []Attachment {
	out := make([]Attachment, 0, len(points))

	for _, p := range points {
		out = append(out, Attachment{
			Probe:    id,
			Family:   family,
			Kind:     KindKprobe,
			Program:  "branch_" + symbol + "_" + p.name,
			Symbol:   symbol,
			Offset:   p.offset,
			Branch:   p.name,
			Optional: true,
		})
	}

	return out
}

func hook(family probe.Family, id ProbeID, symbol string, optional bool) Attachment {
	return Attachment{
		Probe:    id,
		Family:   family,
		Kind:     KindKprobe,
		Program:  "kprobe_" + symbol,
		Symbol:   symbol,
		Optional: optional,
	}
}

// DefaultAttachments returns the complete attachment table in attach order.
// Exit probes follow their entries so a return is never attached without
// its entry.
func DefaultAttachments() []Attachment {
	var out []Attachment

	out = append(out, pair(probe.FamilyPageFault, "handle_mm_fault", ProbePageFaultEnter, ProbePageFaultExit, false)...)
	out = append(out, pair(probe.FamilyMadvise, "do_madvise", ProbeMadviseEnter, ProbeMadviseExit, false)...)
	out = append(out, pair(probe.FamilyUnmap, "unmap_page_range", ProbeUnmapPageRangeEnter, ProbeUnmapPageRangeExit, false)...)
	out = append(out, pair(probe.FamilyUnmap, "__unmap_hugepage_range", ProbeUnmapHugeRangeEnter, ProbeUnmapHugeRangeExit, true)...)

	out = append(out,
		Attachment{
			Probe: ProbeRSSStatOwner, Family: probe.FamilyRSSStat, Kind: KindRawTracepoint,
			Program: "raw_tp_rss_stat", Symbol: "rss_stat",
		},
		Attachment{
			Probe: ProbeRSSStatValue, Family: probe.FamilyRSSStat, Kind: KindTracepoint,
			Program: "tp_kmem_rss_stat", Symbol: "kmem/rss_stat",
		},
	)

	out = append(out, pair(probe.FamilyZswap, "zswap_store", ProbeZswapStoreEnter, ProbeZswapStoreExit, true)...)
	out = append(out, pair(probe.FamilyZswap, "zswap_load", ProbeZswapLoadEnter, ProbeZswapLoadExit, true)...)
	out = append(out, pair(probe.FamilyZswap, "zswap_invalidate", ProbeZswapInvalidateEnter, ProbeZswapInvalidateExit, true)...)

	out = append(out, pair(probe.FamilyTCPConnect, "tcp_v4_connect", ProbeConnectEnter, ProbeConnectExit, false)...)
	out = append(out, branches(probe.FamilyTCPConnect, ProbeConnectBranch, "tcp_v4_connect", connectBranches)...)

	out = append(out, pair(probe.FamilyTCPRcv, "tcp_v4_rcv", ProbeRcvEnter, ProbeRcvExit, false)...)
	out = append(out, branches(probe.FamilyTCPRcv, ProbeRcvBranch, "tcp_v4_rcv", receiveBranches)...)

	out = append(out, pair(probe.FamilyTCPState, "tcp_rcv_state_process", ProbeStateEnter, ProbeStateExit, false)...)
	out = append(out, branches(probe.FamilyTCPState, ProbeStateBranch, "tcp_rcv_state_process", stateBranches)...)

	out = append(out,
		hook(probe.FamilyTCPCC, ProbeCCAssign, "tcp_assign_congestion_control", false),
		hook(probe.FamilyTCPCC, ProbeCCInit, "tcp_init_congestion_control", false),
		hook(probe.FamilyTCPCC, ProbeCCSet, "tcp_set_congestion_control", false),
		hook(probe.FamilyTCPCC, ProbeCCReinit, "tcp_reinit_congestion_control", true),
		hook(probe.FamilyTCPCC, ProbeCCCleanup, "tcp_cleanup_congestion_control", false),
	)

	out = append(out,
		hook(probe.FamilyTCPCubic, ProbeCubicCongAvoid, "cubictcp_cong_avoid", true),
		hook(probe.FamilyTCPCubic, ProbeCubicInit, "cubictcp_init", true),
		hook(probe.FamilyTCPCubic, ProbeCubicSsthresh, "cubictcp_recalc_ssthresh", true),
		hook(probe.FamilyTCPCubic, ProbeCubicState, "cubictcp_state", true),
		hook(probe.FamilyTCPCubic, ProbeCubicCwndEvent, "cubictcp_cwnd_event", true),
		hook(probe.FamilyTCPCubic, ProbeCubicAcked, "cubictcp_acked", true),
		hook(probe.FamilyTCPCubic, ProbeCubicHystart, "hystart_update", true),
	)

	return out
}

// Plan filters the attachment table down to the enabled families and
// applies branch offset overrides keyed by "symbol/branch". Unknown
// override keys are an error.
func Plan(families []probe.Family, offsets map[string]uint64) ([]Attachment, error) {
	enabled := make(map[probe.Family]bool, len(families))
	for _, f := range families {
		enabled[f] = true
	}

	all := DefaultAttachments()
	known := make(map[string]bool, len(all))

	out := make([]Attachment, 0, len(all))

	for _, a := range all {
		if a.Branch != "" {
			known[a.Key()] = true
		}

		if !enabled[a.Family] {
			continue
		}

		if off, ok := offsets[a.Key()]; ok && a.Branch != "" {
			a.Offset = off
		}

		out = append(out, a)
	}

	var unknown []string

	for k := range offsets {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}

	if len(unknown) > 0 {
		sort.Strings(unknown)

		return nil, fmt.Errorf("unknown branch offsets: %v", unknown)
	}

	return out, nil
}

var probeNames = map[ProbeID]string{
	ProbePageFaultEnter:       "page_fault_enter",
	ProbePageFaultExit:        "page_fault_exit",
	ProbeMadviseEnter:         "madvise_enter",
	ProbeMadviseExit:          "madvise_exit",
	ProbeUnmapPageRangeEnter:  "unmap_page_range_enter",
	ProbeUnmapPageRangeExit:   "unmap_page_range_exit",
	ProbeUnmapHugeRangeEnter:  "unmap_huge_range_enter",
	ProbeUnmapHugeRangeExit:   "unmap_huge_range_exit",
	ProbeRSSStatOwner:         "rss_stat_owner",
	ProbeRSSStatValue:         "rss_stat_value",
	ProbeZswapStoreEnter:      "zswap_store_enter",
	ProbeZswapStoreExit:       "zswap_store_exit",
	ProbeZswapLoadEnter:       "zswap_load_enter",
	ProbeZswapLoadExit:        "zswap_load_exit",
	ProbeZswapInvalidateEnter: "zswap_invalidate_enter",
	ProbeZswapInvalidateExit:  "zswap_invalidate_exit",
	ProbeConnectEnter:         "tcp_connect_enter",
	ProbeConnectBranch:        "tcp_connect_branch",
	ProbeConnectExit:          "tcp_connect_exit",
	ProbeRcvEnter:             "tcp_rcv_enter",
	ProbeRcvBranch:            "tcp_rcv_branch",
	ProbeRcvExit:              "tcp_rcv_exit",
	ProbeStateEnter:           "tcp_state_enter",
	ProbeStateBranch:          "tcp_state_branch",
	ProbeStateExit:            "tcp_state_exit",
	ProbeCCAssign:             "tcp_cc_assign",
	ProbeCCInit:               "tcp_cc_init",
	ProbeCCSet:                "tcp_cc_set",
	ProbeCCReinit:             "tcp_cc_reinit",
	ProbeCCCleanup:            "tcp_cc_cleanup",
	ProbeCubicCongAvoid:       "tcp_cubic_cong_avoid",
	ProbeCubicInit:            "tcp_cubic_init",
	ProbeCubicSsthresh:        "tcp_cubic_ssthresh",
	ProbeCubicState:           "tcp_cubic_state",
	ProbeCubicCwndEvent:       "tcp_cubic_cwnd_event",
	ProbeCubicAcked:           "tcp_cubic_acked",
	ProbeCubicHystart:         "tcp_cubic_hystart",
}

func (p ProbeID) String() string {
	if name, ok := probeNames[p]; ok {
		return name
	}

	return fmt.Sprintf("unknown(%d)", p)
}
