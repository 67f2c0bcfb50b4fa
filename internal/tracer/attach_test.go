package tracer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernmlops/kerntrace/internal/probe"
)

func TestDefaultAttachments_CoverEveryFamily(t *testing.T) {
	perFamily := make(map[probe.Family]int)
	programs := make(map[string]bool)

	for _, a := range DefaultAttachments() {
		perFamily[a.Family]++

		assert.False(t, programs[a.Program], "duplicate program %s", a.Program)
		programs[a.Program] = true

		assert.NotContains(t, a.Probe.String(), "unknown")
	}

	for _, f := range probe.AllFamilies() {
		assert.Positive(t, perFamily[f], "family %s has no attachment", f)
	}

	assert.Equal(t, 2+len(connectBranches), perFamily[probe.FamilyTCPConnect])
	assert.Equal(t, 2+len(receiveBranches), perFamily[probe.FamilyTCPRcv])
	assert.Equal(t, 2+len(stateBranches), perFamily[probe.FamilyTCPState])
}

func TestDefaultAttachments_ExitFollowsEntry(t *testing.T) {
	seen := make(map[string]bool)

	for _, a := range DefaultAttachments() {
		if a.Kind == KindKretprobe {
			assert.True(t, seen[a.Symbol], "kretprobe %s attached before its entry", a.Symbol)
		}

		if a.Kind == KindKprobe && a.Branch == "" {
			seen[a.Symbol] = true
		}
	}
}

func TestPlan_FiltersFamilies(t *testing.T) {
	plan, err := Plan([]probe.Family{probe.FamilyPageFault, probe.FamilyZswap}, nil)
	require.NoError(t, err)

	for _, a := range plan {
		assert.Contains(t, []probe.Family{probe.FamilyPageFault, probe.FamilyZswap}, a.Family)
	}

	assert.Len(t, plan, 8)
}

func TestPlan_BranchOffsetOverride(t *testing.T) {
	plan, err := Plan(
		[]probe.Family{probe.FamilyTCPState},
		map[string]uint64{"tcp_rcv_state_process/listen": 0x140},
	)
	require.NoError(t, err)

	var found bool

	for _, a := range plan {
		if a.Key() == "tcp_rcv_state_process/listen" {
			found = true

			assert.Equal(t, uint64(0x140), a.Offset)
		}

		if a.Key() == "tcp_rcv_state_process/syn_sent" {
			assert.Equal(t, uint64(0x52), a.Offset)
		}
	}

	assert.True(t, found)
}

func TestPlan_UnknownOverride(t *testing.T) {
	_, err := Plan(probe.AllFamilies(), map[string]uint64{
		"tcp_v4_connect/nope": 1,
		"handle_mm_fault":     2,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tcp_v4_connect/nope")
	assert.Contains(t, err.Error(), "handle_mm_fault")
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	families, err := cfg.EnabledFamilies()
	require.NoError(t, err)
	assert.Len(t, families, probe.NumFamilies)

	cfg.Families = []string{"tcp_cubic", "tcp_cubic", "page_fault"}
	families, err = cfg.EnabledFamilies()
	require.NoError(t, err)
	assert.Equal(t, []probe.Family{probe.FamilyTCPCubic, probe.FamilyPageFault}, families)

	cfg.ObjectPath = ""
	cfg.PerfBufferPages = 3
	cfg.Families = []string{"bogus"}

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "object_path")
	assert.Contains(t, err.Error(), "perf_buffer_pages")
	assert.Contains(t, err.Error(), "bogus")
}

func TestFiringStats_Snapshot(t *testing.T) {
	s := NewFiringStats()

	s.Record(ProbeCCInit)
	s.Record(ProbeCCInit)
	s.Record(ProbeID(60000))
	s.recordError()

	counts, errs := s.Snapshot()
	assert.Equal(t, map[ProbeID]uint64{ProbeCCInit: 2}, counts)
	assert.Equal(t, uint64(1), errs)

	counts, errs = s.Snapshot()
	assert.Empty(t, counts)
	assert.Zero(t, errs)
}
