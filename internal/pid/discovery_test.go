package pid

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	return log
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func fakeProc(t *testing.T) string {
	t.Helper()

	root := t.TempDir()

	writeFile(t, filepath.Join(root, "100", "comm"), "memcached\n")
	writeFile(t, filepath.Join(root, "200", "comm"), "redis-server\n")
	writeFile(t, filepath.Join(root, "300", "status"), "Name:\tmongod\nState:\tS\n")
	writeFile(t, filepath.Join(root, "self", "comm"), "memcached\n")
	writeFile(t, filepath.Join(root, "meminfo"), "MemTotal: 1 kB\n")

	return root
}

func TestProcessDiscovery(t *testing.T) {
	root := fakeProc(t)

	d := newProcessDiscovery(testLog(), root, []string{"memcached", "mongod"})

	pids, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint32{100, 300}, pids)
}

func TestProcessDiscovery_NoNames(t *testing.T) {
	d := newProcessDiscovery(testLog(), "/nonexistent", nil)

	pids, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pids)
}

func TestCgroupDiscovery_Nested(t *testing.T) {
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "cgroup.procs"), "10\n11\n")
	writeFile(t, filepath.Join(root, "child.scope", "cgroup.procs"), "12\n\nbogus\n")

	d := newCgroupDiscovery(testLog(), root)

	pids, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint32{10, 11, 12}, pids)
}

func TestCgroupDiscovery_MissingPath(t *testing.T) {
	d := newCgroupDiscovery(testLog(), filepath.Join(t.TempDir(), "missing"))

	_, err := d.Discover(context.Background())
	require.Error(t, err)
}

func TestCompositeDiscovery_UnionSorted(t *testing.T) {
	proc := fakeProc(t)
	cg := t.TempDir()
	writeFile(t, filepath.Join(cg, "cgroup.procs"), "300\n50\n")

	d := newCompositeDiscovery(testLog(), Config{
		ProcessNames: []string{"memcached", "mongod"},
		CgroupPath:   cg,
	}, proc)

	pids, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint32{50, 100, 300}, pids)
}

func TestCompositeDiscovery_FailingSourceIsSkipped(t *testing.T) {
	d := newCompositeDiscovery(testLog(), Config{
		ProcessNames: []string{"memcached"},
		CgroupPath:   filepath.Join(t.TempDir(), "missing"),
	}, fakeProc(t))

	pids, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint32{100}, pids)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Enabled())

	cfg.ProcessNames = []string{"memcached"}
	assert.True(t, cfg.Enabled())
	require.NoError(t, cfg.Validate())

	cfg.RefreshInterval = 0
	require.Error(t, cfg.Validate())

	cfg.RefreshInterval = time.Second
	cfg.ProcessNames = []string{"a-very-long-process-name"}
	require.Error(t, cfg.Validate())
}
