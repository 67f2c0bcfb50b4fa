package agent

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernmlops/kerntrace/internal/capture"
	"github.com/kernmlops/kerntrace/internal/probe"
	"github.com/kernmlops/kerntrace/internal/tracer"
)

func rawFiring(id tracer.ProbeID, ts uint64, tgid, tid uint32, payload []byte) []byte {
	data := make([]byte, 40+len(payload))
	binary.LittleEndian.PutUint64(data[0:8], ts)
	binary.LittleEndian.PutUint64(data[8:16], uint64(tgid)<<32|uint64(tid))
	binary.LittleEndian.PutUint16(data[16:18], uint16(id))
	copy(data[24:40], "redis-server")
	copy(data[40:], payload)

	return data
}

// recordedOffset stands in for a clock offset from an earlier boot.
const recordedOffset = 1_750_000_000 * time.Second

func writeCapture(t *testing.T, records ...[]byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "replay.ktcap")

	w, err := capture.Create(path, recordedOffset)
	require.NoError(t, err)

	for i, rec := range records {
		require.NoError(t, w.Record(uint32(i%2), rec))
	}

	require.NoError(t, w.Close())

	return path
}

func TestReplay(t *testing.T) {
	enter := make([]byte, 16)
	binary.LittleEndian.PutUint64(enter[0:8], 0x7f0000001000)

	exit := make([]byte, 8)
	binary.LittleEndian.PutUint32(exit[0:4], probe.VMFaultMajor)

	path := writeCapture(t,
		rawFiring(tracer.ProbePageFaultEnter, 1000, 42, 43, enter),
		[]byte{1, 2, 3},
		rawFiring(tracer.ProbePageFaultExit, 9000, 42, 43, exit),
	)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	var seen []probe.Event

	result, err := Replay(context.Background(), log, DefaultConfig(), path, func(ev probe.Event) {
		seen = append(seen, ev)
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(3), result.Firings)
	assert.Equal(t, uint64(1), result.DecodeErrors)
	assert.Equal(t, uint64(1), result.Events[probe.FamilyPageFault])
	assert.Equal(t, recordedOffset, result.ClockOffset)

	require.Len(t, seen, 1)

	ev, ok := seen[0].(probe.PageFaultEvent)
	require.True(t, ok)
	assert.True(t, ev.IsMajor)
	assert.Equal(t, int64(8000), ev.LatencyNs)
	assert.Equal(t, "redis-server", ev.CommString())
}

func TestReplay_MissingFile(t *testing.T) {
	_, err := Replay(context.Background(), logrus.New(), DefaultConfig(), "/nonexistent.ktcap", nil)
	require.Error(t, err)
}

func TestReplay_Cancelled(t *testing.T) {
	path := writeCapture(t, []byte{0})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	result, err := Replay(ctx, log, DefaultConfig(), path, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(0), result.Firings)
}
