package recorder

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/betbot/pairguard/internal/events"
)

func TestPublishAndRecent(t *testing.T) {
	r, err := NewSQLiteRecorder(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer r.Close()

	r.Publish(events.CeilingChangedEvent{
		Caller:    common.HexToAddress("0xb2"),
		Old:       uint256.NewInt(100),
		New:       uint256.NewInt(150),
		Timestamp: time.Now(),
	})
	r.Publish(events.ObservationRecordedEvent{
		Sequence:      2,
		PoolTimestamp: 1_700_000_000,
		Timestamp:     time.Now(),
	})

	got, err := r.Recent(10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	kinds := map[string]bool{}
	for _, e := range got {
		kinds[e.Kind] = true
		require.NotEmpty(t, e.ID)
		require.NotEmpty(t, e.Payload)
	}
	require.True(t, kinds["ceiling_changed"])
	require.True(t, kinds["observation_recorded"])
}

func TestRecentLimit(t *testing.T) {
	r, err := NewSQLiteRecorder(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 5; i++ {
		r.Publish(events.BoundsChangedEvent{
			Caller:    common.HexToAddress("0xa1"),
			Param:     "maxCeilingBps",
			Old:       uint64(i),
			New:       uint64(i + 1),
			Timestamp: time.Now(),
		})
	}
	got, err := r.Recent(3)
	require.NoError(t, err)
	require.Len(t, got, 3)
}
