package keeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"github.com/betbot/pairguard/internal/oracle"
	"github.com/betbot/pairguard/pkg/config"
	"github.com/betbot/pairguard/pkg/persistence"
)

type fakeEngine struct {
	mu       sync.Mutex
	workable bool
	seq      uint64
	updates  int
	restored *oracle.RingSnapshot
}

func (f *fakeEngine) Workable(context.Context, uint32, *uint256.Int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workable, nil
}

func (f *fakeEngine) Update(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.workable {
		return false, nil
	}
	f.seq++
	f.updates++
	f.workable = false
	return true, nil
}

func (f *fakeEngine) Sequence() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

func (f *fakeEngine) Snapshot() oracle.RingSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return oracle.RingSnapshot{Sequence: f.seq}
}

func (f *fakeEngine) RestoreSnapshot(snap oracle.RingSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = &snap
	f.seq = snap.Sequence
	return nil
}

func (f *fakeEngine) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

func newTestKeeper(t *testing.T, engine *fakeEngine) *Keeper {
	t.Helper()
	svc := persistence.NewJSONFileService(t.TempDir())
	k, err := New(engine, config.KeeperConfig{
		PollInterval:       3600, // tick 不会在测试期间触发，靠 Poke 驱动
		MinPeriod:          0,
		DeviationThreshold: "",
	}, svc, "testpair")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return k
}

func TestTickUpdatesWhenWorkable(t *testing.T) {
	engine := &fakeEngine{workable: true, seq: 1}
	k := newTestKeeper(t, engine)

	k.tick(context.Background())

	if got := engine.updateCount(); got != 1 {
		t.Fatalf("updates = %d, want 1", got)
	}
	if got := engine.Sequence(); got != 2 {
		t.Fatalf("sequence = %d, want 2", got)
	}
}

func TestTickSkipsWhenNotWorkable(t *testing.T) {
	engine := &fakeEngine{workable: false, seq: 1}
	k := newTestKeeper(t, engine)

	k.tick(context.Background())

	if got := engine.updateCount(); got != 0 {
		t.Fatalf("updates = %d, want 0", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	svc := persistence.NewJSONFileService(dir)
	cfg := config.KeeperConfig{PollInterval: 3600}

	engine := &fakeEngine{workable: true, seq: 4}
	k, err := New(engine, cfg, svc, "testpair")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	k.tick(context.Background()) // seq=5 并落盘

	fresh := &fakeEngine{seq: 1}
	k2, err := New(fresh, cfg, svc, "testpair")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := k2.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if fresh.restored == nil || fresh.restored.Sequence != 5 {
		t.Fatalf("restored = %+v, want sequence 5", fresh.restored)
	}
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	engine := &fakeEngine{}
	k := newTestKeeper(t, engine)

	if err := k.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if engine.restored != nil {
		t.Fatalf("restored = %+v, want nil", engine.restored)
	}
}

func TestPokeDrivesRun(t *testing.T) {
	engine := &fakeEngine{workable: true, seq: 1}
	k := newTestKeeper(t, engine)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		k.Run(ctx)
		close(done)
	}()

	// Run 启动即跑一轮
	deadline := time.After(2 * time.Second)
	for engine.updateCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("initial tick never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}

	engine.mu.Lock()
	engine.workable = true
	engine.mu.Unlock()
	k.Poke()

	deadline = time.After(2 * time.Second)
	for engine.updateCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("poked tick never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
