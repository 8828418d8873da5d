package executor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "relay.db"), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestSession(t *testing.T, store *persistence.Store, kind persistence.EnvironmentKind) *persistence.Session {
	t.Helper()
	sess := &persistence.Session{
		ID:          uuid.NewString(),
		Status:      persistence.SessionIdle,
		Environment: kind,
		Model:       "test-model",
	}
	if err := store.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

type fakeDriver struct {
	spawnCalls  atomic.Int32
	stopCalls   atomic.Int32
	removeCalls atomic.Int32
	spawnDelay  time.Duration
	spawnErr    error
	stopErr     error
}

func (f *fakeDriver) Spawn(ctx context.Context, sess *persistence.Session) error {
	f.spawnCalls.Add(1)
	if f.spawnDelay > 0 {
		time.Sleep(f.spawnDelay)
	}
	return f.spawnErr
}

func (f *fakeDriver) Stop(ctx context.Context, sess *persistence.Session) error {
	f.stopCalls.Add(1)
	return f.stopErr
}

func (f *fakeDriver) Remove(ctx context.Context, sess *persistence.Session) error {
	f.removeCalls.Add(1)
	return nil
}

func TestSpawnSessionInvokesDriverOnce(t *testing.T) {
	store := openTestStore(t)
	drv := &fakeDriver{spawnDelay: 50 * time.Millisecond}
	disp := NewDispatcher(store, nil, nil)
	disp.Register(persistence.EnvironmentDocker, drv)
	sess := newTestSession(t, store, persistence.EnvironmentDocker)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := disp.SpawnSession(context.Background(), sess.ID); err != nil {
				t.Errorf("SpawnSession: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := drv.spawnCalls.Load(); got != 1 {
		t.Errorf("driver invoked %d times, want 1", got)
	}
}

func TestSpawnSessionReleasesLock(t *testing.T) {
	store := openTestStore(t)
	drv := &fakeDriver{}
	disp := NewDispatcher(store, nil, nil)
	disp.Register(persistence.EnvironmentDocker, drv)
	sess := newTestSession(t, store, persistence.EnvironmentDocker)

	if err := disp.SpawnSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("SpawnSession: %v", err)
	}
	claimed, err := store.ClaimExecutor(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("ClaimExecutor: %v", err)
	}
	if !claimed {
		t.Error("lock still held after spawn returned")
	}
}

func TestSpawnSessionFailureMarksFailed(t *testing.T) {
	store := openTestStore(t)
	drv := &fakeDriver{spawnErr: errors.New("daemon unreachable")}
	disp := NewDispatcher(store, nil, nil)
	disp.Register(persistence.EnvironmentDocker, drv)
	sess := newTestSession(t, store, persistence.EnvironmentDocker)

	if err := disp.SpawnSession(context.Background(), sess.ID); err == nil {
		t.Fatal("expected spawn error")
	}
	got, err := store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != persistence.SessionFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.ExecutorStatus != "" {
		t.Errorf("lock not released after failure: %q", got.ExecutorStatus)
	}
}

func TestSpawnSessionUnknownEnvironment(t *testing.T) {
	store := openTestStore(t)
	disp := NewDispatcher(store, nil, nil)
	sess := newTestSession(t, store, persistence.EnvironmentServerless)

	err := disp.SpawnSession(context.Background(), sess.ID)
	if !errors.Is(err, ErrUnknownEnvironment) {
		t.Errorf("err = %v, want ErrUnknownEnvironment", err)
	}
}

func TestStopSessionMarksIdle(t *testing.T) {
	store := openTestStore(t)
	drv := &fakeDriver{}
	disp := NewDispatcher(store, nil, nil)
	disp.Register(persistence.EnvironmentDocker, drv)
	sess := newTestSession(t, store, persistence.EnvironmentDocker)
	if err := store.UpdateSessionStatus(context.Background(), sess.ID, persistence.SessionRunning); err != nil {
		t.Fatal(err)
	}

	if err := disp.StopSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if got := drv.stopCalls.Load(); got != 1 {
		t.Errorf("stop calls = %d, want 1", got)
	}
	got, err := store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != persistence.SessionIdle {
		t.Errorf("status = %s, want idle", got.Status)
	}
}

func TestStopSessionHandleGoneMarksFailed(t *testing.T) {
	store := openTestStore(t)
	drv := &fakeDriver{stopErr: ErrHandleGone}
	disp := NewDispatcher(store, nil, nil)
	disp.Register(persistence.EnvironmentDocker, drv)
	sess := newTestSession(t, store, persistence.EnvironmentDocker)
	if err := store.UpdateSessionStatus(context.Background(), sess.ID, persistence.SessionRunning); err != nil {
		t.Fatal(err)
	}

	if err := disp.StopSession(context.Background(), sess.ID); err == nil {
		t.Fatal("expected stop error")
	}
	got, err := store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != persistence.SessionFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestRemoveSessionRoutesToDriver(t *testing.T) {
	store := openTestStore(t)
	drv := &fakeDriver{}
	disp := NewDispatcher(store, nil, nil)
	disp.Register(persistence.EnvironmentServerless, drv)
	sess := newTestSession(t, store, persistence.EnvironmentServerless)

	if err := disp.RemoveSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	if got := drv.removeCalls.Load(); got != 1 {
		t.Errorf("remove calls = %d, want 1", got)
	}
}
