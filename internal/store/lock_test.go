package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"vigil/internal/types"
)

func fastLockConfig() LockConfig {
	return LockConfig{Retries: 0, BackoffBase: 5 * time.Millisecond, Stale: time.Minute}
}

func TestAcquireAndRelease(t *testing.T) {
	s := newTestStore(t)
	rec := newTestAgent(t, s, "locked")
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, rec.UUID, fastLockConfig())
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if lock.Agent() != rec.UUID {
		t.Errorf("lock agent = %s, want %s", lock.Agent(), rec.UUID)
	}

	// The holder is live, so a contender must get Busy with a retry hint.
	_, err = s.AcquireLock(ctx, rec.UUID, fastLockConfig())
	if !types.IsKind(err, types.KindBusy) {
		t.Fatalf("contended acquire = %v, want Busy", err)
	}
	var ge *types.Error
	if !errors.As(err, &ge) || ge.RetryAfter <= 0 {
		t.Errorf("busy error carries no retry hint: %+v", ge)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	relock, err := s.AcquireLock(ctx, rec.UUID, fastLockConfig())
	if err != nil {
		t.Fatalf("reacquire after release failed: %v", err)
	}
	relock.Release()
}

func TestLocksAreIndependentPerAgent(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s, "ind-a")
	b := newTestAgent(t, s, "ind-b")
	ctx := context.Background()

	lockA, err := s.AcquireLock(ctx, a.UUID, fastLockConfig())
	if err != nil {
		t.Fatalf("lock a failed: %v", err)
	}
	defer lockA.Release()

	lockB, err := s.AcquireLock(ctx, b.UUID, fastLockConfig())
	if err != nil {
		t.Fatalf("lock b blocked by a: %v", err)
	}
	lockB.Release()
}

func TestStaleLockReclaimed(t *testing.T) {
	s := newTestStore(t)
	rec := newTestAgent(t, s, "stale")
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, rec.UUID, fastLockConfig())
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	// Age the heartbeat past the staleness horizon. The holder pid is this
	// process, so only the heartbeat check can free the lock.
	old := time.Now().Add(-time.Hour).UnixMilli()
	if _, err := s.DB().Exec(
		"UPDATE agent_locks SET heartbeat_ms = ? WHERE agent_uuid = ?",
		old, rec.UUID.String(),
	); err != nil {
		t.Fatalf("aging heartbeat failed: %v", err)
	}

	cfg := fastLockConfig()
	cfg.Stale = 50 * time.Millisecond
	taken, err := s.AcquireLock(ctx, rec.UUID, cfg)
	if err != nil {
		t.Fatalf("reclaim of stale lock failed: %v", err)
	}
	defer taken.Release()

	// The original handle lost the lock.
	if err := lock.Heartbeat(); !types.IsKind(err, types.KindBusy) {
		t.Errorf("heartbeat on reclaimed lock = %v, want Busy", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("release of reclaimed lock should be a no-op: %v", err)
	}
}

func TestDeadHolderReclaimedImmediately(t *testing.T) {
	s := newTestStore(t)
	rec := newTestAgent(t, s, "orphaned")
	ctx := context.Background()

	// Plant a fresh lock owned by a pid that cannot exist. The heartbeat is
	// current, so only the liveness probe can justify the reclaim.
	now := time.Now().UnixMilli()
	if _, err := s.DB().Exec(
		"INSERT INTO agent_locks (agent_uuid, token, holder_pid, acquired_ms, heartbeat_ms) VALUES (?, ?, ?, ?, ?)",
		rec.UUID.String(), uuid.NewString(), 1<<30, now, now,
	); err != nil {
		t.Fatalf("planting orphan lock failed: %v", err)
	}

	lock, err := s.AcquireLock(ctx, rec.UUID, fastLockConfig())
	if err != nil {
		t.Fatalf("reclaim from dead holder failed: %v", err)
	}
	lock.Release()
}

func TestHeartbeatExtendsLock(t *testing.T) {
	s := newTestStore(t)
	rec := newTestAgent(t, s, "beating")
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, rec.UUID, fastLockConfig())
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	if err := lock.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	var heartbeat int64
	if err := s.DB().QueryRow(
		"SELECT heartbeat_ms FROM agent_locks WHERE agent_uuid = ?", rec.UUID.String(),
	).Scan(&heartbeat); err != nil {
		t.Fatalf("reading heartbeat failed: %v", err)
	}
	if age := time.Now().UnixMilli() - heartbeat; age > 5000 {
		t.Errorf("heartbeat is %dms old after refresh", age)
	}
}

func TestAcquireLockContextCancelled(t *testing.T) {
	s := newTestStore(t)
	rec := newTestAgent(t, s, "cancelled")

	holder, err := s.AcquireLock(context.Background(), rec.UUID, fastLockConfig())
	if err != nil {
		t.Fatalf("holder acquire failed: %v", err)
	}
	defer holder.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	cfg := LockConfig{Retries: 20, BackoffBase: 20 * time.Millisecond, Stale: time.Minute}
	start := time.Now()
	_, err = s.AcquireLock(ctx, rec.UUID, cfg)
	if !types.IsKind(err, types.KindBusy) {
		t.Fatalf("cancelled acquire = %v, want Busy", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancelled acquire took %s, should stop at cancellation", elapsed)
	}
}

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Error("processAlive(self) = false")
	}
	if processAlive(0) {
		t.Error("processAlive(0) = true")
	}
	if processAlive(-1) {
		t.Error("processAlive(-1) = true")
	}
	if processAlive(1 << 30) {
		t.Error("processAlive(impossible pid) = true")
	}
}
