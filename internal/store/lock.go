package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"

	"vigil/internal/logging"
	"vigil/internal/types"
)

// sigProbe is the null signal used to probe holder liveness.
var sigProbe = syscall.Signal(0)

// LockConfig tunes per-agent lock acquisition.
type LockConfig struct {
	// Retries is the number of additional attempts after the first.
	Retries int

	// BackoffBase is the first retry delay; each retry doubles it.
	BackoffBase time.Duration

	// Stale is the heartbeat age past which the holder is presumed dead
	// and the lock reclaimable.
	Stale time.Duration
}

// DefaultLockConfig returns the production lock settings.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		Retries:     5,
		BackoffBase: 200 * time.Millisecond,
		Stale:       30 * time.Second,
	}
}

// Lock is a held per-agent advisory lock. Exactly one writer advances an
// agent at a time; every exit path must call Release.
type Lock struct {
	store *Store
	agent uuid.UUID
	token string
}

// AcquireLock takes the per-agent write lock, reclaiming stale holders and
// backing off between attempts. Exhausting the retry budget returns a Busy
// error with a suggested retry delay.
func (s *Store) AcquireLock(ctx context.Context, id uuid.UUID, cfg LockConfig) (*Lock, error) {
	timer := logging.StartTimer(logging.CategoryStore, "AcquireLock")
	defer timer.Stop()

	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultLockConfig().BackoffBase
	}
	if cfg.Stale <= 0 {
		cfg.Stale = DefaultLockConfig().Stale
	}

	token := uuid.NewString()
	delay := cfg.BackoffBase

	for attempt := 0; ; attempt++ {
		acquired, holder, err := s.tryAcquire(id, token, cfg.Stale)
		if err != nil {
			return nil, err
		}
		if acquired {
			if holder != nil {
				logging.Audit().LockReclaim(fmt.Sprintf("pid %d", holder.pid), holder.ageMs)
				s.RecordAudit(logging.AuditEvent{
					EventType: logging.AuditLockReclaim,
					AgentUUID: id.String(),
					Target:    fmt.Sprintf("pid %d", holder.pid),
					Success:   true,
					Message:   fmt.Sprintf("reclaimed stale lock (held %dms)", holder.ageMs),
				})
				logging.StoreWarn("Reclaimed stale lock: agent=%s holder_pid=%d age=%dms",
					id, holder.pid, holder.ageMs)
			}
			logging.StoreDebug("Lock acquired: agent=%s attempt=%d", id, attempt)
			return &Lock{store: s, agent: id, token: token}, nil
		}

		if attempt >= cfg.Retries {
			timeoutEvent := logging.AuditEvent{
				EventType: logging.AuditLockTimeout,
				AgentUUID: id.String(),
				Success:   false,
				Message:   fmt.Sprintf("lock timeout: agent=%s attempts=%d", id, attempt+1),
			}
			logging.Audit().Log(timeoutEvent)
			s.RecordAudit(timeoutEvent)
			return nil, types.E(types.KindBusy, "agent %s is busy, another update is in flight", id).
				WithRetryAfter(delay)
		}

		select {
		case <-ctx.Done():
			return nil, types.Wrap(types.KindBusy, ctx.Err(), "lock wait cancelled for agent %s", id)
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// staleHolder describes a reclaimed lock's previous owner.
type staleHolder struct {
	pid   int
	ageMs int64
}

// tryAcquire makes one acquisition attempt. Returns the previous holder when
// the lock was reclaimed rather than free.
func (s *Store) tryAcquire(id uuid.UUID, token string, stale time.Duration) (bool, *staleHolder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowUTC()
	nowMs := now.UnixMilli()

	var heldToken string
	var heldPID int
	var heartbeatMs int64
	err := s.db.QueryRow(
		"SELECT token, holder_pid, heartbeat_ms FROM agent_locks WHERE agent_uuid = ?",
		id.String(),
	).Scan(&heldToken, &heldPID, &heartbeatMs)

	switch {
	case err == sql.ErrNoRows:
		_, err := s.db.Exec(
			"INSERT INTO agent_locks (agent_uuid, token, holder_pid, acquired_ms, heartbeat_ms) VALUES (?, ?, ?, ?, ?)",
			id.String(), token, os.Getpid(), nowMs, nowMs,
		)
		if err != nil {
			return false, nil, fmt.Errorf("failed to insert lock: %w", err)
		}
		return true, nil, nil

	case err != nil:
		return false, nil, fmt.Errorf("failed to read lock: %w", err)
	}

	age := nowMs - heartbeatMs
	if age < stale.Milliseconds() && processAlive(heldPID) {
		return false, nil, nil
	}

	// Holder is stale or its process is gone: reclaim.
	res, err := s.db.Exec(
		"UPDATE agent_locks SET token = ?, holder_pid = ?, acquired_ms = ?, heartbeat_ms = ? WHERE agent_uuid = ? AND token = ?",
		token, os.Getpid(), nowMs, nowMs, id.String(), heldToken,
	)
	if err != nil {
		return false, nil, fmt.Errorf("failed to reclaim lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Someone else reclaimed first.
		return false, nil, nil
	}
	return true, &staleHolder{pid: heldPID, ageMs: age}, nil
}

// Heartbeat refreshes the lock's liveness timestamp. Long operations (a
// dialectic resolution holding the paused agent's lock) call this to keep
// the lock from being reclaimed underneath them.
func (l *Lock) Heartbeat() error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	res, err := l.store.db.Exec(
		"UPDATE agent_locks SET heartbeat_ms = ? WHERE agent_uuid = ? AND token = ?",
		nowUTC().UnixMilli(), l.agent.String(), l.token,
	)
	if err != nil {
		return fmt.Errorf("failed to refresh lock heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindBusy, "lock on agent %s was reclaimed", l.agent)
	}
	return nil
}

// Release drops the lock. Releasing a lock that was already reclaimed is a
// no-op.
func (l *Lock) Release() error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	_, err := l.store.db.Exec(
		"DELETE FROM agent_locks WHERE agent_uuid = ? AND token = ?",
		l.agent.String(), l.token,
	)
	if err != nil {
		logging.StoreWarn("Failed to release lock for %s: %v", l.agent, err)
		return fmt.Errorf("failed to release lock: %w", err)
	}
	logging.StoreDebug("Lock released: agent=%s", l.agent)
	return nil
}

// Agent returns the locked agent's UUID.
func (l *Lock) Agent() uuid.UUID {
	return l.agent
}

// processAlive checks whether the lock holder's process still exists. Only a
// definitive "no such process" counts as dead; anything indeterminate (EPERM,
// platforms without signal 0) defers to the heartbeat staleness check.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if err := proc.Signal(sigProbe); err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			return false
		}
		return true
	}
	return true
}
