package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vigil/internal/logging"
	"vigil/internal/types"
)

// sessionBinding is one cached session-key -> agent mapping.
type sessionBinding struct {
	agentUUID uuid.UUID
	expiresAt time.Time
}

// BindSession maps a transport session key to an agent. Re-binding the same
// agent refreshes the TTL; binding a live key to a different agent fails with
// SessionMismatch. Expired bindings are overwritten.
func (s *Store) BindSession(key string, id uuid.UUID, ttl time.Duration) error {
	if key == "" {
		return types.E(types.KindInvalidArgument, "session key must not be empty")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowUTC()
	expires := now.Add(ttl)

	var boundStr string
	var expiresMs int64
	err := s.db.QueryRow(
		"SELECT agent_uuid, expires_ms FROM sessions WHERE session_key = ?", key,
	).Scan(&boundStr, &expiresMs)

	switch {
	case err == sql.ErrNoRows:
		// fresh binding

	case err != nil:
		return fmt.Errorf("failed to read session binding: %w", err)

	default:
		live := expiresMs > now.UnixMilli()
		if live && boundStr != id.String() {
			return types.E(types.KindSessionMismatch,
				"session is bound to a different agent").
				WithRecovery("identity")
		}
	}

	_, err = s.db.Exec(
		`INSERT INTO sessions (session_key, agent_uuid, bound_at, expires_ms) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET agent_uuid = excluded.agent_uuid, bound_at = excluded.bound_at, expires_ms = excluded.expires_ms`,
		key, id.String(), now, expires.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to bind session: %w", err)
	}

	s.sessMu.Lock()
	s.sessCache[key] = sessionBinding{agentUUID: id, expiresAt: expires}
	s.sessMu.Unlock()

	logging.SessionDebug("Session bound: agent=%s ttl=%s", id, ttl)
	return nil
}

// ResolveSession returns the agent bound to a session key. The in-memory
// cache answers most lookups; the sessions table stays authoritative.
func (s *Store) ResolveSession(key string) (uuid.UUID, error) {
	if key == "" {
		return uuid.Nil, types.E(types.KindNotBound, "no session key supplied")
	}

	now := nowUTC()

	s.sessMu.RLock()
	cached, ok := s.sessCache[key]
	s.sessMu.RUnlock()
	if ok {
		if now.Before(cached.expiresAt) {
			return cached.agentUUID, nil
		}
		s.sessMu.Lock()
		delete(s.sessCache, key)
		s.sessMu.Unlock()
	}

	s.mu.RLock()
	var boundStr string
	var expiresMs int64
	err := s.db.QueryRow(
		"SELECT agent_uuid, expires_ms FROM sessions WHERE session_key = ?", key,
	).Scan(&boundStr, &expiresMs)
	s.mu.RUnlock()

	if err == sql.ErrNoRows {
		return uuid.Nil, types.E(types.KindNotBound, "session is not bound to an agent").
			WithRecovery("onboard")
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to resolve session: %w", err)
	}
	if expiresMs <= now.UnixMilli() {
		return uuid.Nil, types.E(types.KindNotBound, "session binding has expired").
			WithRecovery("onboard")
	}

	id, err := uuid.Parse(boundStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("corrupt session binding: %w", err)
	}

	s.sessMu.Lock()
	s.sessCache[key] = sessionBinding{agentUUID: id, expiresAt: time.UnixMilli(expiresMs)}
	s.sessMu.Unlock()

	return id, nil
}

// ReleaseSession drops a binding. Unknown keys are a no-op.
func (s *Store) ReleaseSession(key string) error {
	s.mu.Lock()
	_, err := s.db.Exec("DELETE FROM sessions WHERE session_key = ?", key)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to release session: %w", err)
	}

	s.sessMu.Lock()
	delete(s.sessCache, key)
	s.sessMu.Unlock()

	logging.SessionDebug("Session released")
	return nil
}

// PruneSessions removes expired bindings. Called by the background sweeper.
func (s *Store) PruneSessions() (int, error) {
	now := nowUTC()

	s.mu.Lock()
	res, err := s.db.Exec("DELETE FROM sessions WHERE expires_ms <= ?", now.UnixMilli())
	s.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()

	s.sessMu.Lock()
	for key, b := range s.sessCache {
		if !now.Before(b.expiresAt) {
			delete(s.sessCache, key)
		}
	}
	s.sessMu.Unlock()

	if n > 0 {
		logging.Session("Pruned %d expired session bindings", n)
	}
	return int(n), nil
}

// dropSessionsFor evicts cached bindings pointing at one agent. The durable
// rows are removed by the caller's transaction.
func (s *Store) dropSessionsFor(id uuid.UUID) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	for key, b := range s.sessCache {
		if b.agentUUID == id {
			delete(s.sessCache, key)
		}
	}
}
