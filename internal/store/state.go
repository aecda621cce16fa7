package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vigil/internal/logging"
	"vigil/internal/types"
)

// UpdateCommit is everything one accepted governance update persists. The
// runtime state, the history row, and an optional lifecycle transition (the
// circuit breaker pausing the agent) land in a single transaction.
type UpdateCommit struct {
	State      *types.AgentState
	Snapshot   types.StateSnapshot
	HistoryCap int

	// NewStatus, when set, applies a lifecycle transition with the commit.
	NewStatus types.Status
	Reason    string
}

// CommitUpdate persists one accepted update atomically. Returns the lifecycle
// event when a transition was part of the commit, nil otherwise.
func (s *Store) CommitUpdate(id uuid.UUID, c UpdateCommit) (*types.LifecycleEvent, error) {
	timer := logging.StartTimer(logging.CategoryStore, "CommitUpdate")
	defer timer.Stop()

	if c.State == nil {
		return nil, types.E(types.KindInvalidArgument, "commit requires a runtime state")
	}
	if c.HistoryCap < 1 {
		c.HistoryCap = 1000
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := c.Snapshot.RecordedAt
	if now.IsZero() {
		now = nowUTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin update commit: %w", err)
	}
	defer tx.Rollback()

	if err := writeRuntimeTx(tx, id, c.State, now); err != nil {
		return nil, err
	}
	if err := appendHistoryTx(tx, id, c.Snapshot, now, c.HistoryCap); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(
		"UPDATE agents SET updated_at = ? WHERE uuid = ?", now, id.String(),
	); err != nil {
		return nil, fmt.Errorf("failed to touch agent: %w", err)
	}

	var ev *types.LifecycleEvent
	if c.NewStatus != "" {
		ev, err = transitionTx(tx, id, c.NewStatus, c.Reason, now)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}

	logging.StoreDebug("Update committed: agent=%s update=%d verdict=%s transition=%v",
		id, c.State.UpdateCount, c.Snapshot.Verdict, ev != nil)
	return ev, nil
}

// LoadRuntime reads an agent's working state.
func (s *Store) LoadRuntime(id uuid.UUID) (*types.AgentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stateJSON string
	err := s.db.QueryRow(
		"SELECT state_json FROM agent_runtime WHERE agent_uuid = ?", id.String(),
	).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "agent %s has no runtime state", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load runtime state: %w", err)
	}

	var st types.AgentState
	if err := json.Unmarshal([]byte(stateJSON), &st); err != nil {
		return nil, fmt.Errorf("corrupt runtime state for %s: %w", id, err)
	}
	return &st, nil
}

// SaveRuntime replaces an agent's working state outside an update commit.
// Dialectic resolutions use this to clear pause bookkeeping.
func (s *Store) SaveRuntime(id uuid.UUID, st *types.AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin runtime save: %w", err)
	}
	defer tx.Rollback()

	if err := writeRuntimeTx(tx, id, st, nowUTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// History returns the most recent snapshots in chronological order.
func (s *Store) History(id uuid.UUID, limit int) ([]types.StateSnapshot, error) {
	timer := logging.StartTimer(logging.CategoryStore, "History")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT agent_uuid, recorded_at, e, i, s, v, coherence, risk, lambda1, regime, verdict
		 FROM agent_state WHERE agent_uuid = ?
		 ORDER BY id DESC LIMIT ?`, id.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var snaps []types.StateSnapshot
	for rows.Next() {
		var snap types.StateSnapshot
		var agentStr, verdictStr string
		if err := rows.Scan(&agentStr, &snap.RecordedAt, &snap.E, &snap.I, &snap.S, &snap.V,
			&snap.Coherence, &snap.Risk, &snap.Lambda1, &snap.Regime, &verdictStr); err != nil {
			continue
		}
		snap.AgentUUID, _ = uuid.Parse(agentStr)
		snap.Verdict = types.Verdict(verdictStr)
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}

	for i, j := 0, len(snaps)-1; i < j; i, j = i+1, j-1 {
		snaps[i], snaps[j] = snaps[j], snaps[i]
	}

	logging.StoreDebug("History read: agent=%s rows=%d", id, len(snaps))
	return snaps, nil
}

// HistoryCount returns the number of stored snapshots for one agent.
func (s *Store) HistoryCount(id uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM agent_state WHERE agent_uuid = ?", id.String(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return count, nil
}

// writeRuntimeTx upserts the runtime state row inside an open transaction.
func writeRuntimeTx(tx *sql.Tx, id uuid.UUID, st *types.AgentState, now time.Time) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to serialize runtime state: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO agent_runtime (agent_uuid, state_json, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(agent_uuid) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
		id.String(), string(data), now,
	); err != nil {
		return fmt.Errorf("failed to write runtime state: %w", err)
	}
	return nil
}

// appendHistoryTx inserts one snapshot row and trims the ring to histCap.
func appendHistoryTx(tx *sql.Tx, id uuid.UUID, snap types.StateSnapshot, now time.Time, histCap int) error {
	recordedAt := snap.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = now
	}

	if _, err := tx.Exec(
		`INSERT INTO agent_state (agent_uuid, recorded_at, e, i, s, v, coherence, risk, lambda1, regime, verdict)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), recordedAt, snap.E, snap.I, snap.S, snap.V,
		snap.Coherence, snap.Risk, snap.Lambda1, snap.Regime, string(snap.Verdict),
	); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	if _, err := tx.Exec(
		`DELETE FROM agent_state WHERE agent_uuid = ? AND id NOT IN (
			SELECT id FROM agent_state WHERE agent_uuid = ? ORDER BY id DESC LIMIT ?
		)`, id.String(), id.String(), histCap,
	); err != nil {
		return fmt.Errorf("failed to trim history: %w", err)
	}
	return nil
}
