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

// CreateAgent inserts a new agent record. The agent_id must be unused;
// identifier format and reserved-name checks happen before the store is
// touched.
func (s *Store) CreateAgent(rec *types.AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Creating agent: uuid=%s agent_id=%s", rec.UUID, rec.AgentID)

	var count int
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM agents WHERE agent_id = ?", rec.AgentID,
	).Scan(&count); err != nil {
		return fmt.Errorf("failed to check agent_id uniqueness: %w", err)
	}
	if count > 0 {
		return types.E(types.KindInvalidArgument, "agent_id %q is already registered", rec.AgentID)
	}

	now := nowUTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.Status == "" {
		rec.Status = types.StatusActive
	}

	var parent interface{}
	if rec.ParentUUID != nil {
		parent = rec.ParentUUID.String()
	}

	_, err := s.db.Exec(
		`INSERT INTO agents (uuid, agent_id, api_key_hash, status, created_at, updated_at, parent_uuid, metadata, lineage)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UUID.String(), rec.AgentID, rec.APIKeyHash, string(rec.Status),
		rec.CreatedAt, rec.UpdatedAt, parent,
		marshalJSON(rec.Metadata, "{}"), marshalJSON(rec.Lineage, "[]"),
	)
	if err != nil {
		logging.StoreError("Failed to create agent %s: %v", rec.AgentID, err)
		return fmt.Errorf("failed to create agent: %w", err)
	}

	logging.Store("Agent created: uuid=%s agent_id=%s", rec.UUID, rec.AgentID)
	return nil
}

// GetAgentByUUID loads one agent record.
func (s *Store) GetAgentByUUID(id uuid.UUID) (*types.AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT uuid, agent_id, api_key_hash, status, created_at, updated_at, parent_uuid, metadata, lineage
		 FROM agents WHERE uuid = ?`, id.String(),
	)
	rec, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "agent %s does not exist", id)
	}
	return rec, err
}

// GetAgentByID loads an agent by its human-facing label. Deleted agents keep
// their row as a tombstone but are not resolvable here.
func (s *Store) GetAgentByID(agentID string) (*types.AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT uuid, agent_id, api_key_hash, status, created_at, updated_at, parent_uuid, metadata, lineage
		 FROM agents WHERE agent_id = ? AND status != ?`, agentID, string(types.StatusDeleted),
	)
	rec, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "agent %q does not exist", agentID)
	}
	return rec, err
}

// ListAgents returns agents in creation order. An empty filter returns every
// non-deleted agent; a status filter returns only that status.
func (s *Store) ListAgents(filter types.Status) ([]*types.AgentRecord, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ListAgents")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT uuid, agent_id, api_key_hash, status, created_at, updated_at, parent_uuid, metadata, lineage
		 FROM agents WHERE status != ? ORDER BY created_at, agent_id`
	arg := string(types.StatusDeleted)
	if filter != "" {
		query = `SELECT uuid, agent_id, api_key_hash, status, created_at, updated_at, parent_uuid, metadata, lineage
		 FROM agents WHERE status = ? ORDER BY created_at, agent_id`
		arg = string(filter)
	}

	rows, err := s.db.Query(query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*types.AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			logging.StoreWarn("Skipping unreadable agent row: %v", err)
			continue
		}
		agents = append(agents, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agents: %w", err)
	}

	logging.StoreDebug("Listed %d agents (filter=%q)", len(agents), filter)
	return agents, nil
}

// TransitionStatus moves an agent along a legal lifecycle edge, appending the
// lifecycle event in the same transaction. An optional runtime state is
// persisted atomically with the transition (used by resume paths that clear
// pause bookkeeping).
func (s *Store) TransitionStatus(id uuid.UUID, to types.Status, reason string, st *types.AgentState) (*types.LifecycleEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowUTC()
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transition: %w", err)
	}
	defer tx.Rollback()

	ev, err := transitionTx(tx, id, to, reason, now)
	if err != nil {
		return nil, err
	}
	if st != nil {
		if err := writeRuntimeTx(tx, id, st, now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	logging.Store("Agent %s: %s -> %s (%s)", id, ev.From, ev.To, reason)
	return ev, nil
}

// transitionTx validates and applies one lifecycle edge inside an open
// transaction, so callers can bundle it with other writes.
func transitionTx(tx *sql.Tx, id uuid.UUID, to types.Status, reason string, now time.Time) (*types.LifecycleEvent, error) {
	var current string
	err := tx.QueryRow("SELECT status FROM agents WHERE uuid = ?", id.String()).Scan(&current)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "agent %s does not exist", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agent status: %w", err)
	}

	from := types.Status(current)
	if !from.CanTransition(to) {
		return nil, types.E(types.KindInvalidArgument, "illegal lifecycle transition %s -> %s", from, to)
	}

	if _, err := tx.Exec(
		"UPDATE agents SET status = ?, updated_at = ? WHERE uuid = ?",
		string(to), now, id.String(),
	); err != nil {
		return nil, fmt.Errorf("failed to update status: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO lifecycle_events (agent_uuid, from_status, to_status, reason, recorded_at) VALUES (?, ?, ?, ?, ?)",
		id.String(), string(from), string(to), reason, now,
	); err != nil {
		return nil, fmt.Errorf("failed to record lifecycle event: %w", err)
	}

	return &types.LifecycleEvent{
		AgentUUID:  id,
		From:       from,
		To:         to,
		Reason:     reason,
		RecordedAt: now,
	}, nil
}

// UpdateAgentMetadata replaces the metadata document.
func (s *Store) UpdateAgentMetadata(id uuid.UUID, metadata map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE agents SET metadata = ?, updated_at = ? WHERE uuid = ?",
		marshalJSON(metadata, "{}"), nowUTC(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindNotFound, "agent %s does not exist", id)
	}
	logging.StoreDebug("Metadata updated: agent=%s keys=%d", id, len(metadata))
	return nil
}

// PurgeAgent removes a deleted agent's working data, keeping the tombstone
// row and history for audit. Only legal after the archived -> deleted
// transition has been recorded.
func (s *Store) PurgeAgent(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current string
	err := s.db.QueryRow("SELECT status FROM agents WHERE uuid = ?", id.String()).Scan(&current)
	if err == sql.ErrNoRows {
		return types.E(types.KindNotFound, "agent %s does not exist", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read agent status: %w", err)
	}
	if types.Status(current) != types.StatusDeleted {
		return types.E(types.KindInvalidArgument, "agent %s is %s, not deleted", id, current)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin purge: %w", err)
	}
	defer tx.Rollback()

	purges := []string{
		"DELETE FROM agent_runtime WHERE agent_uuid = ?",
		"DELETE FROM agent_locks WHERE agent_uuid = ?",
		"DELETE FROM sessions WHERE agent_uuid = ?",
	}
	for _, q := range purges {
		if _, err := tx.Exec(q, id.String()); err != nil {
			return fmt.Errorf("failed to purge agent data: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit purge: %w", err)
	}

	s.dropSessionsFor(id)
	logging.Store("Agent purged: %s", id)
	return nil
}

// LifecycleEvents returns the transition log for one agent, oldest first.
func (s *Store) LifecycleEvents(id uuid.UUID, limit int) ([]types.LifecycleEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT agent_uuid, from_status, to_status, reason, recorded_at
		 FROM lifecycle_events WHERE agent_uuid = ?
		 ORDER BY id DESC LIMIT ?`, id.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query lifecycle events: %w", err)
	}
	defer rows.Close()

	var events []types.LifecycleEvent
	for rows.Next() {
		var ev types.LifecycleEvent
		var agentStr, fromStr, toStr string
		if err := rows.Scan(&agentStr, &fromStr, &toStr, &ev.Reason, &ev.RecordedAt); err != nil {
			continue
		}
		ev.AgentUUID, _ = uuid.Parse(agentStr)
		ev.From = types.Status(fromStr)
		ev.To = types.Status(toStr)
		events = append(events, ev)
	}

	// Reverse into chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, rows.Err()
}

// CountAgentsByStatus returns agent counts per lifecycle status.
func (s *Store) CountAgentsByStatus() (map[types.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT status, COUNT(*) FROM agents GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count agents: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			continue
		}
		counts[types.Status(status)] = n
	}
	return counts, rows.Err()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*types.AgentRecord, error) {
	var rec types.AgentRecord
	var uuidStr, statusStr, metadataJSON, lineageJSON string
	var parent sql.NullString
	var createdAt, updatedAt time.Time

	err := row.Scan(&uuidStr, &rec.AgentID, &rec.APIKeyHash, &statusStr,
		&createdAt, &updatedAt, &parent, &metadataJSON, &lineageJSON)
	if err != nil {
		return nil, err
	}

	rec.UUID, err = uuid.Parse(uuidStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt agent uuid %q: %w", uuidStr, err)
	}
	rec.Status = types.Status(statusStr)
	rec.CreatedAt = createdAt
	rec.UpdatedAt = updatedAt

	if parent.Valid {
		if p, err := uuid.Parse(parent.String); err == nil {
			rec.ParentUUID = &p
		}
	}
	if err := json.Unmarshal([]byte(metadataJSON), &rec.Metadata); err != nil {
		rec.Metadata = map[string]interface{}{}
	}
	if err := json.Unmarshal([]byte(lineageJSON), &rec.Lineage); err != nil {
		rec.Lineage = nil
	}
	return &rec, nil
}
