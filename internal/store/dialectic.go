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

// messageContent is the JSON body of one dialectic message. The structured
// fields live in a single content column, matching the append-only shape of
// the protocol.
type messageContent struct {
	Reasoning          string             `json:"reasoning,omitempty"`
	RootCause          string             `json:"root_cause,omitempty"`
	Concerns           []string           `json:"concerns,omitempty"`
	ProposedConditions []string           `json:"proposed_conditions,omitempty"`
	ObservedMetrics    map[string]float64 `json:"observed_metrics,omitempty"`
	Agrees             *bool              `json:"agrees,omitempty"`
}

// CreateDialecticSession inserts a new session in its initial phase.
func (s *Store) CreateDialecticSession(ds *types.DialecticSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowUTC()
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = now
	}
	if ds.UpdatedAt.IsZero() {
		ds.UpdatedAt = now
	}
	if ds.Phase == "" {
		ds.Phase = types.PhaseThesis
	}

	reviewer := ""
	if ds.Reviewer != uuid.Nil {
		reviewer = ds.Reviewer.String()
	}

	_, err := s.db.Exec(
		`INSERT INTO dialectic_sessions (session_id, paused_uuid, reviewer_uuid, llm_backed, phase, rounds, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ds.SessionID.String(), ds.PausedUUID.String(), reviewer,
		boolToInt(ds.LLMBacked), string(ds.Phase), ds.Rounds, ds.CreatedAt, ds.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create dialectic session: %w", err)
	}

	logging.Dialectic("Session created: id=%s paused=%s reviewer=%s llm=%v",
		ds.SessionID, ds.PausedUUID, reviewer, ds.LLMBacked)
	return nil
}

// GetDialecticSession loads one session.
func (s *Store) GetDialecticSession(id uuid.UUID) (*types.DialecticSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT session_id, paused_uuid, reviewer_uuid, llm_backed, phase, rounds, created_at, updated_at, resolved_at, resolution
		 FROM dialectic_sessions WHERE session_id = ?`, id.String(),
	)
	ds, err := scanDialecticSession(row)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "dialectic session %s does not exist", id)
	}
	return ds, err
}

// OpenSessionFor returns the non-terminal session for a paused agent, or
// NotFound when none is open. At most one session per agent is ever open.
func (s *Store) OpenSessionFor(pausedUUID uuid.UUID) (*types.DialecticSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT session_id, paused_uuid, reviewer_uuid, llm_backed, phase, rounds, created_at, updated_at, resolved_at, resolution
		 FROM dialectic_sessions
		 WHERE paused_uuid = ? AND phase NOT IN (?, ?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		pausedUUID.String(),
		string(types.PhaseResolved), string(types.PhaseEscalated), string(types.PhaseFailed),
	)
	ds, err := scanDialecticSession(row)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "agent %s has no open dialectic session", pausedUUID)
	}
	return ds, err
}

// UpdateDialecticSession persists phase, round, and resolution changes.
func (s *Store) UpdateDialecticSession(ds *types.DialecticSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds.UpdatedAt = nowUTC()

	var resolvedAt interface{}
	if ds.ResolvedAt != nil {
		resolvedAt = *ds.ResolvedAt
	}
	var resolution interface{}
	if ds.Resolution != nil {
		resolution = marshalJSON(ds.Resolution, "{}")
	}

	res, err := s.db.Exec(
		`UPDATE dialectic_sessions SET phase = ?, rounds = ?, updated_at = ?, resolved_at = ?, resolution = ?
		 WHERE session_id = ?`,
		string(ds.Phase), ds.Rounds, ds.UpdatedAt, resolvedAt, resolution, ds.SessionID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update dialectic session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindNotFound, "dialectic session %s does not exist", ds.SessionID)
	}

	logging.DialecticDebug("Session updated: id=%s phase=%s rounds=%d", ds.SessionID, ds.Phase, ds.Rounds)
	return nil
}

// AppendDialecticMessage stores one protocol message. A zero ordinal is
// assigned the next position in the session.
func (s *Store) AppendDialecticMessage(m *types.DialecticMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Timestamp.IsZero() {
		m.Timestamp = nowUTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin message append: %w", err)
	}
	defer tx.Rollback()

	if m.Ordinal <= 0 {
		var next sql.NullInt64
		if err := tx.QueryRow(
			"SELECT MAX(ordinal) FROM dialectic_messages WHERE session_id = ?",
			m.SessionID.String(),
		).Scan(&next); err != nil {
			return fmt.Errorf("failed to read message ordinal: %w", err)
		}
		m.Ordinal = int(next.Int64) + 1
	}

	content := marshalJSON(messageContent{
		Reasoning:          m.Reasoning,
		RootCause:          m.RootCause,
		Concerns:           m.Concerns,
		ProposedConditions: m.ProposedConditions,
		ObservedMetrics:    m.ObservedMetrics,
		Agrees:             m.Agrees,
	}, "{}")

	_, err = tx.Exec(
		`INSERT INTO dialectic_messages (session_id, ordinal, type, author_uuid, content, signature, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID.String(), m.Ordinal, string(m.Type), m.Author.String(),
		content, m.Signature, m.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append dialectic message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dialectic message: %w", err)
	}

	logging.DialecticDebug("Message appended: session=%s ordinal=%d type=%s",
		m.SessionID, m.Ordinal, m.Type)
	return nil
}

// DialecticMessages returns a session's messages in protocol order.
func (s *Store) DialecticMessages(sessionID uuid.UUID) ([]types.DialecticMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT session_id, ordinal, type, author_uuid, content, signature, created_at
		 FROM dialectic_messages WHERE session_id = ? ORDER BY ordinal`,
		sessionID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query dialectic messages: %w", err)
	}
	defer rows.Close()

	var msgs []types.DialecticMessage
	for rows.Next() {
		var m types.DialecticMessage
		var sessionStr, typeStr, authorStr, contentJSON string
		if err := rows.Scan(&sessionStr, &m.Ordinal, &typeStr, &authorStr,
			&contentJSON, &m.Signature, &m.Timestamp); err != nil {
			continue
		}
		m.SessionID, _ = uuid.Parse(sessionStr)
		m.Author, _ = uuid.Parse(authorStr)
		m.Type = types.MessageType(typeStr)

		var content messageContent
		if err := json.Unmarshal([]byte(contentJSON), &content); err == nil {
			m.Reasoning = content.Reasoning
			m.RootCause = content.RootCause
			m.Concerns = content.Concerns
			m.ProposedConditions = content.ProposedConditions
			m.ObservedMetrics = content.ObservedMetrics
			m.Agrees = content.Agrees
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// RecentReviewers returns, for each reviewer, the time of their most recent
// assignment at or after since. Used for reviewer-pool cooldown.
func (s *Store) RecentReviewers(since time.Time) (map[uuid.UUID]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT reviewer_uuid, MAX(created_at) FROM dialectic_sessions
		 WHERE created_at >= ? AND llm_backed = 0 AND reviewer_uuid != ''
		 GROUP BY reviewer_uuid`, since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent reviewers: %w", err)
	}
	defer rows.Close()

	reviewers := make(map[uuid.UUID]time.Time)
	for rows.Next() {
		var reviewerStr string
		var last time.Time
		if err := rows.Scan(&reviewerStr, &last); err != nil {
			continue
		}
		if id, err := uuid.Parse(reviewerStr); err == nil {
			reviewers[id] = last
		}
	}
	return reviewers, rows.Err()
}

// RecentReviewersFor returns reviewers who already reviewed the given paused
// agent since the cutoff, in any phase. Used to enforce the review window.
func (s *Store) RecentReviewersFor(pausedUUID uuid.UUID, since time.Time) (map[uuid.UUID]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT DISTINCT reviewer_uuid FROM dialectic_sessions
		 WHERE paused_uuid = ? AND created_at >= ? AND llm_backed = 0 AND reviewer_uuid != ''`,
		pausedUUID.String(), since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query reviewers for agent: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]bool)
	for rows.Next() {
		var reviewerStr string
		if err := rows.Scan(&reviewerStr); err != nil {
			continue
		}
		if id, err := uuid.Parse(reviewerStr); err == nil {
			out[id] = true
		}
	}
	return out, rows.Err()
}

// ReviewerOutcome aggregates one reviewer's terminal sessions.
type ReviewerOutcome struct {
	Resolved int
	Total    int
}

// ReviewerOutcomes returns per-reviewer counts over terminal sessions, the
// basis of the track-record component of reviewer authority.
func (s *Store) ReviewerOutcomes() (map[uuid.UUID]ReviewerOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT reviewer_uuid,
		        SUM(CASE WHEN phase = ? THEN 1 ELSE 0 END),
		        COUNT(*)
		 FROM dialectic_sessions
		 WHERE llm_backed = 0 AND reviewer_uuid != '' AND phase IN (?, ?, ?)
		 GROUP BY reviewer_uuid`,
		string(types.PhaseResolved),
		string(types.PhaseResolved), string(types.PhaseEscalated), string(types.PhaseFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query reviewer outcomes: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]ReviewerOutcome)
	for rows.Next() {
		var reviewerStr string
		var rec ReviewerOutcome
		if err := rows.Scan(&reviewerStr, &rec.Resolved, &rec.Total); err != nil {
			continue
		}
		if id, err := uuid.Parse(reviewerStr); err == nil {
			out[id] = rec
		}
	}
	return out, rows.Err()
}

// ExpireDialecticSessions fails non-terminal sessions created before the
// cutoff. Called by the background sweeper with now minus the session TTL.
func (s *Store) ExpireDialecticSessions(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE dialectic_sessions SET phase = ?, updated_at = ?
		 WHERE phase NOT IN (?, ?, ?) AND created_at < ?`,
		string(types.PhaseFailed), nowUTC(),
		string(types.PhaseResolved), string(types.PhaseEscalated), string(types.PhaseFailed),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire dialectic sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.DialecticWarn("Expired %d stalled dialectic sessions", n)
	}
	return int(n), nil
}

func scanDialecticSession(row rowScanner) (*types.DialecticSession, error) {
	var ds types.DialecticSession
	var sessionStr, pausedStr, reviewerStr, phaseStr string
	var llmBacked int
	var resolvedAt sql.NullTime
	var resolution sql.NullString

	err := row.Scan(&sessionStr, &pausedStr, &reviewerStr, &llmBacked, &phaseStr,
		&ds.Rounds, &ds.CreatedAt, &ds.UpdatedAt, &resolvedAt, &resolution)
	if err != nil {
		return nil, err
	}

	ds.SessionID, err = uuid.Parse(sessionStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt dialectic session id %q: %w", sessionStr, err)
	}
	ds.PausedUUID, _ = uuid.Parse(pausedStr)
	if reviewerStr != "" {
		ds.Reviewer, _ = uuid.Parse(reviewerStr)
	}
	ds.LLMBacked = llmBacked != 0
	ds.Phase = types.DialecticPhase(phaseStr)

	if resolvedAt.Valid {
		t := resolvedAt.Time
		ds.ResolvedAt = &t
	}
	if resolution.Valid && resolution.String != "" {
		var r types.Resolution
		if err := json.Unmarshal([]byte(resolution.String), &r); err == nil {
			ds.Resolution = &r
		}
	}
	return &ds, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
