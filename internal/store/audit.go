package store

import (
	"encoding/json"
	"fmt"
	"time"

	"vigil/internal/logging"
)

// RecordAudit appends one event to the queryable audit_log table. The flat
// JSONL file written by the logging package is the other half of the trail;
// callers emit to both.
func (s *Store) RecordAudit(ev logging.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO audit_log (ts, event_type, category, agent_uuid, session_id, request_id, target, action, success, duration_ms, error, message, fields)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Timestamp, string(ev.EventType), ev.Category, ev.AgentUUID,
		ev.SessionID, ev.RequestID, ev.Target, ev.Action,
		boolToInt(ev.Success), ev.DurationMs, ev.Error, ev.Message,
		marshalJSON(ev.Fields, "{}"),
	)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// RecentAuditEvents returns the newest audit rows, newest first.
func (s *Store) RecentAuditEvents(limit int) ([]logging.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT ts, event_type, category, agent_uuid, session_id, request_id, target, action, success, duration_ms, error, message, fields
		 FROM audit_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var events []logging.AuditEvent
	for rows.Next() {
		var ev logging.AuditEvent
		var eventType, fieldsJSON string
		var success int
		if err := rows.Scan(&ev.Timestamp, &eventType, &ev.Category, &ev.AgentUUID,
			&ev.SessionID, &ev.RequestID, &ev.Target, &ev.Action,
			&success, &ev.DurationMs, &ev.Error, &ev.Message, &fieldsJSON); err != nil {
			continue
		}
		ev.EventType = logging.AuditEventType(eventType)
		ev.Success = success != 0
		if err := json.Unmarshal([]byte(fieldsJSON), &ev.Fields); err != nil {
			ev.Fields = nil
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// AuditCounters returns event counts by type for health reporting.
func (s *Store) AuditCounters() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT event_type, COUNT(*) FROM audit_log GROUP BY event_type")
	if err != nil {
		return nil, fmt.Errorf("failed to count audit events: %w", err)
	}
	defer rows.Close()

	counters := make(map[string]int64)
	for rows.Next() {
		var eventType string
		var n int64
		if err := rows.Scan(&eventType, &n); err != nil {
			continue
		}
		counters[eventType] = n
	}
	return counters, rows.Err()
}
