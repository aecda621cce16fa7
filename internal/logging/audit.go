// Audit logging for governance-relevant events. Every lifecycle transition,
// verdict, auth failure and dialectic outcome is appended as a JSON line to
// <data-dir>/logs/<date>_audit.log so operators can reconstruct exactly what
// the monitor decided and why. The store layer keeps a queryable copy of the
// same events in the audit_log table; this file is the flat-file half.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType identifies the kind of audit event.
type AuditEventType string

const (
	// Agent lifecycle
	AuditAgentOnboard AuditEventType = "agent_onboard"
	AuditAgentPause   AuditEventType = "agent_pause"
	AuditAgentResume  AuditEventType = "agent_resume"
	AuditAgentArchive AuditEventType = "agent_archive"
	AuditAgentDelete  AuditEventType = "agent_delete"

	// Governance loop
	AuditUpdateAccepted AuditEventType = "update_accepted"
	AuditUpdateRejected AuditEventType = "update_rejected"
	AuditCircuitBreak   AuditEventType = "circuit_break"
	AuditDecay          AuditEventType = "decay"

	// Identity and sessions
	AuditAuthSuccess AuditEventType = "auth_success"
	AuditAuthFailure AuditEventType = "auth_failure"
	AuditSessionBind AuditEventType = "session_bind"

	// Dialectic protocol
	AuditDialecticOpen     AuditEventType = "dialectic_open"
	AuditDialecticRound    AuditEventType = "dialectic_round"
	AuditDialecticResolve  AuditEventType = "dialectic_resolve"
	AuditDialecticEscalate AuditEventType = "dialectic_escalate"
	AuditDialecticFail     AuditEventType = "dialectic_fail"

	// Knowledge base
	AuditKnowledgeStore  AuditEventType = "knowledge_store"
	AuditKnowledgeUpdate AuditEventType = "knowledge_update"
	AuditKnowledgeNote   AuditEventType = "knowledge_note"

	// Agent state locking
	AuditLockReclaim AuditEventType = "lock_reclaim"
	AuditLockTimeout AuditEventType = "lock_timeout"

	// LLM API
	AuditLLMRequest  AuditEventType = "llm_request"
	AuditLLMResponse AuditEventType = "llm_response"
	AuditLLMError    AuditEventType = "llm_error"

	// Operational
	AuditConfigReload  AuditEventType = "config_reload"
	AuditErrorGeneric  AuditEventType = "error_generic"
	AuditErrorCritical AuditEventType = "error_critical"
)

// AuditEvent is one structured audit record.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	Category   string                 `json:"cat,omitempty"`
	AgentUUID  string                 `json:"agent,omitempty"`
	AgentID    string                 `json:"agent_id,omitempty"`
	SessionID  string                 `json:"session,omitempty"`
	RequestID  string                 `json:"req,omitempty"`
	Target     string                 `json:"target,omitempty"`
	Action     string                 `json:"action,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile *os.File
	auditMu   sync.Mutex
	auditOne  AuditLogger
)

// AuditLogger writes structured audit events, optionally scoped to an agent
// or request so callers do not repeat correlation fields.
type AuditLogger struct {
	agentUUID string
	agentID   string
	requestID string
	category  Category
}

func auditEnabled() bool {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg.Audit == nil || *cfg.Audit
}

// initAudit opens the audit file. Called from Initialize.
func initAudit() error {
	if !auditEnabled() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		return nil
	}

	date := time.Now().Format("2006-01-02")
	path := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	auditFile = file
	return nil
}

func closeAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the unscoped audit logger.
func Audit() *AuditLogger {
	return &auditOne
}

// AuditForAgent returns an audit logger scoped to one agent.
func AuditForAgent(agentUUID, agentID string) *AuditLogger {
	return &AuditLogger{agentUUID: agentUUID, agentID: agentID}
}

// AuditForRequest returns an audit logger scoped to one request.
func AuditForRequest(requestID string, category Category) *AuditLogger {
	return &AuditLogger{requestID: requestID, category: category}
}

// Log writes one audit event, filling defaults from the logger scope.
func (a *AuditLogger) Log(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.AgentUUID == "" {
		event.AgentUUID = a.agentUUID
	}
	if event.AgentID == "" {
		event.AgentID = a.agentID
	}
	if event.RequestID == "" {
		event.RequestID = a.requestID
	}
	if event.Category == "" && a.category != "" {
		event.Category = string(a.category)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	auditFile.Write(append(data, '\n'))
}

// Lifecycle logs an agent lifecycle transition.
func (a *AuditLogger) Lifecycle(event AuditEventType, from, to string) {
	a.Log(AuditEvent{
		EventType: event,
		Action:    fmt.Sprintf("%s->%s", from, to),
		Success:   true,
		Message:   fmt.Sprintf("lifecycle %s: %s -> %s", event, from, to),
	})
}

// UpdateAccepted logs an accepted governance update with its outcome.
func (a *AuditLogger) UpdateAccepted(verdict string, phi, risk float64, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditUpdateAccepted,
		Action:     verdict,
		Success:    true,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"phi": phi, "risk": risk},
		Message:    fmt.Sprintf("update accepted: verdict=%s phi=%.4f risk=%.4f", verdict, phi, risk),
	})
}

// UpdateRejected logs a rejected governance update.
func (a *AuditLogger) UpdateRejected(reason string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	a.Log(AuditEvent{
		EventType: AuditUpdateRejected,
		Action:    reason,
		Success:   false,
		Error:     msg,
		Message:   fmt.Sprintf("update rejected: %s", reason),
	})
}

// CircuitBreak logs an automatic pause with the trigger that fired.
func (a *AuditLogger) CircuitBreak(trigger string, risk, coherence float64) {
	a.Log(AuditEvent{
		EventType: AuditCircuitBreak,
		Action:    trigger,
		Success:   true,
		Fields:    map[string]interface{}{"risk": risk, "coherence": coherence},
		Message:   fmt.Sprintf("circuit breaker: %s (risk=%.3f coherence=%.3f)", trigger, risk, coherence),
	})
}

// Auth logs an authentication attempt.
func (a *AuditLogger) Auth(agentID string, success bool, reason string) {
	event := AuditAuthSuccess
	if !success {
		event = AuditAuthFailure
	}
	a.Log(AuditEvent{
		EventType: event,
		AgentID:   agentID,
		Success:   success,
		Message:   fmt.Sprintf("auth %s: agent_id=%s (%s)", event, agentID, reason),
	})
}

// DialecticEvent logs a dialectic protocol transition.
func (a *AuditLogger) DialecticEvent(event AuditEventType, sessionID, phase string, round int) {
	a.Log(AuditEvent{
		EventType: event,
		SessionID: sessionID,
		Action:    phase,
		Success:   event != AuditDialecticFail,
		Fields:    map[string]interface{}{"round": round},
		Message:   fmt.Sprintf("dialectic %s: session=%s phase=%s round=%d", event, sessionID, phase, round),
	})
}

// KnowledgeOp logs a knowledge base mutation.
func (a *AuditLogger) KnowledgeOp(event AuditEventType, id, author string) {
	a.Log(AuditEvent{
		EventType: event,
		Target:    id,
		Action:    author,
		Success:   true,
		Message:   fmt.Sprintf("knowledge %s: id=%s author=%s", event, id, author),
	})
}

// LockReclaim logs a stale lock takeover.
func (a *AuditLogger) LockReclaim(holder string, ageMs int64) {
	a.Log(AuditEvent{
		EventType: AuditLockReclaim,
		Target:    holder,
		Success:   true,
		Fields:    map[string]interface{}{"age_ms": ageMs},
		Message:   fmt.Sprintf("reclaimed stale lock from %s (held %dms)", holder, ageMs),
	})
}

// LLMCall logs an LLM API round trip.
func (a *AuditLogger) LLMCall(model string, tokens int, durationMs int64, success bool, errMsg string) {
	event := AuditLLMResponse
	if !success {
		event = AuditLLMError
	}
	a.Log(AuditEvent{
		EventType:  event,
		Target:     model,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Fields:     map[string]interface{}{"tokens": tokens},
		Message:    fmt.Sprintf("llm call: %s tokens=%d (%dms success=%v)", model, tokens, durationMs, success),
	})
}

// Error logs an error event.
func (a *AuditLogger) Error(category Category, err error, critical bool) {
	event := AuditErrorGeneric
	if critical {
		event = AuditErrorCritical
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	a.Log(AuditEvent{
		EventType: event,
		Category:  string(category),
		Success:   false,
		Error:     msg,
		Message:   fmt.Sprintf("error in %s: %s", category, msg),
	})
}
