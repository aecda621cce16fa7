// Package types provides shared type definitions used across vigil packages.
// This package exists to break import cycles between the store, the governance
// loop, and the dialectic protocol. Types here are foundational data structures
// with no complex dependencies.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusWaitingInput Status = "waiting_input"
	StatusArchived     Status = "archived"
	StatusDeleted      Status = "deleted"
)

// legalTransitions is the lifecycle edge set. Paused agents return to active
// only through the dialectic protocol or the direct safe-resume gate; both
// paths land on the same paused→active edge here.
var legalTransitions = map[Status][]Status{
	StatusActive:       {StatusPaused, StatusWaitingInput, StatusArchived},
	StatusPaused:       {StatusActive, StatusArchived},
	StatusWaitingInput: {StatusActive, StatusArchived},
	StatusArchived:     {StatusDeleted},
}

// CanTransition reports whether moving from s to next is a legal lifecycle edge.
func (s Status) CanTransition(next Status) bool {
	for _, t := range legalTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusWaitingInput, StatusArchived, StatusDeleted:
		return true
	}
	return false
}

// Verdict is the two-tier per-update decision derived from the objective.
type Verdict string

const (
	VerdictProceed Verdict = "proceed"
	VerdictPause   Verdict = "pause"
)

// DynamicsState holds the four governed scalars.
type DynamicsState struct {
	E float64 `json:"e"`
	I float64 `json:"i"`
	S float64 `json:"s"`
	V float64 `json:"v"`
}

// AgentState is the full per-agent working record threaded through the
// governance loop and persisted as one unit. Windows here are bounded
// rolling slices; the durable per-update history lives in its own table.
type AgentState struct {
	Dyn DynamicsState `json:"dyn"`

	// Governor state (per-agent, slow timescale).
	Lambda1        float64 `json:"lambda1"`
	PIIntegral     float64 `json:"pi_integral"`
	UpdateCount    int64   `json:"update_count"`
	LastVoidUpdate int64   `json:"last_void_update"` // update index of most recent void, 0 if none

	// Void detection state.
	VoidThreshold float64   `json:"void_threshold"`
	VoidActive    bool      `json:"void_active"`
	VoidWindow    []bool    `json:"void_window"` // recent per-update void flags, oldest first
	VWindow       []float64 `json:"v_window"`    // recent |V| samples, oldest first

	// Fingerprint continuity.
	LastFingerprint []float64 `json:"last_fingerprint,omitempty"`
	LastParameters  []float64 `json:"last_parameters,omitempty"`

	// Most recent assessment.
	Coherence   float64 `json:"coherence"`
	CoherenceOK bool    `json:"coherence_ok"` // false until a second fingerprint exists
	Risk        float64 `json:"risk"`
	LastVerdict Verdict `json:"last_verdict,omitempty"`
	PauseReason string  `json:"pause_reason,omitempty"`
}

// AgentRecord is the durable agent metadata row.
type AgentRecord struct {
	UUID       uuid.UUID
	AgentID    string // human-facing label
	APIKeyHash string
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ParentUUID *uuid.UUID
	Metadata   map[string]interface{}
	Lineage    []string
}

// StateSnapshot is one durable history row, appended per accepted update.
type StateSnapshot struct {
	AgentUUID  uuid.UUID
	RecordedAt time.Time
	E, I, S, V float64
	Coherence  float64 // -1 when unavailable
	Risk       float64
	Lambda1    float64
	Regime     string // "update" or "decay"
	Verdict    Verdict
}

// LifecycleEvent records one status transition.
type LifecycleEvent struct {
	AgentUUID  uuid.UUID
	From, To   Status
	Reason     string
	RecordedAt time.Time
}

// UpdateResult is the governance loop's response to process_update.
type UpdateResult struct {
	State           DynamicsState `json:"state"`
	Coherence       *float64      `json:"coherence"` // nil = unavailable (first update)
	Risk            float64       `json:"risk"`
	Verdict         Verdict       `json:"verdict"`
	VoidActive      bool          `json:"void_active"`
	Decision        string        `json:"decision"`
	Guidance        string        `json:"guidance"`
	LearningContext []string      `json:"learning_context,omitempty"`
	APIKeyHint      string        `json:"api_key_hint,omitempty"` // present only on creation
}

// Discovery is a shared knowledge record. Append-only except for
// status/tags/metadata updates.
type Discovery struct {
	ID        uuid.UUID
	Author    uuid.UUID
	CreatedAt time.Time
	Severity  string // info | warning | critical
	Tags      []string
	Summary   string
	Details   string
	Status    string // open | resolved | archived
	Kind      string // discovery | note
}

// DialecticPhase is the protocol state of a dialectic session.
type DialecticPhase string

const (
	PhaseThesis     DialecticPhase = "thesis"
	PhaseAntithesis DialecticPhase = "antithesis"
	PhaseSynthesis  DialecticPhase = "synthesis"
	PhaseResolved   DialecticPhase = "resolved"
	PhaseEscalated  DialecticPhase = "escalated"
	PhaseFailed     DialecticPhase = "failed"
)

// Terminal reports whether the phase accepts no further messages.
func (p DialecticPhase) Terminal() bool {
	return p == PhaseResolved || p == PhaseEscalated || p == PhaseFailed
}

// MessageType labels a dialectic message.
type MessageType string

const (
	MessageThesis     MessageType = "thesis"
	MessageAntithesis MessageType = "antithesis"
	MessageSynthesis  MessageType = "synthesis"
)

// DialecticMessage is one append-only protocol message.
type DialecticMessage struct {
	SessionID          uuid.UUID
	Ordinal            int
	Type               MessageType
	Author             uuid.UUID
	Reasoning          string
	RootCause          string
	Concerns           []string
	ProposedConditions []string
	ObservedMetrics    map[string]float64
	Agrees             *bool // nil until the author takes a position
	Signature          string
	Timestamp          time.Time
}

// ResolutionAction is the terminal outcome of a resolved session.
type ResolutionAction string

const (
	ActionResume   ResolutionAction = "resume"
	ActionBlock    ResolutionAction = "block"
	ActionEscalate ResolutionAction = "escalate"
)

// Resolution is the structured outcome recorded on session close.
type Resolution struct {
	Action     ResolutionAction `json:"action"`
	RootCause  string           `json:"root_cause,omitempty"`
	Conditions []string         `json:"conditions,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// DialecticSession is the durable session record.
type DialecticSession struct {
	SessionID  uuid.UUID
	PausedUUID uuid.UUID
	Reviewer   uuid.UUID // zero UUID when LLM-assisted
	LLMBacked  bool
	Phase      DialecticPhase
	Rounds     int // completed synthesis exchanges
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
	Resolution *Resolution
}

// HealthReport is the health_check response.
type HealthReport struct {
	Healthy       bool             `json:"healthy"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	AgentsByState map[Status]int   `json:"agents_by_state"`
	Counters      map[string]int64 `json:"counters"`
	StorageOK     bool             `json:"storage_ok"`
	VectorSearch  bool             `json:"vector_search"`
}
