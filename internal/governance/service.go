// Package governance drives the monitoring loop that advances agents:
// identity resolution, per-agent locking, fingerprint and dynamics
// advancement, risk scoring, the circuit breaker, and the recovery paths
// back to active. It owns the wiring between the store and the numeric
// engines and is the only layer that takes agent locks.
package governance

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vigil/internal/collaborator"
	"vigil/internal/config"
	"vigil/internal/dialectic"
	"vigil/internal/dynamics"
	"vigil/internal/embedding"
	"vigil/internal/fingerprint"
	"vigil/internal/governor"
	"vigil/internal/identity"
	"vigil/internal/knowledge"
	"vigil/internal/logging"
	"vigil/internal/risk"
	"vigil/internal/store"
	"vigil/internal/types"
)

// Service is the governance core: one per process, wired at startup, torn
// down with the store on shutdown.
type Service struct {
	cfg   *config.Config
	store *store.Store

	engine    *dynamics.Engine
	prints    *fingerprint.Extractor
	governor  *governor.Governor
	risk      *risk.Estimator
	graph     *knowledge.Graph
	dialectic *dialectic.Engine

	lockCfg store.LockConfig
	started time.Time

	sweepMu   sync.Mutex
	lastSweep time.Time
}

// New wires the service. llm and emb may be nil: without a collaborator the
// dialectic protocol has no single-agent fallback, and without an embedding
// engine knowledge search degrades to text matching.
func New(cfg *config.Config, st *store.Store, llm collaborator.Client, emb embedding.Engine) (*Service, error) {
	eng, err := dynamics.New(cfg.Profile)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:      cfg,
		store:    st,
		engine:   eng,
		prints:   fingerprint.New(cfg.Profile.SigmaCoherence),
		governor: governor.New(cfg.Profile, cfg.Governor),
		risk:     risk.New(cfg.Profile, cfg.Risk),
		graph:    knowledge.New(st, emb),
		dialectic: dialectic.New(st, llm, dialectic.Config{
			MaxRounds:    cfg.Dialectic.MaxRounds,
			ReviewWindow: cfg.GetReviewWindow(),
			Secret:       []byte(cfg.Dialectic.SigningSecret),
		}),
		lockCfg: store.LockConfig{
			Retries:     cfg.Governance.LockRetries,
			BackoffBase: cfg.GetLockBackoffBase(),
			Stale:       cfg.GetLockStale(),
		},
		started: time.Now(),
	}, nil
}

// Store exposes the backing store for transport-level session handling.
func (s *Service) Store() *store.Store { return s.store }

// Caller is the identity material accompanying one request: the transport's
// session key plus whatever the request itself names.
type Caller struct {
	SessionKey string
	AgentID    string
	APIKey     string
}

// OnboardResult is the onboard response. The key hint appears exactly once.
type OnboardResult struct {
	UUID       uuid.UUID `json:"uuid"`
	AgentID    string    `json:"agent_id"`
	APIKeyHint string    `json:"api_key_hint"`
}

// IdentityInfo is the identity response for a bound session.
type IdentityInfo struct {
	UUID        uuid.UUID    `json:"uuid"`
	AgentID     string       `json:"agent_id"`
	DisplayName string       `json:"display_name,omitempty"`
	Status      types.Status `json:"status"`
}

// Onboard registers a new agent. An empty label gets a generated one; the
// minted API key is returned here once and stored only as a hash. A session
// key present on the call binds to the new agent.
func (s *Service) Onboard(ctx context.Context, c Caller, label, modelHint string) (*OnboardResult, error) {
	if label == "" {
		label = "agent_" + strings.Split(uuid.NewString(), "-")[0]
	}
	if err := identity.ValidateAgentID(label); err != nil {
		return nil, err
	}

	var metadata map[string]interface{}
	if modelHint != "" {
		metadata = map[string]interface{}{"model": modelHint}
	}

	rec, key, err := s.createAgent(label, metadata)
	if err != nil {
		return nil, err
	}
	s.bindIfPresent(c.SessionKey, rec.UUID)

	return &OnboardResult{UUID: rec.UUID, AgentID: rec.AgentID, APIKeyHint: key}, nil
}

// Identity reports who the session is bound to.
func (s *Service) Identity(c Caller) (*IdentityInfo, error) {
	rec, err := s.boundAgent(c.SessionKey)
	if err != nil {
		return nil, err
	}

	info := &IdentityInfo{UUID: rec.UUID, AgentID: rec.AgentID, Status: rec.Status}
	if name, ok := rec.Metadata["display_name"].(string); ok {
		info.DisplayName = name
	}
	return info, nil
}

// createAgent mints the identity and writes the agent row plus its initial
// runtime state. The plaintext key never persists.
func (s *Service) createAgent(agentID string, metadata map[string]interface{}) (*types.AgentRecord, string, error) {
	key, hash, err := identity.MintKey()
	if err != nil {
		return nil, "", types.Wrap(types.KindInternal, err, "minting an api key for %q", agentID)
	}

	rec := &types.AgentRecord{
		UUID:       identity.NewUUID(),
		AgentID:    agentID,
		APIKeyHash: hash,
		Status:     types.StatusActive,
		Metadata:   metadata,
	}
	if err := s.store.CreateAgent(rec); err != nil {
		return nil, "", err
	}
	if err := s.store.SaveRuntime(rec.UUID, s.initialState()); err != nil {
		return nil, "", err
	}

	logging.Identity("Agent onboarded: uuid=%s agent_id=%s", rec.UUID, rec.AgentID)
	logging.AuditForAgent(rec.UUID.String(), rec.AgentID).Lifecycle(logging.AuditAgentOnboard, "", string(types.StatusActive))
	s.recordAudit(logging.AuditEvent{
		EventType: logging.AuditAgentOnboard,
		AgentUUID: rec.UUID.String(),
		AgentID:   rec.AgentID,
		Success:   true,
		Message:   "agent onboarded",
	})
	return rec, key, nil
}

// initialState is the runtime record every agent starts from.
func (s *Service) initialState() *types.AgentState {
	return &types.AgentState{
		Dyn:           s.engine.InitialState(),
		Lambda1:       s.engine.Profile().Lambda1Base,
		VoidThreshold: s.risk.Config().ColdThreshold,
	}
}

// boundAgent resolves the transport session binding to an agent record.
func (s *Service) boundAgent(key string) (*types.AgentRecord, error) {
	if key == "" {
		return nil, types.E(types.KindNotBound, "no session key supplied").WithRecovery("onboard")
	}
	id, err := s.store.ResolveSession(key)
	if err != nil {
		return nil, err
	}
	return s.store.GetAgentByUUID(id)
}

// bindIfPresent binds a session key after a successful auth or onboard.
// Binding failures are logged, not fatal: the caller's operation already
// succeeded.
func (s *Service) bindIfPresent(key string, id uuid.UUID) {
	if key == "" {
		return
	}
	if err := s.store.BindSession(key, id, s.cfg.GetSessionTTL()); err != nil {
		logging.GovernanceWarn("Session not bound after auth: agent=%s err=%v", id, err)
		return
	}
	s.recordAudit(logging.AuditEvent{
		EventType: logging.AuditSessionBind,
		AgentUUID: id.String(),
		Success:   true,
		Message:   "session bound",
	})
}

// authenticate resolves the caller to an agent it owns. Ownership is a bound
// session or the agent's API key; a bare agent_id is never enough. A session
// bound to a different agent than the named one fails closed.
func (s *Service) authenticate(c Caller) (*types.AgentRecord, error) {
	var bound *types.AgentRecord
	if c.SessionKey != "" {
		if rec, err := s.boundAgent(c.SessionKey); err == nil {
			bound = rec
		}
	}

	if c.AgentID == "" {
		if bound == nil {
			return nil, types.E(types.KindNotBound,
				"request names no agent and the session is not bound").WithRecovery("onboard")
		}
		return bound, nil
	}

	if err := identity.ValidateAgentID(c.AgentID); err != nil {
		return nil, err
	}
	rec, err := s.store.GetAgentByID(c.AgentID)
	if err != nil {
		return nil, err
	}

	if bound != nil {
		if bound.UUID != rec.UUID {
			return nil, types.E(types.KindSessionMismatch,
				"session is bound to %q, not %q", bound.AgentID, c.AgentID).WithRecovery("identity")
		}
		return rec, nil
	}

	if err := identity.VerifyKey(rec.APIKeyHash, c.APIKey); err != nil {
		s.auditAuth(rec, false, "api key mismatch")
		return nil, err
	}
	s.auditAuth(rec, true, "")
	s.bindIfPresent(c.SessionKey, rec.UUID)
	return rec, nil
}

// resolveTarget names an agent for read-only operations: the explicit
// agent_id when given, the session binding otherwise. No key required.
func (s *Service) resolveTarget(c Caller) (*types.AgentRecord, error) {
	if c.AgentID != "" {
		if err := identity.ValidateAgentID(c.AgentID); err != nil {
			return nil, err
		}
		return s.store.GetAgentByID(c.AgentID)
	}
	return s.boundAgent(c.SessionKey)
}

// resolveForUpdate resolves process_update identity: bound sessions
// auto-inject, existing agents need their key, and an unknown agent_id
// onboards a new agent whose key hint rides back on this update's response.
func (s *Service) resolveForUpdate(c Caller) (*types.AgentRecord, string, error) {
	var bound *types.AgentRecord
	if c.SessionKey != "" {
		if rec, err := s.boundAgent(c.SessionKey); err == nil {
			bound = rec
		}
	}

	if c.AgentID == "" {
		if bound == nil {
			return nil, "", types.E(types.KindNotBound,
				"request names no agent and the session is not bound").WithRecovery("onboard")
		}
		return bound, "", nil
	}

	if err := identity.ValidateAgentID(c.AgentID); err != nil {
		return nil, "", err
	}

	rec, err := s.store.GetAgentByID(c.AgentID)
	if types.IsKind(err, types.KindNotFound) {
		created, key, cerr := s.createAgent(c.AgentID, nil)
		if cerr != nil {
			return nil, "", cerr
		}
		s.bindIfPresent(c.SessionKey, created.UUID)
		return created, key, nil
	}
	if err != nil {
		return nil, "", err
	}

	if bound != nil {
		if bound.UUID != rec.UUID {
			return nil, "", types.E(types.KindSessionMismatch,
				"session is bound to %q, not %q", bound.AgentID, c.AgentID).WithRecovery("identity")
		}
		return rec, "", nil
	}

	if err := identity.VerifyKey(rec.APIKeyHash, c.APIKey); err != nil {
		s.auditAuth(rec, false, "api key mismatch")
		return nil, "", err
	}
	s.auditAuth(rec, true, "")
	s.bindIfPresent(c.SessionKey, rec.UUID)
	return rec, "", nil
}

// auditAuth records an authentication outcome to both audit sinks. Failures
// are security-relevant and always land in the durable trail.
func (s *Service) auditAuth(rec *types.AgentRecord, ok bool, reason string) {
	logging.AuditForAgent(rec.UUID.String(), rec.AgentID).Auth(rec.AgentID, ok, reason)

	event := logging.AuditAuthSuccess
	msg := "api key verified"
	if !ok {
		event = logging.AuditAuthFailure
		msg = "api key rejected"
	}
	s.recordAudit(logging.AuditEvent{
		EventType: event,
		AgentUUID: rec.UUID.String(),
		AgentID:   rec.AgentID,
		Success:   ok,
		Error:     reason,
		Message:   msg,
	})
}

// recordAudit writes one durable audit row. The JSONL trail is written by the
// caller; a failed table write must not fail the operation it describes.
func (s *Service) recordAudit(ev logging.AuditEvent) {
	if err := s.store.RecordAudit(ev); err != nil {
		logging.GovernanceDebug("audit row not recorded: %v", err)
	}
}
