// Package dialectic implements the three-phase recovery protocol for paused
// agents: thesis -> antithesis -> synthesis, closing as resolved, escalated,
// or failed. A session pairs the paused agent with either a peer reviewer
// (picked by weighted authority draw) or, when no peer qualifies, a model
// collaborator that authors the antithesis and synthesis turns.
//
// The engine owns protocol state only. Applying a resolution to the paused
// agent (the status transition back to active) is the governance layer's job,
// so the engine never takes an agent lock.
package dialectic

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vigil/internal/collaborator"
	"vigil/internal/logging"
	"vigil/internal/store"
	"vigil/internal/types"
)

// Reviewer modes accepted by Open.
const (
	ModeAuto = "auto" // peer reviewer, LLM fallback when the pool is empty
	ModeSelf = "self" // no peers available: model collaborator from the start
)

// Config carries protocol tuning. Zero values fall back to defaults.
type Config struct {
	MaxRounds    int           // synthesis exchange cap, default 5
	ReviewWindow time.Duration // reviewer reuse exclusion window, default 24h
	Secret       []byte        // HMAC key for message signatures
	Seed         int64         // RNG seed for the reviewer draw; 0 = time-seeded
}

// Engine drives dialectic sessions against the store.
type Engine struct {
	store *store.Store
	llm   collaborator.Client // nil when no collaborator is configured
	cfg   Config

	// Messages are applied one at a time; the participants never write a
	// session concurrently.
	submitMu sync.Mutex

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds an engine. llm may be nil; ModeSelf and the empty-pool fallback
// then return NoReviewerAvailable.
func New(st *store.Store, llm collaborator.Client, cfg Config) *Engine {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 5
	}
	if cfg.ReviewWindow <= 0 {
		cfg.ReviewWindow = 24 * time.Hour
	}
	return &Engine{
		store: st,
		llm:   llm,
		cfg:   cfg,
		rng:   newRNG(cfg.Seed),
	}
}

// Fields is the author-supplied content of one protocol message.
type Fields struct {
	Reasoning          string
	RootCause          string
	Concerns           []string
	ProposedConditions []string
	ObservedMetrics    map[string]float64
	Agrees             *bool
}

// SubmitResult reports the session position after a message is applied.
type SubmitResult struct {
	Phase      types.DialecticPhase
	Converged  bool
	Rounds     int
	Resolution *types.Resolution // set once the session closes
}

// Open starts a review session for a paused agent, or returns the agent's
// already-open session. The caller has authenticated the agent and loaded its
// record outside any lock.
func (e *Engine) Open(ctx context.Context, paused *types.AgentRecord, reason, mode string) (*types.DialecticSession, error) {
	if paused.Status != types.StatusPaused {
		return nil, types.E(types.KindInvalidArgument,
			"agent %s is %s; only paused agents request dialectic review", paused.AgentID, paused.Status)
	}

	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	existing, err := e.store.OpenSessionFor(paused.UUID)
	if err == nil {
		logging.Dialectic("Re-request joins open session: agent=%s session=%s phase=%s",
			paused.AgentID, existing.SessionID, existing.Phase)
		return existing, nil
	}
	if !types.IsKind(err, types.KindNotFound) {
		return nil, err
	}

	ds := &types.DialecticSession{
		SessionID:  uuid.New(),
		PausedUUID: paused.UUID,
		Phase:      types.PhaseThesis,
	}

	switch mode {
	case ModeAuto, "":
		pool, err := e.buildPool(paused, e.cfg.ReviewWindow)
		if err != nil {
			return nil, err
		}
		if len(pool) > 0 {
			picked := e.drawReviewer(pool)
			ds.Reviewer = picked.UUID
			logging.Dialectic("Reviewer drawn: agent=%s reviewer=%s authority=%.3f pool=%d",
				paused.AgentID, picked.AgentID, picked.Authority(), len(pool))
			break
		}
		if e.llm == nil {
			return nil, types.E(types.KindNoReviewerAvailable,
				"no healthy reviewer available for %s and no model collaborator configured", paused.AgentID).
				WithRecovery("request_dialectic_review")
		}
		ds.LLMBacked = true
		logging.Dialectic("Reviewer pool empty, falling back to %s: agent=%s", e.llm.Name(), paused.AgentID)
	case ModeSelf:
		if e.llm == nil {
			return nil, types.E(types.KindNoReviewerAvailable,
				"self-review for %s needs a model collaborator and none is configured", paused.AgentID)
		}
		ds.LLMBacked = true
	default:
		return nil, types.E(types.KindInvalidArgument, "reviewer_mode %q is not one of auto, self", mode)
	}

	if err := e.store.CreateDialecticSession(ds); err != nil {
		return nil, err
	}
	e.audit(logging.AuditDialecticOpen, ds, 0, map[string]interface{}{
		"reason": reason,
		"mode":   mode,
		"llm":    ds.LLMBacked,
	})
	return ds, nil
}

// SubmitThesis opens the argument. Only the paused agent may author it. For
// LLM-backed sessions the collaborator's antithesis is generated in the same
// call, so the session lands in synthesis phase; nothing persists if the
// model call fails.
func (e *Engine) SubmitThesis(ctx context.Context, sessionID, author uuid.UUID, f Fields) (*SubmitResult, error) {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	ds, err := e.store.GetDialecticSession(sessionID)
	if err != nil {
		return nil, err
	}
	if ds.Phase != types.PhaseThesis {
		return nil, wrongPhase(ds, types.PhaseThesis)
	}
	if author != ds.PausedUUID {
		return nil, types.E(types.KindAuthRequired, "only the paused agent opens session %s with a thesis", ds.SessionID)
	}
	if strings.TrimSpace(f.Reasoning) == "" && strings.TrimSpace(f.RootCause) == "" {
		return nil, types.E(types.KindInvalidArgument, "a thesis needs reasoning or a root cause")
	}

	var counter Fields
	if ds.LLMBacked {
		counter, err = e.llmAntithesis(ctx, ds, f)
		if err != nil {
			return nil, err
		}
	}

	if err := e.append(ds, types.MessageThesis, author, f); err != nil {
		return nil, err
	}
	ds.Phase = types.PhaseAntithesis

	if ds.LLMBacked {
		if err := e.append(ds, types.MessageAntithesis, uuid.Nil, counter); err != nil {
			return nil, err
		}
		ds.Phase = types.PhaseSynthesis
	}

	if err := e.store.UpdateDialecticSession(ds); err != nil {
		return nil, err
	}
	e.audit(logging.AuditDialecticRound, ds, ds.Rounds, nil)
	return &SubmitResult{Phase: ds.Phase, Rounds: ds.Rounds}, nil
}

// SubmitAntithesis records the reviewer's counter-argument and moves the
// session into synthesis.
func (e *Engine) SubmitAntithesis(ctx context.Context, sessionID, author uuid.UUID, f Fields) (*SubmitResult, error) {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	ds, err := e.store.GetDialecticSession(sessionID)
	if err != nil {
		return nil, err
	}
	if ds.Phase != types.PhaseAntithesis {
		return nil, wrongPhase(ds, types.PhaseAntithesis)
	}
	if ds.LLMBacked || author != ds.Reviewer {
		return nil, types.E(types.KindAuthRequired, "only the assigned reviewer answers session %s", ds.SessionID)
	}
	if strings.TrimSpace(f.Reasoning) == "" && strings.TrimSpace(f.RootCause) == "" && len(f.Concerns) == 0 {
		return nil, types.E(types.KindInvalidArgument, "an antithesis needs reasoning, concerns, or a root cause")
	}

	if err := e.append(ds, types.MessageAntithesis, author, f); err != nil {
		return nil, err
	}
	ds.Phase = types.PhaseSynthesis
	if err := e.store.UpdateDialecticSession(ds); err != nil {
		return nil, err
	}
	e.audit(logging.AuditDialecticRound, ds, ds.Rounds, nil)
	return &SubmitResult{Phase: ds.Phase, Rounds: ds.Rounds}, nil
}

// SubmitSynthesis records one party's synthesis position and re-evaluates
// convergence. The session resolves once both parties' latest syntheses agree
// on the same root cause and conditions; agreed conditions still pass the
// hard-limits check, otherwise the resolution action is block. On hitting the
// round cap the session escalates and the escalated result is returned
// together with a MaxRoundsExceeded error.
//
// In LLM-backed sessions the collaborator's reply is generated in the same
// call, so every accepted synthesis completes a full exchange.
func (e *Engine) SubmitSynthesis(ctx context.Context, sessionID, author uuid.UUID, f Fields) (*SubmitResult, error) {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	ds, err := e.store.GetDialecticSession(sessionID)
	if err != nil {
		return nil, err
	}
	if ds.Phase != types.PhaseSynthesis {
		return nil, wrongPhase(ds, types.PhaseSynthesis)
	}
	if author != ds.PausedUUID && (ds.LLMBacked || author != ds.Reviewer) {
		return nil, types.E(types.KindAuthRequired, "author is not a participant in session %s", ds.SessionID)
	}
	if strings.TrimSpace(f.Reasoning) == "" && strings.TrimSpace(f.RootCause) == "" && len(f.ProposedConditions) == 0 {
		return nil, types.E(types.KindInvalidArgument, "a synthesis needs reasoning, a root cause, or proposed conditions")
	}

	var reply Fields
	haveReply := false
	if ds.LLMBacked && author == ds.PausedUUID {
		reply, err = e.llmSynthesis(ctx, ds, f)
		if err != nil {
			return nil, err
		}
		haveReply = true
	}

	if err := e.append(ds, types.MessageSynthesis, author, f); err != nil {
		return nil, err
	}
	if haveReply {
		if err := e.append(ds, types.MessageSynthesis, uuid.Nil, reply); err != nil {
			return nil, err
		}
	}

	return e.evaluate(ds)
}

// Session returns the durable record for a session.
func (e *Engine) Session(id uuid.UUID) (*types.DialecticSession, error) {
	return e.store.GetDialecticSession(id)
}

// Transcript returns the session's messages in protocol order.
func (e *Engine) Transcript(id uuid.UUID) ([]types.DialecticMessage, error) {
	return e.store.DialecticMessages(id)
}

// evaluate recomputes rounds and convergence after a synthesis exchange and
// closes the session when warranted.
func (e *Engine) evaluate(ds *types.DialecticSession) (*SubmitResult, error) {
	msgs, err := e.store.DialecticMessages(ds.SessionID)
	if err != nil {
		return nil, err
	}

	var lastPaused, lastOther *types.DialecticMessage
	countPaused, countOther := 0, 0
	for i := range msgs {
		m := &msgs[i]
		if m.Type != types.MessageSynthesis {
			continue
		}
		if m.Author == ds.PausedUUID {
			countPaused++
			lastPaused = m
		} else {
			countOther++
			lastOther = m
		}
	}

	ds.Rounds = countPaused
	if countOther < countPaused {
		ds.Rounds = countOther
	}

	if converged(lastPaused, lastOther) {
		return e.close(ds, lastPaused.RootCause, lastPaused.ProposedConditions)
	}

	if ds.Rounds >= e.cfg.MaxRounds {
		ds.Phase = types.PhaseEscalated
		ds.Resolution = &types.Resolution{
			Action: types.ActionEscalate,
			Reason: fmt.Sprintf("no agreement after %d synthesis rounds", ds.Rounds),
		}
		now := time.Now().UTC()
		ds.ResolvedAt = &now
		if err := e.store.UpdateDialecticSession(ds); err != nil {
			return nil, err
		}
		e.audit(logging.AuditDialecticEscalate, ds, ds.Rounds, nil)
		res := &SubmitResult{Phase: ds.Phase, Rounds: ds.Rounds, Resolution: ds.Resolution}
		return res, types.E(types.KindMaxRoundsExceeded,
			"session %s reached %d synthesis rounds without agreement and was escalated", ds.SessionID, ds.Rounds)
	}

	if err := e.store.UpdateDialecticSession(ds); err != nil {
		return nil, err
	}
	e.audit(logging.AuditDialecticRound, ds, ds.Rounds, nil)
	return &SubmitResult{Phase: ds.Phase, Rounds: ds.Rounds}, nil
}

// close resolves a converged session. Agreed conditions that trip the
// hard-limits check resolve to block instead of resume; the session still
// closes cleanly.
func (e *Engine) close(ds *types.DialecticSession, rootCause string, conditions []string) (*SubmitResult, error) {
	resolution := &types.Resolution{
		Action:     types.ActionResume,
		RootCause:  rootCause,
		Conditions: conditions,
	}
	if err := CheckConditions(conditions); err != nil {
		resolution.Action = types.ActionBlock
		resolution.Reason = err.Error()
		logging.DialecticWarn("Agreed conditions rejected by safety check: session=%s err=%v", ds.SessionID, err)
	}

	ds.Phase = types.PhaseResolved
	ds.Resolution = resolution
	now := time.Now().UTC()
	ds.ResolvedAt = &now
	if err := e.store.UpdateDialecticSession(ds); err != nil {
		return nil, err
	}
	e.audit(logging.AuditDialecticResolve, ds, ds.Rounds, map[string]interface{}{
		"action": string(resolution.Action),
	})
	return &SubmitResult{Phase: ds.Phase, Converged: true, Rounds: ds.Rounds, Resolution: resolution}, nil
}

// append signs and persists one message with the session's next ordinal.
func (e *Engine) append(ds *types.DialecticSession, mt types.MessageType, author uuid.UUID, f Fields) error {
	m := &types.DialecticMessage{
		SessionID:          ds.SessionID,
		Type:               mt,
		Author:             author,
		Reasoning:          strings.TrimSpace(f.Reasoning),
		RootCause:          strings.TrimSpace(f.RootCause),
		Concerns:           f.Concerns,
		ProposedConditions: f.ProposedConditions,
		ObservedMetrics:    f.ObservedMetrics,
		Agrees:             f.Agrees,
		Timestamp:          time.Now().UTC(),
	}
	m.Signature = SignMessage(e.cfg.Secret, m)
	return e.store.AppendDialecticMessage(m)
}

func (e *Engine) audit(event logging.AuditEventType, ds *types.DialecticSession, round int, fields map[string]interface{}) {
	logging.Audit().DialecticEvent(event, ds.SessionID.String(), string(ds.Phase), round)
	ev := logging.AuditEvent{
		EventType: event,
		Category:  string(logging.CategoryDialectic),
		AgentUUID: ds.PausedUUID.String(),
		SessionID: ds.SessionID.String(),
		Action:    string(ds.Phase),
		Success:   event != logging.AuditDialecticFail,
		Fields:    fields,
		Message:   fmt.Sprintf("dialectic %s: session=%s phase=%s round=%d", event, ds.SessionID, ds.Phase, round),
	}
	if err := e.store.RecordAudit(ev); err != nil {
		logging.DialecticDebug("audit row not recorded: %v", err)
	}
}

func wrongPhase(ds *types.DialecticSession, want types.DialecticPhase) error {
	if ds.Phase.Terminal() {
		return types.E(types.KindWrongPhase, "session %s is closed (%s)", ds.SessionID, ds.Phase)
	}
	return types.E(types.KindWrongPhase, "session %s is in %s phase, expected %s", ds.SessionID, ds.Phase, want)
}

// converged reports whether both parties' latest syntheses agree on the same
// root cause and conditions.
func converged(a, b *types.DialecticMessage) bool {
	if a == nil || b == nil {
		return false
	}
	if a.Agrees == nil || !*a.Agrees || b.Agrees == nil || !*b.Agrees {
		return false
	}
	if !strings.EqualFold(strings.TrimSpace(a.RootCause), strings.TrimSpace(b.RootCause)) {
		return false
	}
	return sameConditions(a.ProposedConditions, b.ProposedConditions)
}

// sameConditions compares condition sets ignoring case, surrounding space,
// blanks, and order.
func sameConditions(a, b []string) bool {
	na, nb := normalizeConditions(a), normalizeConditions(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}

func normalizeConditions(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}
