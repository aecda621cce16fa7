package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"vigil/internal/dynamics"
	"vigil/internal/fingerprint"
	"vigil/internal/logging"
	"vigil/internal/store"
	"vigil/internal/types"
)

// maxDecayTurns bounds one decay call so a typo cannot spin the loop for
// minutes while holding the agent's lock.
const maxDecayTurns = 500

// UpdateRequest carries one observed turn of agent work.
type UpdateRequest struct {
	ResponseText string    `json:"response_text"`
	Complexity   float64   `json:"complexity"`
	Parameters   []float64 `json:"parameters,omitempty"`
	EthicalDrift []float64 `json:"ethical_drift,omitempty"`
}

func (r *UpdateRequest) validate() error {
	if r.ResponseText == "" {
		return types.E(types.KindInvalidArgument, "response_text is required")
	}
	if math.IsNaN(r.Complexity) || math.IsInf(r.Complexity, 0) || r.Complexity < 0 || r.Complexity > 1 {
		return types.E(types.KindInvalidArgument, "complexity must be in [0, 1], got %v", r.Complexity)
	}
	for i, v := range r.Parameters {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return types.E(types.KindInvalidArgument, "parameters[%d] is not finite", i)
		}
	}
	for i, v := range r.EthicalDrift {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return types.E(types.KindInvalidArgument, "ethical_drift[%d] is not finite", i)
		}
	}
	return nil
}

// ProcessUpdate runs the full governance loop for one turn: resolve the
// caller, serialize on the agent's lock, advance fingerprint and dynamics,
// score risk, apply the breaker, persist everything as one transaction and
// answer with the verdict. An unknown agent_id is onboarded on the spot and
// its API key rides back on this response only.
func (s *Service) ProcessUpdate(ctx context.Context, c Caller, req UpdateRequest) (*types.UpdateResult, error) {
	timer := logging.StartTimer(logging.CategoryGovernance, "process_update")

	if err := req.validate(); err != nil {
		return nil, err
	}

	rec, keyHint, err := s.resolveForUpdate(c)
	if err != nil {
		return nil, err
	}
	audit := logging.AuditForAgent(rec.UUID.String(), rec.AgentID)

	lock, err := s.store.AcquireLock(ctx, rec.UUID, s.lockCfg)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	// Re-read under the lock: status may have moved while we queued.
	rec, err = s.store.GetAgentByUUID(rec.UUID)
	if err != nil {
		return nil, err
	}
	st, err := s.store.LoadRuntime(rec.UUID)
	if err != nil {
		return nil, err
	}
	if err := s.gateStatus(rec, st); err != nil {
		audit.UpdateRejected(string(rec.Status), err)
		return nil, err
	}

	phi, err := s.advance(st, req)
	if err != nil {
		audit.UpdateRejected("dynamics", err)
		return nil, err
	}

	trigger, broke := s.risk.ShouldBreak(st)
	verdict := s.engine.Verdict(phi)
	if broke {
		verdict = types.VerdictPause
		st.PauseReason = breakerReason(trigger, st)
	}
	st.LastVerdict = verdict

	commit := store.UpdateCommit{
		State:      st,
		Snapshot:   s.snapshot(rec.UUID, st, "update"),
		HistoryCap: s.cfg.Governance.HistoryCap,
	}
	if broke && rec.Status == types.StatusActive {
		commit.NewStatus = types.StatusPaused
		commit.Reason = st.PauseReason
	}
	if err := s.commitWithRetry(rec.UUID, commit); err != nil {
		return nil, err
	}

	elapsedMs := timer.Stop().Milliseconds()
	audit.UpdateAccepted(string(verdict), phi, st.Risk, elapsedMs)
	s.recordAudit(logging.AuditEvent{
		EventType:  logging.AuditUpdateAccepted,
		AgentUUID:  rec.UUID.String(),
		AgentID:    rec.AgentID,
		Success:    true,
		DurationMs: elapsedMs,
		Message:    fmt.Sprintf("verdict=%s risk=%.3f", verdict, st.Risk),
	})
	if broke {
		audit.CircuitBreak(trigger, st.Risk, st.Coherence)
		s.recordAudit(logging.AuditEvent{
			EventType: logging.AuditCircuitBreak,
			AgentUUID: rec.UUID.String(),
			AgentID:   rec.AgentID,
			Success:   true,
			Message:   st.PauseReason,
		})
		logging.GovernanceWarn("Circuit breaker tripped: agent=%s trigger=%s risk=%.3f", rec.AgentID, trigger, st.Risk)
	}

	decision, guidance := s.decide(verdict, broke, trigger, st)
	res := &types.UpdateResult{
		State:           st.Dyn,
		Risk:            st.Risk,
		Verdict:         verdict,
		VoidActive:      st.VoidActive,
		Decision:        decision,
		Guidance:        guidance,
		LearningContext: s.graph.LearningContext(ctx, req.ResponseText, s.cfg.Governance.LearningContextSize),
		APIKeyHint:      keyHint,
	}
	if st.CoherenceOK {
		coh := st.Coherence
		res.Coherence = &coh
	}
	return res, nil
}

// gateStatus decides whether an update may advance the agent. waiting_input
// wakes the agent; paused refuses with the recovery path; terminal states
// refuse outright.
func (s *Service) gateStatus(rec *types.AgentRecord, st *types.AgentState) error {
	switch rec.Status {
	case types.StatusActive:
		return nil
	case types.StatusWaitingInput:
		if _, err := s.store.TransitionStatus(rec.UUID, types.StatusActive, "input received", nil); err != nil {
			return err
		}
		rec.Status = types.StatusActive
		return nil
	case types.StatusPaused:
		reason := st.PauseReason
		if reason == "" {
			reason = "circuit breaker"
		}
		return types.E(types.KindAgentPaused, "agent %q is paused: %s", rec.AgentID, reason).
			WithRecovery("direct_resume_if_safe")
	default:
		return types.E(types.KindInvalidArgument, "agent %q is %s and cannot accept updates", rec.AgentID, rec.Status)
	}
}

// advance runs the numeric half of the loop in place: fingerprint and
// coherence, the ODE step, void observation, the PI governor and the risk
// score. Returns the step's objective value. On error the state is
// untouched and nothing may be persisted.
func (s *Service) advance(st *types.AgentState, req UpdateRequest) (float64, error) {
	drift := req.EthicalDrift
	if len(drift) == 0 && len(req.Parameters) > 0 && len(st.LastParameters) == len(req.Parameters) {
		drift = make([]float64, len(req.Parameters))
		floats.SubTo(drift, req.Parameters, st.LastParameters)
	}

	fp := s.prints.Extract(fingerprint.Sample{
		Output:  req.ResponseText,
		Metrics: req.Parameters,
		Drift:   drift,
	})

	res, err := s.engine.Step(st.Dyn, dynamics.Input{
		Complexity: req.Complexity,
		Drift:      drift,
		Lambda1:    st.Lambda1,
		Lambda2:    s.engine.Profile().Lambda2Base,
	})
	if err != nil {
		return 0, types.Wrap(types.KindDynamicsInstability, err, "dynamics step diverged")
	}

	if len(st.LastFingerprint) > 0 {
		st.Coherence = s.prints.Coherence(st.LastFingerprint, fp)
		st.CoherenceOK = true
	} else {
		st.Coherence = 0
		st.CoherenceOK = false
	}

	st.Dyn = res.State
	st.UpdateCount++
	voidActive := s.risk.ObserveVoltage(st, res.State.V)
	s.governor.Step(st, voidActive)
	st.Risk = s.risk.Score(st)

	st.LastFingerprint = fp
	if len(req.Parameters) > 0 {
		st.LastParameters = append([]float64(nil), req.Parameters...)
	}
	return res.Phi, nil
}

func (s *Service) snapshot(id uuid.UUID, st *types.AgentState, regime string) types.StateSnapshot {
	coh := -1.0
	if st.CoherenceOK {
		coh = st.Coherence
	}
	return types.StateSnapshot{
		AgentUUID:  id,
		RecordedAt: time.Now(),
		E:          st.Dyn.E,
		I:          st.Dyn.I,
		S:          st.Dyn.S,
		V:          st.Dyn.V,
		Coherence:  coh,
		Risk:       st.Risk,
		Lambda1:    st.Lambda1,
		Regime:     regime,
		Verdict:    st.LastVerdict,
	}
}

// commitWithRetry persists the update. Domain errors pass through; a raw
// storage failure gets one immediate retry before surfacing as unavailable.
func (s *Service) commitWithRetry(id uuid.UUID, c store.UpdateCommit) error {
	_, err := s.store.CommitUpdate(id, c)
	if err == nil {
		return nil
	}
	var derr *types.Error
	if errors.As(err, &derr) {
		return err
	}
	logging.GovernanceWarn("Update commit failed, retrying once: agent=%s err=%v", id, err)
	if _, err = s.store.CommitUpdate(id, c); err == nil {
		return nil
	}
	return types.Wrap(types.KindServiceUnavailable, err, "persisting update for agent %s", id)
}

func breakerReason(trigger string, st *types.AgentState) string {
	switch trigger {
	case "risk":
		return fmt.Sprintf("composite risk %.3f crossed the pause threshold", st.Risk)
	case "coherence":
		return fmt.Sprintf("behavioral coherence %.3f fell below the floor", st.Coherence)
	case "void":
		return fmt.Sprintf("void breach: |V| exceeded the adaptive threshold %.4f", st.VoidThreshold)
	default:
		return "governance pause"
	}
}

// decide maps the verdict onto the decision/guidance pair the calling agent
// acts on. Guidance names the concrete next operation, not just the problem.
func (s *Service) decide(verdict types.Verdict, broke bool, trigger string, st *types.AgentState) (string, string) {
	if verdict == types.VerdictProceed {
		return "proceed", "Governance signals are inside operating bounds. Continue the current task."
	}
	if !broke {
		return "pause", "The objective turned negative without tripping a breaker. Reduce task complexity and resubmit; no resume is required."
	}
	switch trigger {
	case "risk":
		return "pause", fmt.Sprintf("Paused: composite risk %.2f. Wait for decay, then call direct_resume_if_safe; if the gate fails, call request_dialectic_review.", st.Risk)
	case "coherence":
		return "pause", fmt.Sprintf("Paused: coherence %.2f signals a behavioral break. Call request_dialectic_review to examine the shift before resuming.", st.Coherence)
	case "void":
		return "pause", "Paused: the void signal breached its adaptive threshold. Stop the current approach and call request_dialectic_review."
	default:
		return "pause", "Paused by governance. Call direct_resume_if_safe once conditions settle."
	}
}

// Decay advances an agent through quiet turns with no external input, letting
// strain and voltage relax toward rest. It never trips the breaker: decay is
// the recovery path, and the resume gate does the safety check.
func (s *Service) Decay(ctx context.Context, c Caller, turns int) (*types.UpdateResult, error) {
	if turns < 1 {
		turns = 1
	}
	if turns > maxDecayTurns {
		return nil, types.E(types.KindInvalidArgument, "decay turns must be at most %d, got %d", maxDecayTurns, turns)
	}

	rec, err := s.authenticate(c)
	if err != nil {
		return nil, err
	}

	lock, err := s.store.AcquireLock(ctx, rec.UUID, s.lockCfg)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	rec, err = s.store.GetAgentByUUID(rec.UUID)
	if err != nil {
		return nil, err
	}
	if rec.Status != types.StatusActive && rec.Status != types.StatusPaused {
		return nil, types.E(types.KindInvalidArgument, "agent %q is %s and cannot decay", rec.AgentID, rec.Status)
	}

	st, err := s.store.LoadRuntime(rec.UUID)
	if err != nil {
		return nil, err
	}

	for i := 0; i < turns; i++ {
		res, err := s.engine.Step(st.Dyn, dynamics.Input{
			Lambda1: st.Lambda1,
			Lambda2: s.engine.Profile().Lambda2Base,
		})
		if err != nil {
			return nil, types.Wrap(types.KindDynamicsInstability, err, "decay step %d diverged", i+1)
		}
		st.Dyn = res.State
		st.UpdateCount++
		voidActive := s.risk.ObserveVoltage(st, res.State.V)
		s.governor.Step(st, voidActive)
		st.Risk = s.risk.Score(st)
		st.LastVerdict = s.engine.Verdict(res.Phi)

		commit := store.UpdateCommit{
			State:      st,
			Snapshot:   s.snapshot(rec.UUID, st, "decay"),
			HistoryCap: s.cfg.Governance.HistoryCap,
		}
		if err := s.commitWithRetry(rec.UUID, commit); err != nil {
			return nil, err
		}
	}

	logging.Governance("Decay applied: agent=%s turns=%d risk=%.3f", rec.AgentID, turns, st.Risk)
	s.recordAudit(logging.AuditEvent{
		EventType: logging.AuditDecay,
		AgentUUID: rec.UUID.String(),
		AgentID:   rec.AgentID,
		Success:   true,
		Message:   fmt.Sprintf("turns=%d risk=%.3f", turns, st.Risk),
	})

	res := &types.UpdateResult{
		State:      st.Dyn,
		Risk:       st.Risk,
		Verdict:    st.LastVerdict,
		VoidActive: st.VoidActive,
		Decision:   "decay",
		Guidance:   fmt.Sprintf("Applied %d decay turns. Check metrics, then call direct_resume_if_safe if the agent is paused.", turns),
	}
	if st.CoherenceOK {
		coh := st.Coherence
		res.Coherence = &coh
	}
	return res, nil
}
