package governance

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"vigil/internal/dialectic"
	"vigil/internal/logging"
	"vigil/internal/types"
)

// ResumeResult reports the outcome of direct_resume_if_safe.
type ResumeResult struct {
	Resumed bool   `json:"resumed"`
	Reason  string `json:"reason"`
}

// DirectResumeIfSafe reactivates a paused agent when the resume gate passes.
// Calling it on a non-paused agent is not an error: the caller learns the
// status and moves on. A failing gate is an error so the agent cannot
// mistake it for a resume.
func (s *Service) DirectResumeIfSafe(ctx context.Context, c Caller) (*ResumeResult, error) {
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
	if rec.Status != types.StatusPaused {
		return &ResumeResult{Resumed: false, Reason: fmt.Sprintf("agent is %s; nothing to resume", rec.Status)}, nil
	}

	st, err := s.store.LoadRuntime(rec.UUID)
	if err != nil {
		return nil, err
	}

	if metric, ok := s.risk.ResumeSafe(st); !ok {
		s.recordAudit(logging.AuditEvent{
			EventType: logging.AuditAgentResume,
			AgentUUID: rec.UUID.String(),
			AgentID:   rec.AgentID,
			Success:   false,
			Error:     metric,
			Message:   "resume gate failed",
		})
		return nil, types.E(types.KindUnsafe,
			"resume gate failed on %s (risk=%.2f coherence=%.2f void=%v)",
			metric, st.Risk, st.Coherence, st.VoidActive).
			WithRecovery("request_dialectic_review")
	}

	st.PauseReason = ""
	ev, err := s.store.TransitionStatus(rec.UUID, types.StatusActive, "direct resume: safety gate passed", st)
	if err != nil {
		return nil, err
	}

	logging.Governance("Direct resume: agent=%s risk=%.3f", rec.AgentID, st.Risk)
	logging.AuditForAgent(rec.UUID.String(), rec.AgentID).Lifecycle(logging.AuditAgentResume, string(ev.From), string(ev.To))
	s.recordAudit(logging.AuditEvent{
		EventType: logging.AuditAgentResume,
		AgentUUID: rec.UUID.String(),
		AgentID:   rec.AgentID,
		Success:   true,
		Message:   "direct resume: safety gate passed",
	})
	return &ResumeResult{Resumed: true, Reason: "safety gate passed"}, nil
}

// ReviewTicket is the request_dialectic_review response: where to send the
// thesis and who will answer it.
type ReviewTicket struct {
	SessionID  uuid.UUID            `json:"session_id"`
	ReviewerID *uuid.UUID           `json:"reviewer_uuid,omitempty"`
	Reviewer   string               `json:"reviewer,omitempty"`
	LLMBacked  bool                 `json:"llm_backed"`
	Phase      types.DialecticPhase `json:"phase"`
}

// RequestReview opens (or re-reports) a dialectic session for the caller's
// paused agent.
func (s *Service) RequestReview(ctx context.Context, c Caller, reason, mode string) (*ReviewTicket, error) {
	rec, err := s.authenticate(c)
	if err != nil {
		return nil, err
	}

	ds, err := s.dialectic.Open(ctx, rec, reason, mode)
	if err != nil {
		return nil, err
	}
	return s.ticket(ds), nil
}

func (s *Service) ticket(ds *types.DialecticSession) *ReviewTicket {
	t := &ReviewTicket{
		SessionID: ds.SessionID,
		LLMBacked: ds.LLMBacked,
		Phase:     ds.Phase,
	}
	if !ds.LLMBacked && ds.Reviewer != uuid.Nil {
		rid := ds.Reviewer
		t.ReviewerID = &rid
		if rev, err := s.store.GetAgentByUUID(ds.Reviewer); err == nil {
			t.Reviewer = rev.AgentID
		}
	}
	return t
}

// SubmitThesis records the paused agent's account of its own failure.
func (s *Service) SubmitThesis(ctx context.Context, c Caller, sessionID uuid.UUID, f dialectic.Fields) (*dialectic.SubmitResult, error) {
	rec, err := s.authenticate(c)
	if err != nil {
		return nil, err
	}
	res, err := s.dialectic.SubmitThesis(ctx, sessionID, rec.UUID, f)
	return s.afterSubmit(ctx, sessionID, res, err)
}

// SubmitAntithesis records the reviewer's independent assessment.
func (s *Service) SubmitAntithesis(ctx context.Context, c Caller, sessionID uuid.UUID, f dialectic.Fields) (*dialectic.SubmitResult, error) {
	rec, err := s.authenticate(c)
	if err != nil {
		return nil, err
	}
	res, err := s.dialectic.SubmitAntithesis(ctx, sessionID, rec.UUID, f)
	return s.afterSubmit(ctx, sessionID, res, err)
}

// SubmitSynthesis records one party's proposed resolution. When both parties
// converge the session closes and a resume resolution is applied here, under
// the paused agent's lock.
func (s *Service) SubmitSynthesis(ctx context.Context, c Caller, sessionID uuid.UUID, f dialectic.Fields) (*dialectic.SubmitResult, error) {
	rec, err := s.authenticate(c)
	if err != nil {
		return nil, err
	}
	res, err := s.dialectic.SubmitSynthesis(ctx, sessionID, rec.UUID, f)
	return s.afterSubmit(ctx, sessionID, res, err)
}

// afterSubmit applies a resume resolution if the submit closed the session
// that way. The submit outcome itself passes through untouched, including
// the escalation error.
func (s *Service) afterSubmit(ctx context.Context, sessionID uuid.UUID, res *dialectic.SubmitResult, err error) (*dialectic.SubmitResult, error) {
	if res != nil && res.Resolution != nil && res.Resolution.Action == types.ActionResume {
		if rerr := s.applyResume(ctx, sessionID, res.Resolution); rerr != nil {
			logging.GovernanceError("Dialectic resume not applied: session=%s err=%v", sessionID, rerr)
			if err == nil {
				err = rerr
			}
		}
	}
	return res, err
}

// applyResume reactivates the paused agent named by a resolved session.
// Idempotent: a second application finds the agent already active and does
// nothing.
func (s *Service) applyResume(ctx context.Context, sessionID uuid.UUID, r *types.Resolution) error {
	ds, err := s.dialectic.Session(sessionID)
	if err != nil {
		return err
	}

	lock, err := s.store.AcquireLock(ctx, ds.PausedUUID, s.lockCfg)
	if err != nil {
		return err
	}
	defer lock.Release()

	rec, err := s.store.GetAgentByUUID(ds.PausedUUID)
	if err != nil {
		return err
	}
	if rec.Status != types.StatusPaused {
		return nil
	}

	st, err := s.store.LoadRuntime(rec.UUID)
	if err != nil {
		return err
	}
	st.PauseReason = ""

	reason := fmt.Sprintf("dialectic resolution %s", ds.SessionID)
	if len(r.Conditions) > 0 {
		reason += ": " + strings.Join(r.Conditions, "; ")
	}
	ev, err := s.store.TransitionStatus(rec.UUID, types.StatusActive, reason, st)
	if err != nil {
		return err
	}

	logging.Governance("Dialectic resume: agent=%s session=%s", rec.AgentID, ds.SessionID)
	logging.AuditForAgent(rec.UUID.String(), rec.AgentID).Lifecycle(logging.AuditAgentResume, string(ev.From), string(ev.To))
	s.recordAudit(logging.AuditEvent{
		EventType: logging.AuditAgentResume,
		AgentUUID: rec.UUID.String(),
		AgentID:   rec.AgentID,
		SessionID: ds.SessionID.String(),
		Success:   true,
		Message:   reason,
	})
	return nil
}

// DialecticSession exposes a session record for inspection.
func (s *Service) DialecticSession(id uuid.UUID) (*types.DialecticSession, error) {
	return s.dialectic.Session(id)
}

// DialecticTranscript exposes a session's full message log.
func (s *Service) DialecticTranscript(id uuid.UUID) ([]types.DialecticMessage, error) {
	return s.dialectic.Transcript(id)
}
