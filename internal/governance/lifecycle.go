package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vigil/internal/logging"
	"vigil/internal/types"
)

// AgentSummary is one row of list_agents.
type AgentSummary struct {
	UUID        uuid.UUID     `json:"uuid"`
	AgentID     string        `json:"agent_id"`
	Status      types.Status  `json:"status"`
	Risk        float64       `json:"risk"`
	Verdict     types.Verdict `json:"verdict,omitempty"`
	UpdateCount int64         `json:"update_count"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// ListAgents enumerates agents, optionally filtered to one status. Runtime
// columns are joined best-effort: an agent whose runtime row is missing still
// lists with zero metrics.
func (s *Service) ListAgents(filter types.Status) ([]AgentSummary, error) {
	if filter != "" && !filter.Valid() {
		return nil, types.E(types.KindInvalidArgument, "unknown status filter %q", filter)
	}
	s.sweepIfDue()

	recs, err := s.store.ListAgents(filter)
	if err != nil {
		return nil, err
	}

	out := make([]AgentSummary, 0, len(recs))
	for _, rec := range recs {
		sum := AgentSummary{
			UUID:      rec.UUID,
			AgentID:   rec.AgentID,
			Status:    rec.Status,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		}
		if st, err := s.store.LoadRuntime(rec.UUID); err == nil {
			sum.Risk = st.Risk
			sum.Verdict = st.LastVerdict
			sum.UpdateCount = st.UpdateCount
		}
		out = append(out, sum)
	}
	return out, nil
}

// MetricsReport is the full observable picture of one agent.
type MetricsReport struct {
	UUID          uuid.UUID             `json:"uuid"`
	AgentID       string                `json:"agent_id"`
	Status        types.Status          `json:"status"`
	State         types.DynamicsState   `json:"state"`
	Coherence     *float64              `json:"coherence"`
	Risk          float64               `json:"risk"`
	Lambda1       float64               `json:"lambda1"`
	VoidActive    bool                  `json:"void_active"`
	VoidThreshold float64               `json:"void_threshold"`
	UpdateCount   int64                 `json:"update_count"`
	LastVerdict   types.Verdict         `json:"last_verdict,omitempty"`
	PauseReason   string                `json:"pause_reason,omitempty"`
	Recent        []types.StateSnapshot `json:"recent,omitempty"`
}

// GetMetrics reports current state plus the last few history rows. Reads
// need no API key: an explicit agent_id names any agent, otherwise the
// session binding picks the caller's own.
func (s *Service) GetMetrics(c Caller) (*MetricsReport, error) {
	rec, err := s.resolveTarget(c)
	if err != nil {
		return nil, err
	}
	st, err := s.store.LoadRuntime(rec.UUID)
	if err != nil {
		return nil, err
	}

	rep := &MetricsReport{
		UUID:          rec.UUID,
		AgentID:       rec.AgentID,
		Status:        rec.Status,
		State:         st.Dyn,
		Risk:          st.Risk,
		Lambda1:       st.Lambda1,
		VoidActive:    st.VoidActive,
		VoidThreshold: st.VoidThreshold,
		UpdateCount:   st.UpdateCount,
		LastVerdict:   st.LastVerdict,
		PauseReason:   st.PauseReason,
	}
	if st.CoherenceOK {
		coh := st.Coherence
		rep.Coherence = &coh
	}
	if recent, err := s.store.History(rec.UUID, 10); err == nil {
		rep.Recent = recent
	}
	return rep, nil
}

// GetHistory returns up to limit state snapshots, oldest first.
func (s *Service) GetHistory(c Caller, limit int) ([]types.StateSnapshot, error) {
	rec, err := s.resolveTarget(c)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 50
	}
	if limit > s.cfg.Governance.HistoryCap {
		limit = s.cfg.Governance.HistoryCap
	}
	return s.store.History(rec.UUID, limit)
}

// ArchiveAgent retires an agent. History stays queryable; updates refuse.
func (s *Service) ArchiveAgent(ctx context.Context, c Caller) error {
	rec, err := s.authenticate(c)
	if err != nil {
		return err
	}
	lock, err := s.store.AcquireLock(ctx, rec.UUID, s.lockCfg)
	if err != nil {
		return err
	}
	defer lock.Release()

	ev, err := s.store.TransitionStatus(rec.UUID, types.StatusArchived, "manual archive", nil)
	if err != nil {
		return err
	}

	logging.AuditForAgent(rec.UUID.String(), rec.AgentID).Lifecycle(logging.AuditAgentArchive, string(ev.From), string(ev.To))
	s.recordAudit(logging.AuditEvent{
		EventType: logging.AuditAgentArchive,
		AgentUUID: rec.UUID.String(),
		AgentID:   rec.AgentID,
		Success:   true,
		Message:   "manual archive",
	})
	return nil
}

// DeleteAgent tombstones an archived agent and purges its runtime, lock and
// session rows. The agent row itself stays so the uuid is never reused.
func (s *Service) DeleteAgent(ctx context.Context, c Caller) error {
	rec, err := s.authenticate(c)
	if err != nil {
		return err
	}
	lock, err := s.store.AcquireLock(ctx, rec.UUID, s.lockCfg)
	if err != nil {
		return err
	}
	defer lock.Release()

	ev, err := s.store.TransitionStatus(rec.UUID, types.StatusDeleted, "manual delete", nil)
	if err != nil {
		return err
	}
	// Purge drops the lock row too; the deferred Release becomes a no-op.
	if err := s.store.PurgeAgent(rec.UUID); err != nil {
		logging.GovernanceWarn("Purge after delete failed: agent=%s err=%v", rec.AgentID, err)
	}

	logging.AuditForAgent(rec.UUID.String(), rec.AgentID).Lifecycle(logging.AuditAgentDelete, string(ev.From), string(ev.To))
	s.recordAudit(logging.AuditEvent{
		EventType: logging.AuditAgentDelete,
		AgentUUID: rec.UUID.String(),
		AgentID:   rec.AgentID,
		Success:   true,
		Message:   "manual delete",
	})
	return nil
}

// MetadataRequest mutates an agent's metadata document and optionally flips
// it between active and waiting_input.
type MetadataRequest struct {
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Status   types.Status           `json:"status,omitempty"`
}

// UpdateMetadata merges keys into the metadata document (a nil value deletes
// the key). The status field accepts only the active/waiting_input pair so
// metadata edits can never bypass the breaker or the resume gate.
func (s *Service) UpdateMetadata(ctx context.Context, c Caller, req MetadataRequest) (*types.AgentRecord, error) {
	if req.Status != "" && req.Status != types.StatusActive && req.Status != types.StatusWaitingInput {
		return nil, types.E(types.KindInvalidArgument,
			"update_metadata may only set status to %q or %q", types.StatusActive, types.StatusWaitingInput)
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

	if req.Status != "" && req.Status != rec.Status {
		if rec.Status != types.StatusActive && rec.Status != types.StatusWaitingInput {
			return nil, types.E(types.KindInvalidArgument,
				"agent %q is %s; update_metadata cannot change that", rec.AgentID, rec.Status)
		}
		if _, err := s.store.TransitionStatus(rec.UUID, req.Status, "metadata update", nil); err != nil {
			return nil, err
		}
		rec.Status = req.Status
	}

	if len(req.Metadata) > 0 {
		merged := make(map[string]interface{}, len(rec.Metadata)+len(req.Metadata))
		for k, v := range rec.Metadata {
			merged[k] = v
		}
		for k, v := range req.Metadata {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		if err := s.store.UpdateAgentMetadata(rec.UUID, merged); err != nil {
			return nil, err
		}
		rec.Metadata = merged
	}
	return rec, nil
}

// HealthCheck reports service liveness and aggregate counts. It is also one
// of the opportunistic sweep points.
func (s *Service) HealthCheck() (*types.HealthReport, error) {
	s.sweepIfDue()

	rep := &types.HealthReport{
		Healthy:       true,
		UptimeSeconds: time.Since(s.started).Seconds(),
		StorageOK:     true,
		VectorSearch:  s.store.VectorSearch(),
	}
	if err := s.store.Ping(); err != nil {
		rep.Healthy = false
		rep.StorageOK = false
		logging.Health("Storage ping failed: %v", err)
		return rep, nil
	}

	counts, err := s.store.CountAgentsByStatus()
	if err != nil {
		rep.Healthy = false
		return rep, nil
	}
	rep.AgentsByState = counts

	if counters, err := s.store.AuditCounters(); err == nil {
		rep.Counters = counters
	}
	return rep, nil
}

// Sweep runs the periodic maintenance pass: expired sessions, abandoned
// dialectic sessions, stale waiting_input agents and the inactivity archive
// policy. Safe to call concurrently; each piece is independent.
func (s *Service) Sweep() {
	s.sweepMu.Lock()
	s.lastSweep = time.Now()
	s.sweepMu.Unlock()

	if n, err := s.store.PruneSessions(); err != nil {
		logging.GovernanceWarn("Session prune failed: %v", err)
	} else if n > 0 {
		logging.GovernanceDebug("Pruned %d expired sessions", n)
	}

	cutoff := time.Now().Add(-s.cfg.GetDialecticSessionTTL())
	if n, err := s.store.ExpireDialecticSessions(cutoff); err != nil {
		logging.GovernanceWarn("Dialectic expiry failed: %v", err)
	} else if n > 0 {
		logging.Governance("Expired %d abandoned dialectic sessions", n)
	}

	s.sweepWaiting()
	s.sweepInactive()
}

// sweepWaiting archives waiting_input agents whose wait outlived the TTL.
func (s *Service) sweepWaiting() {
	ttl := s.cfg.GetWaitingInputTTL()
	if ttl <= 0 {
		return
	}
	recs, err := s.store.ListAgents(types.StatusWaitingInput)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-ttl)
	for _, rec := range recs {
		if rec.UpdatedAt.After(cutoff) {
			continue
		}
		s.archiveByPolicy(rec, fmt.Sprintf("lifecycle policy: waiting for input longer than %s", ttl))
	}
}

// sweepInactive archives active agents idle past the configured age.
func (s *Service) sweepInactive() {
	days := s.cfg.Governance.ArchiveAfterDays
	if days <= 0 {
		return
	}
	recs, err := s.store.ListAgents(types.StatusActive)
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	for _, rec := range recs {
		if rec.UpdatedAt.After(cutoff) {
			continue
		}
		s.archiveByPolicy(rec, fmt.Sprintf("lifecycle policy: inactive for %d days", days))
	}
}

func (s *Service) archiveByPolicy(rec *types.AgentRecord, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lock, err := s.store.AcquireLock(ctx, rec.UUID, s.lockCfg)
	if err != nil {
		return // busy agent is not idle; next sweep will look again
	}
	defer lock.Release()

	if _, err := s.store.TransitionStatus(rec.UUID, types.StatusArchived, reason, nil); err != nil {
		return
	}
	logging.Governance("Archived by policy: agent=%s reason=%q", rec.AgentID, reason)
	s.recordAudit(logging.AuditEvent{
		EventType: logging.AuditAgentArchive,
		AgentUUID: rec.UUID.String(),
		AgentID:   rec.AgentID,
		Success:   true,
		Message:   reason,
	})
}

// sweepIfDue runs Sweep when the interval elapsed. Serving paths call this so
// maintenance happens even without the background sweeper.
func (s *Service) sweepIfDue() {
	interval := s.cfg.GetSweepInterval()
	if interval <= 0 {
		return
	}
	s.sweepMu.Lock()
	due := time.Since(s.lastSweep) >= interval
	if due {
		s.lastSweep = time.Now()
	}
	s.sweepMu.Unlock()
	if due {
		s.Sweep()
	}
}

// RunSweeper blocks running Sweep on the configured interval until the
// context ends. The serve command runs it as a sibling goroutine.
func (s *Service) RunSweeper(ctx context.Context) error {
	interval := s.cfg.GetSweepInterval()
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}
