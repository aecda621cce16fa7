package store

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"vigil/internal/types"
)

func newDialecticSession(t *testing.T, s *Store, paused, reviewer uuid.UUID) *types.DialecticSession {
	t.Helper()
	ds := &types.DialecticSession{
		SessionID:  uuid.New(),
		PausedUUID: paused,
		Reviewer:   reviewer,
		LLMBacked:  reviewer == uuid.Nil,
	}
	if err := s.CreateDialecticSession(ds); err != nil {
		t.Fatalf("CreateDialecticSession failed: %v", err)
	}
	return ds
}

func TestCreateAndGetDialecticSession(t *testing.T) {
	s := newTestStore(t)
	paused := newTestAgent(t, s, "troubled")
	reviewer := newTestAgent(t, s, "reviewer")

	ds := newDialecticSession(t, s, paused.UUID, reviewer.UUID)
	if ds.Phase != types.PhaseThesis {
		t.Errorf("new session phase = %s, want thesis", ds.Phase)
	}
	if ds.CreatedAt.IsZero() || ds.UpdatedAt.IsZero() {
		t.Error("create did not stamp timestamps")
	}

	got, err := s.GetDialecticSession(ds.SessionID)
	if err != nil {
		t.Fatalf("GetDialecticSession failed: %v", err)
	}
	if got.PausedUUID != paused.UUID || got.Reviewer != reviewer.UUID {
		t.Errorf("session participants = %s/%s, want %s/%s",
			got.PausedUUID, got.Reviewer, paused.UUID, reviewer.UUID)
	}
	if got.LLMBacked {
		t.Error("human-reviewed session flagged llm_backed")
	}
	if got.Resolution != nil || got.ResolvedAt != nil {
		t.Error("fresh session already carries a resolution")
	}
}

func TestGetDialecticSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetDialecticSession(uuid.New()); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("missing session = %v, want NotFound", err)
	}
}

func TestOpenSessionForSkipsTerminal(t *testing.T) {
	s := newTestStore(t)
	paused := newTestAgent(t, s, "recurrent")
	reviewer := newTestAgent(t, s, "judge")

	if _, err := s.OpenSessionFor(paused.UUID); !types.IsKind(err, types.KindNotFound) {
		t.Fatalf("open session with none = %v, want NotFound", err)
	}

	done := newDialecticSession(t, s, paused.UUID, reviewer.UUID)
	done.Phase = types.PhaseResolved
	now := time.Now().UTC()
	done.ResolvedAt = &now
	done.Resolution = &types.Resolution{Action: types.ActionResume}
	if err := s.UpdateDialecticSession(done); err != nil {
		t.Fatalf("resolving first session failed: %v", err)
	}

	open := newDialecticSession(t, s, paused.UUID, reviewer.UUID)

	got, err := s.OpenSessionFor(paused.UUID)
	if err != nil {
		t.Fatalf("OpenSessionFor failed: %v", err)
	}
	if got.SessionID != open.SessionID {
		t.Errorf("open session = %s, want %s (resolved one returned?)", got.SessionID, open.SessionID)
	}
}

func TestResolutionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	paused := newTestAgent(t, s, "resolving")
	reviewer := newTestAgent(t, s, "resolver")

	ds := newDialecticSession(t, s, paused.UUID, reviewer.UUID)
	ds.Phase = types.PhaseResolved
	ds.Rounds = 3
	when := time.Now().UTC().Truncate(time.Second)
	ds.ResolvedAt = &when
	ds.Resolution = &types.Resolution{
		Action:     types.ActionResume,
		RootCause:  "runaway retry loop on a dead endpoint",
		Conditions: []string{"cap retries at 3", "watch variance for 10 updates"},
	}
	if err := s.UpdateDialecticSession(ds); err != nil {
		t.Fatalf("UpdateDialecticSession failed: %v", err)
	}

	got, err := s.GetDialecticSession(ds.SessionID)
	if err != nil {
		t.Fatalf("GetDialecticSession failed: %v", err)
	}
	if got.Phase != types.PhaseResolved || got.Rounds != 3 {
		t.Errorf("phase/rounds = %s/%d, want resolved/3", got.Phase, got.Rounds)
	}
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(when) {
		t.Errorf("resolved_at = %v, want %v", got.ResolvedAt, when)
	}
	if diff := cmp.Diff(ds.Resolution, got.Resolution); diff != "" {
		t.Errorf("resolution mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateUnknownDialecticSession(t *testing.T) {
	s := newTestStore(t)
	ds := &types.DialecticSession{SessionID: uuid.New(), Phase: types.PhaseFailed}
	if err := s.UpdateDialecticSession(ds); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("update of unknown session = %v, want NotFound", err)
	}
}

func TestAppendMessagesAssignsOrdinals(t *testing.T) {
	s := newTestStore(t)
	paused := newTestAgent(t, s, "speaker")
	reviewer := newTestAgent(t, s, "listener")
	ds := newDialecticSession(t, s, paused.UUID, reviewer.UUID)

	agrees := false
	msgs := []*types.DialecticMessage{
		{
			SessionID: ds.SessionID,
			Type:      types.MessageThesis,
			Author:    reviewer.UUID,
			Reasoning: "risk spiked after three incoherent updates",
			Concerns:  []string{"oscillating intent", "rising variance"},
			ObservedMetrics: map[string]float64{
				"risk":      0.71,
				"coherence": 0.22,
			},
			Signature: "a1b2c3",
		},
		{
			SessionID: ds.SessionID,
			Type:      types.MessageAntithesis,
			Author:    paused.UUID,
			Reasoning: "the spike tracks a planned strategy switch",
			RootCause: "mid-task replanning",
			Agrees:    &agrees,
			Signature: "d4e5f6",
		},
	}
	for _, m := range msgs {
		if err := s.AppendDialecticMessage(m); err != nil {
			t.Fatalf("AppendDialecticMessage(%s) failed: %v", m.Type, err)
		}
	}
	if msgs[0].Ordinal != 1 || msgs[1].Ordinal != 2 {
		t.Errorf("assigned ordinals = %d, %d, want 1, 2", msgs[0].Ordinal, msgs[1].Ordinal)
	}

	got, err := s.DialecticMessages(ds.SessionID)
	if err != nil {
		t.Fatalf("DialecticMessages failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d messages, want 2", len(got))
	}

	thesis := got[0]
	if thesis.Type != types.MessageThesis || thesis.Author != reviewer.UUID {
		t.Errorf("first message = %s by %s, want thesis by %s", thesis.Type, thesis.Author, reviewer.UUID)
	}
	if thesis.Agrees != nil {
		t.Error("thesis should not carry a position yet")
	}
	if diff := cmp.Diff(msgs[0].Concerns, thesis.Concerns); diff != "" {
		t.Errorf("concerns mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(msgs[0].ObservedMetrics, thesis.ObservedMetrics); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}

	antithesis := got[1]
	if antithesis.Agrees == nil || *antithesis.Agrees {
		t.Errorf("antithesis position = %v, want disagree", antithesis.Agrees)
	}
	if antithesis.RootCause != "mid-task replanning" {
		t.Errorf("root cause = %q", antithesis.RootCause)
	}
	if antithesis.Signature != "d4e5f6" {
		t.Errorf("signature = %q, want d4e5f6", antithesis.Signature)
	}
}

func TestExplicitOrdinalPreserved(t *testing.T) {
	s := newTestStore(t)
	paused := newTestAgent(t, s, "ordered")
	ds := newDialecticSession(t, s, paused.UUID, uuid.Nil)

	m := &types.DialecticMessage{
		SessionID: ds.SessionID,
		Ordinal:   7,
		Type:      types.MessageSynthesis,
		Author:    paused.UUID,
		Reasoning: "resuming under agreed conditions",
	}
	if err := s.AppendDialecticMessage(m); err != nil {
		t.Fatalf("AppendDialecticMessage failed: %v", err)
	}
	if m.Ordinal != 7 {
		t.Errorf("explicit ordinal rewritten to %d", m.Ordinal)
	}
}

func TestRecentReviewers(t *testing.T) {
	s := newTestStore(t)
	paused := newTestAgent(t, s, "contested")
	recent := newTestAgent(t, s, "recent-reviewer")
	stale := newTestAgent(t, s, "stale-reviewer")

	now := time.Now().UTC().Truncate(time.Second)

	// One review inside the window, one well outside, one LLM-assisted.
	fresh := &types.DialecticSession{
		SessionID:  uuid.New(),
		PausedUUID: paused.UUID,
		Reviewer:   recent.UUID,
		CreatedAt:  now.Add(-10 * time.Minute),
	}
	old := &types.DialecticSession{
		SessionID:  uuid.New(),
		PausedUUID: paused.UUID,
		Reviewer:   stale.UUID,
		CreatedAt:  now.Add(-48 * time.Hour),
	}
	llm := &types.DialecticSession{
		SessionID:  uuid.New(),
		PausedUUID: paused.UUID,
		LLMBacked:  true,
		CreatedAt:  now.Add(-5 * time.Minute),
	}
	for _, ds := range []*types.DialecticSession{fresh, old, llm} {
		if err := s.CreateDialecticSession(ds); err != nil {
			t.Fatalf("CreateDialecticSession failed: %v", err)
		}
	}

	reviewers, err := s.RecentReviewers(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("RecentReviewers failed: %v", err)
	}
	if len(reviewers) != 1 {
		t.Fatalf("got %d recent reviewers (%v), want 1", len(reviewers), reviewers)
	}
	last, ok := reviewers[recent.UUID]
	if !ok {
		t.Fatalf("recent reviewer %s missing from %v", recent.UUID, reviewers)
	}
	if !last.Equal(fresh.CreatedAt) {
		t.Errorf("last review at %v, want %v", last, fresh.CreatedAt)
	}
}

func TestExpireDialecticSessions(t *testing.T) {
	s := newTestStore(t)
	paused := newTestAgent(t, s, "expiring")
	reviewer := newTestAgent(t, s, "absent")

	now := time.Now().UTC().Truncate(time.Second)

	stalled := &types.DialecticSession{
		SessionID:  uuid.New(),
		PausedUUID: paused.UUID,
		Reviewer:   reviewer.UUID,
		Phase:      types.PhaseAntithesis,
		CreatedAt:  now.Add(-2 * time.Hour),
	}
	live := &types.DialecticSession{
		SessionID:  uuid.New(),
		PausedUUID: paused.UUID,
		Reviewer:   reviewer.UUID,
		CreatedAt:  now.Add(-5 * time.Minute),
	}
	for _, ds := range []*types.DialecticSession{stalled, live} {
		if err := s.CreateDialecticSession(ds); err != nil {
			t.Fatalf("CreateDialecticSession failed: %v", err)
		}
	}

	expired, err := s.ExpireDialecticSessions(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ExpireDialecticSessions failed: %v", err)
	}
	if expired != 1 {
		t.Errorf("expired %d sessions, want 1", expired)
	}

	got, err := s.GetDialecticSession(stalled.SessionID)
	if err != nil {
		t.Fatalf("GetDialecticSession failed: %v", err)
	}
	if got.Phase != types.PhaseFailed {
		t.Errorf("stalled session phase = %s, want failed", got.Phase)
	}

	still, err := s.GetDialecticSession(live.SessionID)
	if err != nil {
		t.Fatalf("GetDialecticSession failed: %v", err)
	}
	if still.Phase != types.PhaseThesis {
		t.Errorf("live session phase = %s, want thesis", still.Phase)
	}

	// A second sweep finds nothing new.
	again, err := s.ExpireDialecticSessions(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if again != 0 {
		t.Errorf("second sweep expired %d sessions, want 0", again)
	}
}
