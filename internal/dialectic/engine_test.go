package dialectic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"vigil/internal/types"
)

// fakeLLM plays scripted collaborator turns.
type fakeLLM struct {
	replies []string
	errs    []error
	calls   int
	prompts []string
	systems []string
}

func (f *fakeLLM) CompleteWithSystem(ctx context.Context, system, prompt string) (string, error) {
	i := f.calls
	f.calls++
	f.systems = append(f.systems, system)
	f.prompts = append(f.prompts, prompt)
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	return "", fmt.Errorf("fake collaborator has no reply for call %d", i)
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return f.CompleteWithSystem(ctx, "", prompt)
}

func (f *fakeLLM) Name() string { return "fake/scripted" }

func boolPtr(v bool) *bool { return &v }

func TestOpenRequiresPausedAgent(t *testing.T) {
	s := newTestStore(t)
	e := newTestEngine(t, s, 1)
	active := addAgent(t, s, "runner", types.StatusActive, 0.10, 0.90)

	_, err := e.Open(context.Background(), active, "just checking", ModeAuto)
	if !types.IsKind(err, types.KindInvalidArgument) {
		t.Fatalf("Open on active agent = %v, want InvalidArgument", err)
	}
}

func TestOpenAutoDrawsPeerReviewer(t *testing.T) {
	s := newTestStore(t)
	e := newTestEngine(t, s, 1)
	paused := addAgent(t, s, "subject", types.StatusPaused, 0.80, 0.20)
	peer := addAgent(t, s, "peer", types.StatusActive, 0.10, 0.90)

	ds, err := e.Open(context.Background(), paused, "breaker tripped", ModeAuto)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if ds.Reviewer != peer.UUID {
		t.Errorf("Reviewer = %s, want %s", ds.Reviewer, peer.UUID)
	}
	if ds.LLMBacked {
		t.Error("LLMBacked = true with a peer available")
	}
	if ds.Phase != types.PhaseThesis {
		t.Errorf("Phase = %s, want thesis", ds.Phase)
	}

	counters, err := s.AuditCounters()
	if err != nil {
		t.Fatalf("AuditCounters failed: %v", err)
	}
	if counters["dialectic_open"] != 1 {
		t.Errorf("dialectic_open audit rows = %d, want 1", counters["dialectic_open"])
	}
}

func TestOpenReturnsExistingOpenSession(t *testing.T) {
	s := newTestStore(t)
	e := newTestEngine(t, s, 1)
	paused := addAgent(t, s, "subject", types.StatusPaused, 0.80, 0.20)
	addAgent(t, s, "peer", types.StatusActive, 0.10, 0.90)

	first, err := e.Open(context.Background(), paused, "breaker tripped", ModeAuto)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	second, err := e.Open(context.Background(), paused, "asking again", ModeAuto)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	if first.SessionID != second.SessionID {
		t.Fatalf("re-request created a new session: %s then %s", first.SessionID, second.SessionID)
	}

	counters, _ := s.AuditCounters()
	if counters["dialectic_open"] != 1 {
		t.Errorf("dialectic_open audit rows = %d, want 1 (re-request is not an open)", counters["dialectic_open"])
	}
}

func TestOpenFallsBackToCollaborator(t *testing.T) {
	s := newTestStore(t)
	llm := &fakeLLM{}
	e := New(s, llm, Config{Secret: signingSecret, Seed: 1})
	paused := addAgent(t, s, "loner", types.StatusPaused, 0.80, 0.20)

	ds, err := e.Open(context.Background(), paused, "no peers around", ModeAuto)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !ds.LLMBacked {
		t.Error("LLMBacked = false with an empty pool and a collaborator configured")
	}
	if ds.Reviewer != uuid.Nil {
		t.Errorf("Reviewer = %s, want zero UUID", ds.Reviewer)
	}
}

func TestOpenNoReviewerAnywhere(t *testing.T) {
	s := newTestStore(t)
	e := newTestEngine(t, s, 1) // no collaborator
	paused := addAgent(t, s, "loner", types.StatusPaused, 0.80, 0.20)

	_, err := e.Open(context.Background(), paused, "no peers around", ModeAuto)
	if !types.IsKind(err, types.KindNoReviewerAvailable) {
		t.Fatalf("Open = %v, want NoReviewerAvailable", err)
	}
}

func TestOpenSelfMode(t *testing.T) {
	s := newTestStore(t)
	llm := &fakeLLM{}
	e := New(s, llm, Config{Secret: signingSecret, Seed: 1})
	paused := addAgent(t, s, "subject", types.StatusPaused, 0.80, 0.20)
	addAgent(t, s, "peer", types.StatusActive, 0.10, 0.90)

	// self mode skips the pool even when peers qualify.
	ds, err := e.Open(context.Background(), paused, "prefers the model", ModeSelf)
	if err != nil {
		t.Fatalf("Open(self) failed: %v", err)
	}
	if !ds.LLMBacked {
		t.Error("LLMBacked = false in self mode")
	}
}

func TestOpenSelfModeNeedsCollaborator(t *testing.T) {
	s := newTestStore(t)
	e := newTestEngine(t, s, 1)
	paused := addAgent(t, s, "subject", types.StatusPaused, 0.80, 0.20)

	_, err := e.Open(context.Background(), paused, "prefers the model", ModeSelf)
	if !types.IsKind(err, types.KindNoReviewerAvailable) {
		t.Fatalf("Open(self, no collaborator) = %v, want NoReviewerAvailable", err)
	}
}

func TestOpenRejectsUnknownMode(t *testing.T) {
	s := newTestStore(t)
	e := newTestEngine(t, s, 1)
	paused := addAgent(t, s, "subject", types.StatusPaused, 0.80, 0.20)

	_, err := e.Open(context.Background(), paused, "typo", "committee")
	if !types.IsKind(err, types.KindInvalidArgument) {
		t.Fatalf("Open(committee) = %v, want InvalidArgument", err)
	}
}

func TestPeerFlowConvergesToResume(t *testing.T) {
	s := newTestStore(t)
	e := newTestEngine(t, s, 1)
	ctx := context.Background()

	paused := addAgent(t, s, "subject", types.StatusPaused, 0.80, 0.20)
	peer := addAgent(t, s, "peer", types.StatusActive, 0.10, 0.90)

	ds, err := e.Open(ctx, paused, "external spike pause", ModeAuto)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	conditions := []string{"lower complexity cap to 0.4"}

	res, err := e.SubmitThesis(ctx, ds.SessionID, paused.UUID, Fields{
		RootCause:          "external spike",
		Reasoning:          "load tripled for ten minutes and has subsided",
		ProposedConditions: conditions,
		ObservedMetrics:    map[string]float64{"risk": 0.66},
	})
	if err != nil {
		t.Fatalf("SubmitThesis failed: %v", err)
	}
	if res.Phase != types.PhaseAntithesis {
		t.Fatalf("after thesis phase = %s, want antithesis", res.Phase)
	}

	res, err = e.SubmitAntithesis(ctx, ds.SessionID, peer.UUID, Fields{
		Reasoning: "the spike may recur under the same traffic shape",
		Concerns:  []string{"monitor for cascade"},
	})
	if err != nil {
		t.Fatalf("SubmitAntithesis failed: %v", err)
	}
	if res.Phase != types.PhaseSynthesis {
		t.Fatalf("after antithesis phase = %s, want synthesis", res.Phase)
	}

	res, err = e.SubmitSynthesis(ctx, ds.SessionID, paused.UUID, Fields{
		Reasoning:          "accepting the cap and the cascade watch",
		RootCause:          "external spike",
		ProposedConditions: conditions,
		Agrees:             boolPtr(true),
	})
	if err != nil {
		t.Fatalf("first SubmitSynthesis failed: %v", err)
	}
	if res.Converged || res.Phase != types.PhaseSynthesis || res.Rounds != 0 {
		t.Fatalf("one-sided synthesis: %+v, want open synthesis with 0 rounds", res)
	}

	res, err = e.SubmitSynthesis(ctx, ds.SessionID, peer.UUID, Fields{
		Reasoning:          "conditions are sufficient",
		RootCause:          "External Spike", // case must not matter
		ProposedConditions: conditions,
		Agrees:             boolPtr(true),
	})
	if err != nil {
		t.Fatalf("second SubmitSynthesis failed: %v", err)
	}
	if !res.Converged {
		t.Fatal("session did not converge on matching syntheses")
	}
	if res.Phase != types.PhaseResolved {
		t.Errorf("phase = %s, want resolved", res.Phase)
	}
	if res.Rounds != 1 {
		t.Errorf("rounds = %d, want 1", res.Rounds)
	}
	if res.Resolution == nil || res.Resolution.Action != types.ActionResume {
		t.Fatalf("resolution = %+v, want action resume", res.Resolution)
	}
	if res.Resolution.RootCause != "external spike" {
		t.Errorf("resolution root cause = %q", res.Resolution.RootCause)
	}

	stored, err := e.Session(ds.SessionID)
	if err != nil {
		t.Fatalf("Session reload failed: %v", err)
	}
	if stored.Phase != types.PhaseResolved || stored.ResolvedAt == nil || stored.Resolution == nil {
		t.Fatalf("stored session not closed: %+v", stored)
	}

	msgs, err := e.Transcript(ds.SessionID)
	if err != nil {
		t.Fatalf("Transcript failed: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("transcript length = %d, want 4", len(msgs))
	}
	wantTypes := []types.MessageType{
		types.MessageThesis, types.MessageAntithesis,
		types.MessageSynthesis, types.MessageSynthesis,
	}
	for i, m := range msgs {
		if m.Type != wantTypes[i] {
			t.Errorf("message %d type = %s, want %s", i, m.Type, wantTypes[i])
		}
		if m.Ordinal != i+1 {
			t.Errorf("message %d ordinal = %d, want %d", i, m.Ordinal, i+1)
		}
		if !VerifyMessage(signingSecret, &msgs[i]) {
			t.Errorf("message %d signature does not verify", i)
		}
	}

	counters, _ := s.AuditCounters()
	if counters["dialectic_resolve"] != 1 {
		t.Errorf("dialectic_resolve audit rows = %d, want 1", counters["dialectic_resolve"])
	}
}

func TestThesisAuthorMustBePausedAgent(t *testing.T) {
	s := newTestStore(t)
	e := newTestEngine(t, s, 1)
	ctx := context.Background()

	paused := addAgent(t, s, "subject", types.StatusPaused, 0.80, 0.20)
	peer := addAgent(t, s, "peer", types.StatusActive, 0.10, 0.90)
	ds, err := e.Open(ctx, paused, "pause", ModeAuto)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	_, err = e.SubmitThesis(ctx, ds.SessionID, peer.UUID, Fields{Reasoning: "let me start"})
	if !types.IsKind(err, types.KindAuthRequired) {
		t.Fatalf("reviewer thesis = %v, want AuthRequired", err)
	}
}

func TestAntithesisAuthorMustBeReviewer(t *testing.T) {
	s := newTestStore(t)
	e := newTestEngine(t, s, 1)
	ctx := context.Background()

	paused := addAgent(t, s, "subject", types.StatusPaused, 0.80, 0.20)
	addAgent(t, s, "peer", types.StatusActive, 0.10, 0.90)
	ds, err := e.Open(ctx, paused, "pause", ModeAuto)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := e.SubmitThesis(ctx, ds.SessionID, paused.UUID, Fields{Reasoning: "opening"}); err != nil {
		t.Fatalf("SubmitThesis failed: %v", err)
	}

	_, err = e.SubmitAntithesis(ctx, ds.SessionID, paused.UUID, Fields{Reasoning: "answering myself"})
	if !types.IsKind(err, types.KindAuthRequired) {
		t.Fatalf("self antithesis = %v, want AuthRequired", err)
	}
}

func TestSubmitOutOfPhase(t *testing.T) {
	s := newTestStore(t)
	e := newTestEngine(t, s, 1)
	ctx := context.Background()

	paused := addAgent(t, s, "subject", types.StatusPaused, 0.80, 0.20)
	peer := addAgent(t, s, "peer", types.StatusActive, 0.10, 0.90)
	ds, err := e.Open(ctx, paused, "pause", ModeAuto)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := e.SubmitAntithesis(ctx, ds.SessionID, peer.UUID, Fields{Reasoning: "too early"}); !types.IsKind(err, types.KindWrongPhase) {
		t.Errorf("antithesis in thesis phase = %v, want WrongPhase", err)
	}
	if _, err := e.SubmitSynthesis(ctx, ds.SessionID, paused.UUID, Fields{Reasoning: "way too early"}); !types.IsKind(err, types.KindWrongPhase) {
		t.Errorf("synthesis in thesis phase = %v, want WrongPhase", err)
	}

	if _, err := e.SubmitThesis(ctx, ds.SessionID, paused.UUID, Fields{Reasoning: "opening"}); err != nil {
		t.Fatalf("SubmitThesis failed: %v", err)
	}
	if _, err := e.SubmitThesis(ctx, ds.SessionID, paused.UUID, Fields{Reasoning: "opening again"}); !types.IsKind(err, types.KindWrongPhase) {
		t.Errorf("second thesis = %v, want WrongPhase", err)
	}
}

func TestSubmitToUnknownSession(t *testing.T) {
	s := newTestStore(t)
	e := newTestEngine(t, s, 1)

	_, err := e.SubmitThesis(context.Background(), uuid.New(), uuid.New(), Fields{Reasoning: "hello"})
	if !types.IsKind(err, types.KindNotFound) {
		t.Fatalf("unknown session = %v, want NotFound", err)
	}
}

func TestConvergenceNeedsMatchingConditions(t *testing.T) {
	s := newTestStore(t)
	e := newTestEngine(t, s, 1)
	ctx := context.Background()

	paused := addAgent(t, s, "subject", types.StatusPaused, 0.80, 0.20)
	peer := addAgent(t, s, "peer", types.StatusActive, 0.10, 0.90)
	ds, _ := e.Open(ctx, paused, "pause", ModeAuto)

	must := submitter(t)
	must(e.SubmitThesis(ctx, ds.SessionID, paused.UUID, Fields{RootCause: "spike"}))
	must(e.SubmitAntithesis(ctx, ds.SessionID, peer.UUID, Fields{Reasoning: "maybe"}))
	must(e.SubmitSynthesis(ctx, ds.SessionID, paused.UUID, Fields{
		RootCause: "spike", ProposedConditions: []string{"cap at 0.4"}, Agrees: boolPtr(true),
	}))

	res, err := e.SubmitSynthesis(ctx, ds.SessionID, peer.UUID, Fields{
		RootCause: "spike", ProposedConditions: []string{"cap at 0.3"}, Agrees: boolPtr(true),
	})
	if err != nil {
		t.Fatalf("SubmitSynthesis failed: %v", err)
	}
	if res.Converged {
		t.Fatal("converged despite mismatched conditions")
	}
	if res.Phase != types.PhaseSynthesis {
		t.Errorf("phase = %s, want synthesis to continue", res.Phase)
	}
	if res.Rounds != 1 {
		t.Errorf("rounds = %d, want 1", res.Rounds)
	}
}

func TestDisagreementEscalatesAtRoundCap(t *testing.T) {
	s := newTestStore(t)
	e := New(s, nil, Config{Secret: signingSecret, Seed: 1, MaxRounds: 2})
	ctx := context.Background()

	paused := addAgent(t, s, "subject", types.StatusPaused, 0.80, 0.20)
	peer := addAgent(t, s, "peer", types.StatusActive, 0.10, 0.90)
	ds, _ := e.Open(ctx, paused, "pause", ModeAuto)

	must := submitter(t)
	must(e.SubmitThesis(ctx, ds.SessionID, paused.UUID, Fields{RootCause: "spike"}))
	must(e.SubmitAntithesis(ctx, ds.SessionID, peer.UUID, Fields{Reasoning: "doubtful"}))

	disagreeA := Fields{RootCause: "spike", Reasoning: "still my position", Agrees: boolPtr(false)}
	disagreeB := Fields{RootCause: "operator error", Reasoning: "still mine too", Agrees: boolPtr(false)}

	must(e.SubmitSynthesis(ctx, ds.SessionID, paused.UUID, disagreeA))
	res, err := e.SubmitSynthesis(ctx, ds.SessionID, peer.UUID, disagreeB)
	if err != nil {
		t.Fatalf("round 1 synthesis failed: %v", err)
	}
	if res.Rounds != 1 || res.Phase != types.PhaseSynthesis {
		t.Fatalf("after round 1: %+v", res)
	}

	must(e.SubmitSynthesis(ctx, ds.SessionID, paused.UUID, disagreeA))
	res, err = e.SubmitSynthesis(ctx, ds.SessionID, peer.UUID, disagreeB)
	if !types.IsKind(err, types.KindMaxRoundsExceeded) {
		t.Fatalf("round cap error = %v, want MaxRoundsExceeded", err)
	}
	if res == nil || res.Phase != types.PhaseEscalated {
		t.Fatalf("escalation result = %+v, want escalated phase", res)
	}
	if res.Resolution == nil || res.Resolution.Action != types.ActionEscalate {
		t.Fatalf("resolution = %+v, want action escalate", res.Resolution)
	}

	stored, err := e.Session(ds.SessionID)
	if err != nil {
		t.Fatalf("Session reload failed: %v", err)
	}
	if stored.Phase != types.PhaseEscalated || stored.Rounds != 2 {
		t.Fatalf("stored session = phase %s rounds %d, want escalated/2", stored.Phase, stored.Rounds)
	}

	// A closed session refuses further synthesis.
	_, err = e.SubmitSynthesis(ctx, ds.SessionID, paused.UUID, disagreeA)
	if !types.IsKind(err, types.KindWrongPhase) {
		t.Fatalf("synthesis after escalation = %v, want WrongPhase", err)
	}

	counters, _ := s.AuditCounters()
	if counters["dialectic_escalate"] != 1 {
		t.Errorf("dialectic_escalate audit rows = %d, want 1", counters["dialectic_escalate"])
	}
}

func TestUnsafeAgreementResolvesBlock(t *testing.T) {
	s := newTestStore(t)
	e := newTestEngine(t, s, 1)
	ctx := context.Background()

	paused := addAgent(t, s, "subject", types.StatusPaused, 0.80, 0.20)
	peer := addAgent(t, s, "peer", types.StatusActive, 0.10, 0.90)
	ds, _ := e.Open(ctx, paused, "pause", ModeAuto)

	unsafe := []string{"disable monitoring overnight"}
	must := submitter(t)
	must(e.SubmitThesis(ctx, ds.SessionID, paused.UUID, Fields{RootCause: "noise", ProposedConditions: unsafe}))
	must(e.SubmitAntithesis(ctx, ds.SessionID, peer.UUID, Fields{Reasoning: "hm"}))
	must(e.SubmitSynthesis(ctx, ds.SessionID, paused.UUID, Fields{
		RootCause: "noise", ProposedConditions: unsafe, Agrees: boolPtr(true),
	}))

	res, err := e.SubmitSynthesis(ctx, ds.SessionID, peer.UUID, Fields{
		RootCause: "noise", ProposedConditions: unsafe, Agrees: boolPtr(true),
	})
	if err != nil {
		t.Fatalf("SubmitSynthesis failed: %v", err)
	}
	if !res.Converged || res.Phase != types.PhaseResolved {
		t.Fatalf("unsafe agreement result = %+v, want converged and resolved", res)
	}
	if res.Resolution.Action != types.ActionBlock {
		t.Fatalf("action = %s, want block", res.Resolution.Action)
	}
	if !strings.Contains(strings.ToLower(res.Resolution.Reason), "disable") {
		t.Errorf("block reason %q does not name the violation", res.Resolution.Reason)
	}
}

func TestCollaboratorSessionFullFlow(t *testing.T) {
	s := newTestStore(t)
	llm := &fakeLLM{replies: []string{
		`{"root_cause":"insufficient rate limiting","reasoning":"the spike recurred twice last week","concerns":["cascade risk"],"proposed_conditions":["halve the request budget"],"agrees":false}`,
		"Here is my assessment:\n" +
			`{"root_cause":"external load spike","reasoning":"the cap addresses the recurrence","proposed_conditions":["lower complexity cap to 0.4"],"agrees":true}` +
			"\nGood luck.",
	}}
	e := New(s, llm, Config{Secret: signingSecret, Seed: 1})
	ctx := context.Background()

	paused := addAgent(t, s, "loner", types.StatusPaused, 0.80, 0.20)
	ds, err := e.Open(ctx, paused, "no peers", ModeSelf)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	res, err := e.SubmitThesis(ctx, ds.SessionID, paused.UUID, Fields{
		RootCause:          "external load spike",
		Reasoning:          "traffic tripled briefly",
		ProposedConditions: []string{"lower complexity cap to 0.4"},
	})
	if err != nil {
		t.Fatalf("SubmitThesis failed: %v", err)
	}
	if res.Phase != types.PhaseSynthesis {
		t.Fatalf("after thesis phase = %s, want synthesis (collaborator answered)", res.Phase)
	}

	msgs, _ := e.Transcript(ds.SessionID)
	if len(msgs) != 2 {
		t.Fatalf("transcript length = %d, want thesis + antithesis", len(msgs))
	}
	if msgs[1].Type != types.MessageAntithesis || msgs[1].Author != uuid.Nil {
		t.Fatalf("message 2 = %s by %s, want antithesis by zero UUID", msgs[1].Type, msgs[1].Author)
	}
	if msgs[1].RootCause != "insufficient rate limiting" {
		t.Errorf("collaborator root cause = %q", msgs[1].RootCause)
	}
	if msgs[1].Agrees == nil || *msgs[1].Agrees {
		t.Error("collaborator antithesis should disagree")
	}

	res, err = e.SubmitSynthesis(ctx, ds.SessionID, paused.UUID, Fields{
		RootCause:          "external load spike",
		Reasoning:          "keeping the cap, budget halving unnecessary now",
		ProposedConditions: []string{"lower complexity cap to 0.4"},
		Agrees:             boolPtr(true),
	})
	if err != nil {
		t.Fatalf("SubmitSynthesis failed: %v", err)
	}
	if !res.Converged || res.Phase != types.PhaseResolved {
		t.Fatalf("result = %+v, want converged resolution", res)
	}
	if res.Resolution.Action != types.ActionResume {
		t.Errorf("action = %s, want resume", res.Resolution.Action)
	}
	if res.Rounds != 1 {
		t.Errorf("rounds = %d, want 1", res.Rounds)
	}

	if llm.calls != 2 {
		t.Fatalf("collaborator calls = %d, want 2 (antithesis + synthesis)", llm.calls)
	}
	if !strings.Contains(llm.prompts[0], "root_cause: external load spike") {
		t.Errorf("antithesis prompt missing the thesis content:\n%s", llm.prompts[0])
	}
	if !strings.Contains(llm.prompts[1], "Review transcript so far") {
		t.Errorf("synthesis prompt missing the transcript:\n%s", llm.prompts[1])
	}
	for _, sys := range llm.systems {
		if !strings.Contains(sys, "reviewer") {
			t.Errorf("system prompt does not frame the reviewer role: %q", sys)
		}
	}
}

func TestCollaboratorFailureLeavesSessionRetryable(t *testing.T) {
	s := newTestStore(t)
	llm := &fakeLLM{
		errs: []error{errors.New("upstream 529")},
		replies: []string{
			"", // consumed by the failing call
			`{"root_cause":"overload","reasoning":"plausible","agrees":false}`,
		},
	}
	e := New(s, llm, Config{Secret: signingSecret, Seed: 1})
	ctx := context.Background()

	paused := addAgent(t, s, "loner", types.StatusPaused, 0.80, 0.20)
	ds, _ := e.Open(ctx, paused, "no peers", ModeSelf)

	thesis := Fields{RootCause: "overload", Reasoning: "queue depth spiked"}
	_, err := e.SubmitThesis(ctx, ds.SessionID, paused.UUID, thesis)
	if !types.IsKind(err, types.KindServiceUnavailable) {
		t.Fatalf("thesis during collaborator outage = %v, want ServiceUnavailable", err)
	}

	// Nothing persisted: the thesis can be resubmitted cleanly.
	msgs, _ := e.Transcript(ds.SessionID)
	if len(msgs) != 0 {
		t.Fatalf("transcript length after failed call = %d, want 0", len(msgs))
	}
	stored, _ := e.Session(ds.SessionID)
	if stored.Phase != types.PhaseThesis {
		t.Fatalf("phase after failed call = %s, want thesis", stored.Phase)
	}

	res, err := e.SubmitThesis(ctx, ds.SessionID, paused.UUID, thesis)
	if err != nil {
		t.Fatalf("retry SubmitThesis failed: %v", err)
	}
	if res.Phase != types.PhaseSynthesis {
		t.Fatalf("retry landed in %s, want synthesis", res.Phase)
	}
}

func TestCollaboratorGarbageReplyRejected(t *testing.T) {
	s := newTestStore(t)
	llm := &fakeLLM{replies: []string{"sure, sounds fine to me, resuming!"}}
	e := New(s, llm, Config{Secret: signingSecret, Seed: 1})
	ctx := context.Background()

	paused := addAgent(t, s, "loner", types.StatusPaused, 0.80, 0.20)
	ds, _ := e.Open(ctx, paused, "no peers", ModeSelf)

	_, err := e.SubmitThesis(ctx, ds.SessionID, paused.UUID, Fields{RootCause: "overload"})
	if !types.IsKind(err, types.KindServiceUnavailable) {
		t.Fatalf("garbage reply = %v, want ServiceUnavailable", err)
	}
	msgs, _ := e.Transcript(ds.SessionID)
	if len(msgs) != 0 {
		t.Fatalf("transcript length = %d, want 0", len(msgs))
	}
}

func TestSameConditionsNormalization(t *testing.T) {
	cases := []struct {
		a, b []string
		want bool
	}{
		{[]string{"Cap at 0.4"}, []string{"cap at 0.4"}, true},
		{[]string{" cap at 0.4 "}, []string{"cap at 0.4"}, true},
		{[]string{"a", "b"}, []string{"b", "a"}, true},
		{[]string{"a", ""}, []string{"a"}, true},
		{[]string{"a"}, []string{"a", "b"}, false},
		{nil, nil, true},
		{nil, []string{"a"}, false},
	}
	for _, tc := range cases {
		if got := sameConditions(tc.a, tc.b); got != tc.want {
			t.Errorf("sameConditions(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

// submitter returns a helper that fails the test on any submit error.
func submitter(t *testing.T) func(*SubmitResult, error) *SubmitResult {
	return func(res *SubmitResult, err error) *SubmitResult {
		t.Helper()
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		return res
	}
}
