package governance

import (
	"context"
	"math"
	"sync"
	"testing"

	"vigil/internal/types"
)

func TestFirstUpdateProceedsWithoutCoherence(t *testing.T) {
	svc := newTestService(t)
	res := onboard(t, svc, "fresh", "sess-fresh")

	out, err := svc.ProcessUpdate(context.Background(), Caller{SessionKey: "sess-fresh"}, UpdateRequest{
		ResponseText: "hello",
		Complexity:   0.3,
	})
	if err != nil {
		t.Fatalf("ProcessUpdate failed: %v", err)
	}

	if out.Verdict != types.VerdictProceed {
		t.Errorf("Verdict = %s, want proceed", out.Verdict)
	}
	if out.Decision != "proceed" {
		t.Errorf("Decision = %q, want proceed", out.Decision)
	}
	if out.Coherence != nil {
		t.Errorf("first update Coherence = %v, want nil", *out.Coherence)
	}
	if out.Risk < 0.20 || out.Risk > 0.40 {
		t.Errorf("first update Risk = %.3f, want within [0.20, 0.40]", out.Risk)
	}
	if out.VoidActive {
		t.Error("VoidActive on first update")
	}
	if out.APIKeyHint != "" {
		t.Errorf("APIKeyHint = %q on an existing agent", out.APIKeyHint)
	}

	rows, err := svc.store.History(res.UUID, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("history rows = %d, want 1", len(rows))
	}
	if rows[0].Coherence != -1 {
		t.Errorf("history Coherence = %v, want -1 sentinel", rows[0].Coherence)
	}
	if rows[0].Regime != "update" || rows[0].Verdict != types.VerdictProceed {
		t.Errorf("history row = %s/%s, want update/proceed", rows[0].Regime, rows[0].Verdict)
	}
}

func TestSecondUpdateComputesCoherence(t *testing.T) {
	svc := newTestService(t)
	onboard(t, svc, "steady", "sess-steady")

	calmUpdate(t, svc, "sess-steady", "a consistent line of work")
	out := calmUpdate(t, svc, "sess-steady", "a consistent line of work")
	if out.Coherence == nil {
		t.Fatal("second update has no coherence")
	}
	if *out.Coherence < 0.999 {
		t.Errorf("identical output coherence = %.4f, want ~1.0", *out.Coherence)
	}

	shifted := calmUpdate(t, svc, "sess-steady", "SUDDENLY: an entirely different register, tone and shape of output!!!")
	if shifted.Coherence == nil {
		t.Fatal("third update has no coherence")
	}
	if *shifted.Coherence >= *out.Coherence {
		t.Errorf("divergent output coherence = %.4f, want below %.4f", *shifted.Coherence, *out.Coherence)
	}
}

func TestUpdateValidation(t *testing.T) {
	svc := newTestService(t)
	onboard(t, svc, "strict", "sess-strict")

	cases := []struct {
		name string
		req  UpdateRequest
	}{
		{"empty text", UpdateRequest{Complexity: 0.5}},
		{"negative complexity", UpdateRequest{ResponseText: "x", Complexity: -0.1}},
		{"complexity above one", UpdateRequest{ResponseText: "x", Complexity: 1.5}},
		{"NaN complexity", UpdateRequest{ResponseText: "x", Complexity: math.NaN()}},
		{"NaN parameter", UpdateRequest{ResponseText: "x", Complexity: 0.5, Parameters: []float64{math.NaN()}}},
		{"infinite drift", UpdateRequest{ResponseText: "x", Complexity: 0.5, EthicalDrift: []float64{math.Inf(1)}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.ProcessUpdate(context.Background(), Caller{SessionKey: "sess-strict"}, tc.req)
			wantKind(t, err, types.KindInvalidArgument)
		})
	}
}

func TestAutoOnboardOnFirstUpdate(t *testing.T) {
	svc := newTestService(t)

	out, err := svc.ProcessUpdate(context.Background(), Caller{AgentID: "walk-in"}, UpdateRequest{
		ResponseText: "first words",
		Complexity:   0.2,
	})
	if err != nil {
		t.Fatalf("auto-onboard update failed: %v", err)
	}
	if out.APIKeyHint == "" {
		t.Fatal("auto-onboard returned no key hint")
	}

	// The hint is shown once; the minted key authenticates from now on.
	out2, err := svc.ProcessUpdate(context.Background(), Caller{AgentID: "walk-in", APIKey: out.APIKeyHint}, UpdateRequest{
		ResponseText: "second words",
		Complexity:   0.2,
	})
	if err != nil {
		t.Fatalf("keyed update after auto-onboard failed: %v", err)
	}
	if out2.APIKeyHint != "" {
		t.Errorf("key hint repeated on second update: %q", out2.APIKeyHint)
	}

	// Without the key the same label is refused, not re-onboarded.
	_, err = svc.ProcessUpdate(context.Background(), Caller{AgentID: "walk-in"}, UpdateRequest{
		ResponseText: "no credentials",
		Complexity:   0.2,
	})
	wantKind(t, err, types.KindAuthRequired)
}

func TestStressTripsBreakerAndBlocksUpdates(t *testing.T) {
	svc := newTestService(t)
	res := onboard(t, svc, "overdriven", "sess-over")

	accepted := stressUntilPaused(t, svc, res.UUID, "sess-over")
	if accepted < 5 {
		t.Errorf("breaker fired after only %d updates", accepted)
	}

	st, err := svc.store.LoadRuntime(res.UUID)
	if err != nil {
		t.Fatalf("LoadRuntime failed: %v", err)
	}
	if !st.VoidActive {
		t.Error("paused agent has no active void")
	}
	if st.PauseReason == "" {
		t.Error("paused agent has no pause reason")
	}
	if st.LastVerdict != types.VerdictPause {
		t.Errorf("LastVerdict = %s, want pause", st.LastVerdict)
	}

	_, err = svc.ProcessUpdate(context.Background(), Caller{SessionKey: "sess-over"}, UpdateRequest{
		ResponseText: "still going",
		Complexity:   0.9,
	})
	wantKind(t, err, types.KindAgentPaused)

	n, err := svc.store.HistoryCount(res.UUID)
	if err != nil {
		t.Fatalf("HistoryCount failed: %v", err)
	}
	if n != accepted {
		t.Errorf("history rows = %d, want %d (rejected update must not append)", n, accepted)
	}

	// A paused agent cannot be smuggled back through metadata.
	_, err = svc.UpdateMetadata(context.Background(), Caller{SessionKey: "sess-over"}, MetadataRequest{Status: types.StatusActive})
	wantKind(t, err, types.KindInvalidArgument)
}

func TestWaitingInputWakesOnUpdate(t *testing.T) {
	svc := newTestService(t)
	res := onboard(t, svc, "sleeper", "sess-sleeper")

	if _, err := svc.UpdateMetadata(context.Background(), Caller{SessionKey: "sess-sleeper"}, MetadataRequest{
		Status: types.StatusWaitingInput,
	}); err != nil {
		t.Fatalf("UpdateMetadata failed: %v", err)
	}
	rec, _ := svc.store.GetAgentByUUID(res.UUID)
	if rec.Status != types.StatusWaitingInput {
		t.Fatalf("status = %s, want waiting_input", rec.Status)
	}

	calmUpdate(t, svc, "sess-sleeper", "input arrived")

	rec, _ = svc.store.GetAgentByUUID(res.UUID)
	if rec.Status != types.StatusActive {
		t.Errorf("status after update = %s, want active", rec.Status)
	}
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	svc := newTestService(t)
	res := onboard(t, svc, "contended", "sess-cont")

	const workers = 4
	const perWorker = 5

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := svc.ProcessUpdate(context.Background(), Caller{SessionKey: "sess-cont"}, UpdateRequest{
					ResponseText: "parallel workload",
					Complexity:   0.2,
				})
				if err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent update failed: %v", err)
	}

	st, err := svc.store.LoadRuntime(res.UUID)
	if err != nil {
		t.Fatalf("LoadRuntime failed: %v", err)
	}
	if st.UpdateCount != workers*perWorker {
		t.Errorf("UpdateCount = %d, want %d", st.UpdateCount, workers*perWorker)
	}
	n, err := svc.store.HistoryCount(res.UUID)
	if err != nil {
		t.Fatalf("HistoryCount failed: %v", err)
	}
	if n != workers*perWorker {
		t.Errorf("history rows = %d, want %d", n, workers*perWorker)
	}
}

func TestDecayRelaxesStateWithoutBreaking(t *testing.T) {
	svc := newTestService(t)
	res := onboard(t, svc, "cooling", "sess-cool")

	for i := 0; i < 5; i++ {
		_, err := svc.ProcessUpdate(context.Background(), Caller{SessionKey: "sess-cool"}, UpdateRequest{
			ResponseText: "working hard",
			Complexity:   0.8,
		})
		if err != nil {
			t.Fatalf("warmup update failed: %v", err)
		}
	}
	before, _ := svc.store.LoadRuntime(res.UUID)

	out, err := svc.Decay(context.Background(), Caller{SessionKey: "sess-cool"}, 10)
	if err != nil {
		t.Fatalf("Decay failed: %v", err)
	}
	if out.Decision != "decay" {
		t.Errorf("Decision = %q, want decay", out.Decision)
	}
	if out.State.S >= before.Dyn.S {
		t.Errorf("strain after decay = %.4f, want below %.4f", out.State.S, before.Dyn.S)
	}

	rows, err := svc.store.History(res.UUID, 100)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(rows) != 15 {
		t.Fatalf("history rows = %d, want 15", len(rows))
	}
	decayRows := 0
	for _, r := range rows {
		if r.Regime == "decay" {
			decayRows++
		}
	}
	if decayRows != 10 {
		t.Errorf("decay rows = %d, want 10", decayRows)
	}

	rec, _ := svc.store.GetAgentByUUID(res.UUID)
	if rec.Status != types.StatusActive {
		t.Errorf("status after decay = %s, want active (decay never pauses)", rec.Status)
	}
}

func TestDecayTurnBounds(t *testing.T) {
	svc := newTestService(t)
	res := onboard(t, svc, "bounded", "sess-bound")

	if _, err := svc.Decay(context.Background(), Caller{SessionKey: "sess-bound"}, 0); err != nil {
		t.Fatalf("Decay(0) failed: %v", err)
	}
	n, _ := svc.store.HistoryCount(res.UUID)
	if n != 1 {
		t.Errorf("Decay(0) wrote %d rows, want 1 (clamped to one turn)", n)
	}

	_, err := svc.Decay(context.Background(), Caller{SessionKey: "sess-bound"}, maxDecayTurns+1)
	wantKind(t, err, types.KindInvalidArgument)
}

func TestLearningContextSurfacesDiscoveries(t *testing.T) {
	svc := newTestService(t)
	onboard(t, svc, "scout", "sess-scout")
	onboard(t, svc, "learner", "sess-learner")

	if _, err := svc.LeaveNote(context.Background(), Caller{SessionKey: "sess-scout"},
		"long sessions shed context after heavy tool use", []string{"context"}); err != nil {
		t.Fatalf("LeaveNote failed: %v", err)
	}

	out := calmUpdate(t, svc, "sess-learner", "beginning a long multi-tool session")
	if len(out.LearningContext) == 0 {
		t.Fatal("LearningContext empty with a stored discovery present")
	}
}
