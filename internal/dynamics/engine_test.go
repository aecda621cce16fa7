package dynamics

import (
	"errors"
	"math"
	"testing"

	"vigil/internal/profile"
	"vigil/internal/types"
)

func TestFirstUpdateFromInitialState(t *testing.T) {
	eng, err := New(profile.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := eng.Step(eng.InitialState(), Input{Complexity: 0.3})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	s := res.State
	if s.E < 0.60 || s.E > 0.63 {
		t.Errorf("E = %.4f, want within (0.60, 0.63)", s.E)
	}
	if s.I < 0.67 || s.I > 0.70 {
		t.Errorf("I = %.4f, want within (0.67, 0.70)", s.I)
	}
	if s.S < 0.16 || s.S > 0.20 {
		t.Errorf("S = %.4f, want within (0.16, 0.20)", s.S)
	}
	if s.V < -0.03 || s.V > 0 {
		t.Errorf("V = %.4f, want within (-0.03, 0)", s.V)
	}
	if res.Phi < 0.09 || res.Phi > 0.13 {
		t.Errorf("Phi = %.4f, want within (0.09, 0.13)", res.Phi)
	}
	if v := eng.Verdict(res.Phi); v != types.VerdictProceed {
		t.Errorf("verdict = %q, want proceed", v)
	}
}

func TestSustainedStressDrivesPause(t *testing.T) {
	eng, err := New(profile.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := eng.InitialState()
	in := Input{Complexity: 0.9, Drift: []float64{0.5, 0.5, 0.5}}
	var vMax float64
	var phi float64
	for i := 0; i < 20; i++ {
		res, err := eng.Step(s, in)
		if err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
		s = res.State
		phi = res.Phi
		if a := math.Abs(s.V); a > vMax {
			vMax = a
		}
	}
	if vMax < 0.075 {
		t.Errorf("max |V| = %.4f, want > 0.075 under sustained stress", vMax)
	}
	if s.S < 1.0 || s.S > 1.3 {
		t.Errorf("S after stress = %.4f, want within (1.0, 1.3)", s.S)
	}
	if s.I > 0.05 {
		t.Errorf("I after stress = %.4f, want near collapse (< 0.05)", s.I)
	}
	if phi > -1.5 {
		t.Errorf("Phi after stress = %.4f, want < -1.5", phi)
	}
	if v := eng.Verdict(phi); v != types.VerdictPause {
		t.Errorf("verdict = %q, want pause", v)
	}
}

func TestDecayRelaxesStressAndVoid(t *testing.T) {
	eng, err := New(profile.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Reproduce a post-stress state, then let the system idle.
	s := eng.InitialState()
	in := Input{Complexity: 0.9, Drift: []float64{0.5, 0.5, 0.5}}
	for i := 0; i < 20; i++ {
		res, err := eng.Step(s, in)
		if err != nil {
			t.Fatalf("stress step %d: %v", i, err)
		}
		s = res.State
	}
	for i := 0; i < 10; i++ {
		res, err := eng.Step(s, Input{})
		if err != nil {
			t.Fatalf("decay step %d: %v", i, err)
		}
		s = res.State
	}
	if s.S > 0.05 {
		t.Errorf("S after decay = %.4f, want < 0.05", s.S)
	}
	if math.Abs(s.V) > 0.03 {
		t.Errorf("|V| after decay = %.4f, want < 0.03", math.Abs(s.V))
	}
}

func TestHostileInputsStayBounded(t *testing.T) {
	p := profile.Default()
	eng, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := eng.InitialState()
	in := Input{
		Complexity: 99.0,
		Drift:      []float64{10.0, -10.0, 10.0},
		Lambda1:    p.Lambda1Max,
	}
	for i := 0; i < 200; i++ {
		res, err := eng.Step(s, in)
		if err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
		s = res.State
		if s.E < p.EMin || s.E > p.EMax {
			t.Fatalf("step %d: E = %v escaped [%v, %v]", i, s.E, p.EMin, p.EMax)
		}
		if s.I < p.IMin || s.I > p.IMax {
			t.Fatalf("step %d: I = %v escaped [%v, %v]", i, s.I, p.IMin, p.IMax)
		}
		if s.S < p.SMin || s.S > p.SMax {
			t.Fatalf("step %d: S = %v escaped [%v, %v]", i, s.S, p.SMin, p.SMax)
		}
		if s.V < p.VMin || s.V > p.VMax {
			t.Fatalf("step %d: V = %v escaped [%v, %v]", i, s.V, p.VMin, p.VMax)
		}
	}
	if s.S < 1.9 {
		t.Errorf("S = %.4f after 200 hostile steps, expected saturation near %v", s.S, p.SMax)
	}
}

func TestStepIsDeterministic(t *testing.T) {
	a, err := New(profile.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New(profile.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sa, sb := a.InitialState(), b.InitialState()
	in := Input{Complexity: 0.7, Drift: []float64{0.2, 0.1}}
	for i := 0; i < 50; i++ {
		ra, err := a.Step(sa, in)
		if err != nil {
			t.Fatalf("a.Step %d: %v", i, err)
		}
		rb, err := b.Step(sb, in)
		if err != nil {
			t.Fatalf("b.Step %d: %v", i, err)
		}
		if ra != rb {
			t.Fatalf("step %d diverged: %+v vs %+v", i, ra, rb)
		}
		sa, sb = ra.State, rb.State
	}
}

func TestStochasticSeedControl(t *testing.T) {
	p := profile.Default()
	p.Stochastic = true

	mk := func(seed int64) Result {
		eng, err := New(p)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		eng.WithSeed(seed)
		s := eng.InitialState()
		var res Result
		for i := 0; i < 10; i++ {
			r, err := eng.Step(s, Input{Complexity: 0.5})
			if err != nil {
				t.Fatalf("Step %d: %v", i, err)
			}
			res = r
			s = r.State
		}
		return res
	}

	first := mk(42)
	if second := mk(42); first != second {
		t.Errorf("same seed diverged: %+v vs %+v", first, second)
	}
	if other := mk(7); first == other {
		t.Errorf("different seeds produced identical trajectory %+v", first)
	}
}

func TestNonFiniteDriftRejected(t *testing.T) {
	eng, err := New(profile.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start := eng.InitialState()
	cases := []struct {
		name  string
		drift []float64
	}{
		{"nan", []float64{0.1, math.NaN()}},
		{"pos_inf", []float64{math.Inf(1)}},
		{"neg_inf", []float64{math.Inf(-1), 0.2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.Step(start, Input{Complexity: 0.3, Drift: tc.drift})
			if err == nil {
				t.Fatal("expected error for non-finite drift")
			}
			if !errors.Is(err, ErrNonFinite) {
				t.Errorf("error = %v, want ErrNonFinite", err)
			}
		})
	}
	// The caller's state must remain usable after a rejected step.
	if _, err := eng.Step(start, Input{Complexity: 0.3}); err != nil {
		t.Errorf("clean step after rejection: %v", err)
	}
}

func TestDriftMeanSquare(t *testing.T) {
	cases := []struct {
		name  string
		drift []float64
		want  float64
	}{
		{"empty", nil, 0},
		{"uniform_half", []float64{0.5, 0.5, 0.5}, 0.25},
		{"ones", []float64{1, 1}, 1},
		{"mixed_sign", []float64{-1, 1}, 1},
		{"single", []float64{0.2}, 0.04},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DriftMeanSquare(tc.drift)
			if math.Abs(got-tc.want) > 1e-12 {
				t.Errorf("DriftMeanSquare(%v) = %v, want %v", tc.drift, got, tc.want)
			}
		})
	}
}

func TestCoherenceCurve(t *testing.T) {
	eng, err := New(profile.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c := eng.Coherence(0); math.Abs(c-0.5) > 1e-12 {
		t.Errorf("C(0) = %v, want 0.5", c)
	}
	lo, hi := eng.Coherence(-2), eng.Coherence(2)
	if lo >= 0.5 || hi <= 0.5 {
		t.Errorf("C(-2) = %v, C(2) = %v, want them on opposite sides of 0.5", lo, hi)
	}
	prev := eng.Coherence(-2)
	for v := -1.5; v <= 2; v += 0.5 {
		c := eng.Coherence(v)
		if c <= prev {
			t.Errorf("C not increasing at V=%v: %v <= %v", v, c, prev)
		}
		prev = c
	}
	if hi > 1.0 || lo < 0 {
		t.Errorf("C out of [0, 1]: lo=%v hi=%v", lo, hi)
	}
}

func TestObjectiveHandValues(t *testing.T) {
	eng, err := New(profile.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// wE*E - wI*(1-I) - wS*S - wV*|V| - wEta*ms with weights 1, 1, 1, 0.5, 0.5.
	cases := []struct {
		name string
		s    stateArg
		ms   float64
		want float64
	}{
		{"ideal", stateArg{1, 1, 0, 0}, 0, 1.0},
		{"neutral", stateArg{0.5, 0.5, 0, 0}, 0, 0.0},
		{"stressed", stateArg{0.5, 0.5, 1.0, 0.4}, 0.25, -1.325},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := eng.Objective(tc.s.state(), tc.ms)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("Objective = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestVerdictThreshold(t *testing.T) {
	eng, err := New(profile.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if v := eng.Verdict(0); v != types.VerdictProceed {
		t.Errorf("Verdict(0) = %q, want proceed at the threshold", v)
	}
	if v := eng.Verdict(-0.001); v != types.VerdictPause {
		t.Errorf("Verdict(-0.001) = %q, want pause", v)
	}
	if v := eng.Verdict(0.5); v != types.VerdictProceed {
		t.Errorf("Verdict(0.5) = %q, want proceed", v)
	}
}

func TestRegulationModesDivergeInCalm(t *testing.T) {
	linear, err := New(profile.Default())
	if err != nil {
		t.Fatalf("New linear: %v", err)
	}
	logistic, err := New(profile.Logistic())
	if err != nil {
		t.Fatalf("New logistic: %v", err)
	}
	sl, sg := linear.InitialState(), logistic.InitialState()
	in := Input{Complexity: 0.3}
	for i := 0; i < 100; i++ {
		rl, err := linear.Step(sl, in)
		if err != nil {
			t.Fatalf("linear step %d: %v", i, err)
		}
		rg, err := logistic.Step(sg, in)
		if err != nil {
			t.Fatalf("logistic step %d: %v", i, err)
		}
		sl, sg = rl.State, rg.State
	}
	// Logistic regulation vanishes near I=1, so mild sustained load keeps
	// integrity on the upper branch; linear regulation bleeds it away.
	if sg.I < 0.9 {
		t.Errorf("logistic I = %.4f after calm run, want > 0.9", sg.I)
	}
	if sl.I > 0.3 {
		t.Errorf("linear I = %.4f after calm run, want < 0.3", sl.I)
	}
}

func TestNewRejectsInvalidProfile(t *testing.T) {
	p := profile.Default()
	p.DT = 0
	if _, err := New(p); err == nil {
		t.Error("expected error for zero dt")
	}
	q := profile.Default()
	q.Alpha = math.NaN()
	if _, err := New(q); err == nil {
		t.Error("expected error for NaN coupling")
	}
}

// stateArg keeps the hand-value table compact.
type stateArg struct{ e, i, s, v float64 }

func (a stateArg) state() (st types.DynamicsState) {
	st.E, st.I, st.S, st.V = a.e, a.i, a.s, a.v
	return
}
