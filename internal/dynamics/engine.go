// Package dynamics implements the four-variable governance ODE and its
// per-update verdict. The step function is pure: it takes a state value and
// returns a new one, so a failed step never corrupts the caller's copy.
//
// The model, integrated with explicit Euler at the profile's dt:
//
//	dE = alpha*(I-E) - betaE*E*S + gammaE*E*ms
//	dI = -k*S + betaI*I*C - gI(I)
//	dS = -mu*S + lambda1*ms - lambda2*C + betaComplex*complexity + noise
//	dV = kappa*(E-I) - delta*V
//
// where ms is the mean-squared drift magnitude and C = 0.5*CMax*(1+tanh(C1*V))
// couples accumulated imbalance back into integrity support. One accepted
// update advances StepsPerUpdate substeps; dt is the integrator resolution,
// not the inter-update interval.
package dynamics

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"vigil/internal/profile"
	"vigil/internal/types"
)

// ErrNonFinite reports a non-finite intermediate during integration. The
// caller's state is unchanged; the update must be discarded.
var ErrNonFinite = errors.New("dynamics: non-finite intermediate")

// Input carries the per-update driving terms.
type Input struct {
	Complexity float64   // clipped to [0,1] before use
	Drift      []float64 // delta-eta; may be empty
	Lambda1    float64   // governor-adjusted drift gain
	Lambda2    float64
}

// Result is the outcome of one accepted update.
type Result struct {
	State   types.DynamicsState
	Phi     float64 // objective at the post-step state
	C       float64 // dynamics coherence C(V) at the post-step state
	DriftMS float64 // mean-squared drift magnitude used
}

// Engine integrates the governance ODE under a fixed profile.
type Engine struct {
	prof profile.Profile
	c1   float64
	rng  *rand.Rand // nil in deterministic mode
}

// New returns an engine for the given profile. The profile is validated once
// here; Step assumes it is sound.
func New(p profile.Profile) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{prof: p, c1: p.ThetaC1()}
	if p.Stochastic {
		// Zero seed is legal; callers wanting reproducibility pass WithSeed.
		e.rng = rand.New(rand.NewSource(0))
	}
	return e, nil
}

// WithSeed reseeds the noise source. No-op in deterministic mode.
func (e *Engine) WithSeed(seed int64) *Engine {
	if e.prof.Stochastic {
		e.rng = rand.New(rand.NewSource(seed))
	}
	return e
}

// Profile returns the engine's frozen profile.
func (e *Engine) Profile() profile.Profile { return e.prof }

// DriftMeanSquare computes sum(d_i^2)/dim. Empty drift contributes zero.
func DriftMeanSquare(drift []float64) float64 {
	if len(drift) == 0 {
		return 0
	}
	return floats.Dot(drift, drift) / float64(len(drift))
}

// Coherence evaluates C(V) for the engine's profile.
func (e *Engine) Coherence(v float64) float64 {
	return 0.5 * e.prof.CMax * (1 + math.Tanh(e.c1*v))
}

// Step advances one accepted update: StepsPerUpdate Euler substeps at dt.
// On any non-finite intermediate it returns ErrNonFinite and the caller's
// state is left untouched.
func (e *Engine) Step(s types.DynamicsState, in Input) (Result, error) {
	ms := DriftMeanSquare(in.Drift)
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return Result{}, fmt.Errorf("drift magnitude: %w", ErrNonFinite)
	}
	complexity := math.Max(0, math.Min(1, in.Complexity))

	p := e.prof
	cur := s
	for i := 0; i < p.StepsPerUpdate; i++ {
		c := e.Coherence(cur.V)

		dE := p.Alpha*(cur.I-cur.E) - p.BetaE*cur.E*cur.S + p.GammaE*cur.E*ms
		dI := -p.K*cur.S + p.BetaI*cur.I*c - p.GI(cur.I)
		dS := -p.Mu*cur.S + in.Lambda1*ms - in.Lambda2*c + p.BetaComplex*complexity
		if p.Stochastic && e.rng != nil {
			dS += p.SigmaNoise * math.Sqrt(p.DT) * e.rng.NormFloat64()
		}
		dV := p.Kappa*(cur.E-cur.I) - p.Delta*cur.V

		next := types.DynamicsState{
			E: p.ClampE(cur.E + p.DT*dE),
			I: p.ClampI(cur.I + p.DT*dI),
			S: p.ClampS(cur.S + p.DT*dS),
			V: p.ClampV(cur.V + p.DT*dV),
		}
		if !finite(next.E) || !finite(next.I) || !finite(next.S) || !finite(next.V) {
			return Result{}, fmt.Errorf("substep %d: %w", i, ErrNonFinite)
		}
		cur = next
	}

	phi := e.Objective(cur, ms)
	if !finite(phi) {
		return Result{}, fmt.Errorf("objective: %w", ErrNonFinite)
	}
	return Result{State: cur, Phi: phi, C: e.Coherence(cur.V), DriftMS: ms}, nil
}

// Objective scores a state: wE*E - wI*(1-I) - wS*S - wV*|V| - wEta*ms.
func (e *Engine) Objective(s types.DynamicsState, driftMS float64) float64 {
	p := e.prof
	return p.WE*s.E - p.WI*(1-s.I) - p.WS*s.S - p.WV*math.Abs(s.V) - p.WEta*driftMS
}

// Verdict maps the objective to the two-tier decision.
func (e *Engine) Verdict(phi float64) types.Verdict {
	if phi >= e.prof.TauHigh {
		return types.VerdictProceed
	}
	return types.VerdictPause
}

// InitialState returns the onboarding state for this profile.
func (e *Engine) InitialState() types.DynamicsState {
	return types.DynamicsState{
		E: e.prof.InitialE,
		I: e.prof.InitialI,
		S: e.prof.InitialS,
		V: e.prof.InitialV,
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
