// Package risk scores per-update operational risk and maintains each
// agent's adaptive void threshold.
//
// Risk blends four signals into a scalar in [0,1]: fingerprint coherence
// (inverted), accumulated strain, the void flag, and the magnitude of the
// alignment voltage. The void threshold starts at a conservative cold-start
// default and, once enough voltage samples exist, tracks the agent's own
// recent |V| distribution so that genuine excursions stand out against the
// agent's normal operating band.
package risk

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"vigil/internal/logging"
	"vigil/internal/profile"
	"vigil/internal/types"
)

// Config tunes the risk blend and the adaptive void threshold.
type Config struct {
	// Blend weights. They should sum to about 1; the score is clamped
	// to [0,1] either way.
	WCoherence float64 `yaml:"w_coherence" json:"w_coherence"`
	WStrain    float64 `yaml:"w_strain" json:"w_strain"`
	WVoid      float64 `yaml:"w_void" json:"w_void"`
	WVoltage   float64 `yaml:"w_voltage" json:"w_voltage"`

	// NeutralCoherence replaces the coherence component on the first
	// update, before any fingerprint pair exists.
	NeutralCoherence float64 `yaml:"neutral_coherence" json:"neutral_coherence"`

	// Void threshold adaptation.
	ColdThreshold  float64 `yaml:"cold_threshold" json:"cold_threshold"`
	ThresholdFloor float64 `yaml:"threshold_floor" json:"threshold_floor"`
	MinSamples     int     `yaml:"min_samples" json:"min_samples"`
	RecomputeEvery int     `yaml:"recompute_every" json:"recompute_every"`
	SampleWindow   int     `yaml:"sample_window" json:"sample_window"`
}

// DefaultConfig returns the production risk parameters.
func DefaultConfig() Config {
	return Config{
		WCoherence:       0.40,
		WStrain:          0.20,
		WVoid:            0.30,
		WVoltage:         0.10,
		NeutralCoherence: 0.30,
		ColdThreshold:    0.15,
		ThresholdFloor:   0.07,
		MinSamples:       10,
		RecomputeEvery:   10,
		SampleWindow:     50,
	}
}

// Estimator evaluates risk against a parameter profile.
type Estimator struct {
	prof profile.Profile
	cfg  Config
}

// New builds an estimator. Zero-valued window settings fall back to the
// defaults so a partially filled Config stays usable.
func New(p profile.Profile, cfg Config) *Estimator {
	def := DefaultConfig()
	if cfg.MinSamples < 2 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.RecomputeEvery <= 0 {
		cfg.RecomputeEvery = def.RecomputeEvery
	}
	if cfg.SampleWindow <= 0 {
		cfg.SampleWindow = def.SampleWindow
	}
	if cfg.ColdThreshold <= 0 {
		cfg.ColdThreshold = def.ColdThreshold
	}
	if cfg.ThresholdFloor <= 0 {
		cfg.ThresholdFloor = def.ThresholdFloor
	}
	return &Estimator{prof: p, cfg: cfg}
}

// Config returns the estimator's active configuration.
func (e *Estimator) Config() Config { return e.cfg }

// ObserveVoltage records the post-step voltage for the current update,
// adapts the void threshold when due, and sets st.VoidActive.
//
// The caller must have incremented st.UpdateCount for this update already;
// the threshold recompute keys off that ordinal. The recompute runs every
// RecomputeEvery accepted updates once MinSamples voltage samples exist,
// taking max(ThresholdFloor, mean+2*std) over the last SampleWindow samples.
func (e *Estimator) ObserveVoltage(st *types.AgentState, v float64) bool {
	absV := math.Abs(v)

	st.VWindow = append(st.VWindow, absV)
	if n := len(st.VWindow); n > e.cfg.SampleWindow {
		st.VWindow = st.VWindow[n-e.cfg.SampleWindow:]
	}

	if st.VoidThreshold <= 0 {
		st.VoidThreshold = e.cfg.ColdThreshold
	}

	if st.UpdateCount%int64(e.cfg.RecomputeEvery) == 0 && len(st.VWindow) >= e.cfg.MinSamples {
		mean, std := stat.MeanStdDev(st.VWindow, nil)
		prev := st.VoidThreshold
		st.VoidThreshold = math.Max(e.cfg.ThresholdFloor, mean+2*std)
		if st.VoidThreshold != prev {
			logging.RiskDebug("void threshold adapted: %.4f -> %.4f (mean=%.4f std=%.4f n=%d)",
				prev, st.VoidThreshold, mean, std, len(st.VWindow))
		}
	}

	st.VoidActive = absV > st.VoidThreshold
	if st.VoidActive {
		logging.Risk("void active: |V|=%.4f > theta=%.4f at update %d",
			absV, st.VoidThreshold, st.UpdateCount)
	}
	return st.VoidActive
}

// Score computes the blended risk for the agent's current assessment.
// It does not mutate st; the governance loop records the result.
func (e *Estimator) Score(st *types.AgentState) float64 {
	var coh float64
	if st.CoherenceOK {
		coh = e.cfg.WCoherence * (1 - st.Coherence)
	} else {
		coh = e.cfg.NeutralCoherence
	}

	r := coh
	r += e.cfg.WStrain * st.Dyn.S / e.prof.SMax
	if st.VoidActive {
		r += e.cfg.WVoid
	}
	r += e.cfg.WVoltage * math.Abs(st.Dyn.V) / e.prof.VMax

	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// ShouldBreak reports whether the circuit breaker fires for the given
// assessment, and names the trigger. Returns "", false when the agent
// stays active.
func (e *Estimator) ShouldBreak(st *types.AgentState) (string, bool) {
	switch {
	case st.Risk >= e.prof.TauPause:
		return "risk", true
	case st.CoherenceOK && st.Coherence <= e.prof.TauCohMin:
		return "coherence", true
	case st.VoidActive:
		return "void", true
	}
	return "", false
}

// ResumeSafe reports whether a paused agent passes the direct-resume gate:
// looser bounds than the breaker, no active void, and checked against the
// agent's current (possibly decayed) assessment.
func (e *Estimator) ResumeSafe(st *types.AgentState) (string, bool) {
	switch {
	case st.Risk >= e.prof.ResumeRiskMax:
		return "risk", false
	case st.CoherenceOK && st.Coherence < e.prof.ResumeCohMin:
		return "coherence", false
	case st.VoidActive:
		return "void", false
	}
	return "", true
}
