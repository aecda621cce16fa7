// Package governor adapts the drift sensitivity lambda1 per agent with a PI
// controller. The setpoint is a target void frequency: when voids are rarer
// than the target the controller raises lambda1 so drift shows up in stress
// sooner; when voids are too frequent it backs lambda1 off. The controller
// runs on the slow timescale, once per accepted update.
package governor

import (
	"math"

	"vigil/internal/logging"
	"vigil/internal/profile"
	"vigil/internal/types"
)

// Config holds the controller constants.
type Config struct {
	// Target void frequency (fraction of recent updates with void active).
	Target float64 `yaml:"target" json:"target"`

	// Window is how many recent updates the frequency is measured over.
	Window int `yaml:"window" json:"window"`

	// Proportional and integral gains.
	KP float64 `yaml:"kp" json:"kp"`
	KI float64 `yaml:"ki" json:"ki"`

	// IMax bounds the integral term (anti-windup).
	IMax float64 `yaml:"i_max" json:"i_max"`

	// DecayRate moves lambda1 back toward base once the agent has been
	// void-free for CalmWindow updates.
	DecayRate  float64 `yaml:"decay_rate" json:"decay_rate"`
	CalmWindow int64   `yaml:"calm_window" json:"calm_window"`
}

// DefaultConfig returns the production controller constants.
func DefaultConfig() Config {
	return Config{
		Target:     0.02,
		Window:     50,
		KP:         0.5,
		KI:         0.05,
		IMax:       0.10,
		DecayRate:  0.01,
		CalmWindow: 100,
	}
}

// Metrics reports one controller step for logging and state history.
type Metrics struct {
	Lambda1       float64 `json:"lambda1"`
	Integral      float64 `json:"integral"`
	VoidFrequency float64 `json:"void_frequency"`
	Error         float64 `json:"error"`
	Decayed       bool    `json:"decayed"`
}

// Governor is the per-process controller; all per-agent state lives in the
// AgentState it is stepped against.
type Governor struct {
	prof profile.Profile
	cfg  Config
}

// New creates a governor for the given dynamics profile.
func New(p profile.Profile, cfg Config) *Governor {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.CalmWindow <= 0 {
		cfg.CalmWindow = DefaultConfig().CalmWindow
	}
	return &Governor{prof: p, cfg: cfg}
}

// Config returns the active controller constants.
func (g *Governor) Config() Config { return g.cfg }

// Step advances the controller by one accepted update. st.UpdateCount must
// already reflect the current update ordinal. The void window, integral and
// lambda1 on st are updated in place.
func (g *Governor) Step(st *types.AgentState, voidActive bool) Metrics {
	st.VoidWindow = append(st.VoidWindow, voidActive)
	if len(st.VoidWindow) > g.cfg.Window {
		st.VoidWindow = st.VoidWindow[len(st.VoidWindow)-g.cfg.Window:]
	}
	if voidActive {
		st.LastVoidUpdate = st.UpdateCount
	}

	voids := 0
	for _, v := range st.VoidWindow {
		if v {
			voids++
		}
	}
	freq := float64(voids) / float64(len(st.VoidWindow))
	e := g.cfg.Target - freq

	m := Metrics{VoidFrequency: freq, Error: e}

	if st.UpdateCount-st.LastVoidUpdate >= g.cfg.CalmWindow {
		// Calm regime: relax toward base instead of chasing the setpoint,
		// so a long-quiet agent does not drift to the lambda1 ceiling.
		st.Lambda1 += g.cfg.DecayRate * (g.prof.Lambda1Base - st.Lambda1)
		st.PIIntegral *= 1 - g.cfg.DecayRate
		m.Decayed = true
	} else {
		st.PIIntegral = clamp(st.PIIntegral+g.cfg.KI*e*g.prof.DT, -g.cfg.IMax, g.cfg.IMax)
		st.Lambda1 = g.prof.ClampLambda1(g.prof.Lambda1Base + g.cfg.KP*e + st.PIIntegral)
	}

	m.Lambda1 = st.Lambda1
	m.Integral = st.PIIntegral

	logging.GovernorDebug("step: freq=%.4f err=%.4f lambda1=%.4f integral=%.5f decayed=%v",
		freq, e, st.Lambda1, st.PIIntegral, m.Decayed)

	return m
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
