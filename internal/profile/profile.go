// Package profile defines the frozen parameter set that drives the governance
// dynamics. A profile is immutable after validation; every tunable the engine,
// governor, risk estimator, and circuit breaker consume comes from here so that
// a single profile value pins the whole system's behavior.
package profile

import (
	"fmt"
	"math"
)

// IMode selects the information-integrity damping term.
type IMode string

const (
	// IModeLinear applies -gammaI*I. Default: avoids the bistability the
	// logistic form introduces at mid-range I.
	IModeLinear IMode = "linear"

	// IModeLogistic applies -gammaI*I*(1-I).
	IModeLogistic IMode = "logistic"
)

// Profile is the governance parameter set.
type Profile struct {
	// Coupling constants.
	Alpha       float64 `yaml:"alpha" json:"alpha"`               // E relaxation toward I
	BetaE       float64 `yaml:"beta_e" json:"beta_e"`             // entropy drag on E
	BetaI       float64 `yaml:"beta_i" json:"beta_i"`             // coherence support of I
	K           float64 `yaml:"k" json:"k"`                       // entropy drag on I
	GammaE      float64 `yaml:"gamma_e" json:"gamma_e"`           // drift excitation of E
	GammaI      float64 `yaml:"gamma_i" json:"gamma_i"`           // I damping rate
	Mu          float64 `yaml:"mu" json:"mu"`                     // entropy relaxation
	Kappa       float64 `yaml:"kappa" json:"kappa"`               // E-I imbalance accumulation
	Delta       float64 `yaml:"delta" json:"delta"`               // void leak rate
	BetaComplex float64 `yaml:"beta_complex" json:"beta_complex"` // complexity to entropy

	// Drift gain bounds (governor-adjusted lambda1 and fixed lambda2).
	Lambda1Base float64 `yaml:"lambda1_base" json:"lambda1_base"`
	Lambda1Min  float64 `yaml:"lambda1_min" json:"lambda1_min"`
	Lambda1Max  float64 `yaml:"lambda1_max" json:"lambda1_max"`
	Lambda2Base float64 `yaml:"lambda2_base" json:"lambda2_base"`

	CMax float64 `yaml:"c_max" json:"c_max"`

	// Objective weights: wE*E - wI*(1-I) - wS*S - wV*|V| - wEta*||dEta||^2.
	WE   float64 `yaml:"w_e" json:"w_e"`
	WI   float64 `yaml:"w_i" json:"w_i"`
	WS   float64 `yaml:"w_s" json:"w_s"`
	WV   float64 `yaml:"w_v" json:"w_v"`
	WEta float64 `yaml:"w_eta" json:"w_eta"`

	// Integration.
	DT             float64 `yaml:"dt" json:"dt"`
	StepsPerUpdate int     `yaml:"steps_per_update" json:"steps_per_update"`

	// Clip ranges.
	EMin, EMax float64 `yaml:"-" json:"-"`
	IMin, IMax float64 `yaml:"-" json:"-"`
	SMin, SMax float64 `yaml:"-" json:"-"`
	VMin, VMax float64 `yaml:"-" json:"-"`

	Mode IMode `yaml:"i_mode" json:"i_mode"`

	// Noise. Deterministic unless Stochastic is set; then dS gains sigma*sqrt(dt)*Z.
	Stochastic bool    `yaml:"stochastic" json:"stochastic"`
	SigmaNoise float64 `yaml:"sigma_noise" json:"sigma_noise"`

	// Verdict and breaker thresholds.
	TauHigh   float64 `yaml:"tau_high" json:"tau_high"`       // proceed iff phi >= TauHigh
	TauPause  float64 `yaml:"tau_pause" json:"tau_pause"`     // breaker: risk >= TauPause
	TauCohMin float64 `yaml:"tau_coh_min" json:"tau_coh_min"` // breaker: coherence <= TauCohMin

	// Resume gate, looser than the breaker thresholds.
	ResumeRiskMax float64 `yaml:"resume_risk_max" json:"resume_risk_max"`
	ResumeCohMin  float64 `yaml:"resume_coh_min" json:"resume_coh_min"`

	// Fingerprint coherence scale: exp(-||delta||/sigma); sigma=1 maps delta 1.0 to ~0.37.
	SigmaCoherence float64 `yaml:"sigma_coherence" json:"sigma_coherence"`

	// Onboarding state.
	InitialE float64 `yaml:"initial_e" json:"initial_e"`
	InitialI float64 `yaml:"initial_i" json:"initial_i"`
	InitialS float64 `yaml:"initial_s" json:"initial_s"`
	InitialV float64 `yaml:"initial_v" json:"initial_v"`
}

// Default returns the production profile.
func Default() Profile {
	return Profile{
		Alpha:       0.42,
		BetaE:       0.10,
		BetaI:       0.30,
		K:           0.10,
		GammaE:      0.05,
		GammaI:      0.169,
		Mu:          0.80,
		Kappa:       0.30,
		Delta:       0.40,
		BetaComplex: 1.0,

		Lambda1Base: 0.15,
		Lambda1Min:  0.05,
		Lambda1Max:  0.20,
		Lambda2Base: 0.05,

		CMax: 1.0,

		WE: 1.0, WI: 1.0, WS: 1.0, WV: 0.5, WEta: 0.5,

		DT:             0.1,
		StepsPerUpdate: 5,

		EMin: 0, EMax: 1,
		IMin: 0, IMax: 1,
		SMin: 0, SMax: 2,
		VMin: -2, VMax: 2,

		Mode: IModeLinear,

		Stochastic: false,
		SigmaNoise: 0.01,

		TauHigh:   0.0,
		TauPause:  0.60,
		TauCohMin: 0.40,

		ResumeRiskMax: 0.65,
		ResumeCohMin:  0.35,

		SigmaCoherence: 1.0,

		InitialE: 0.6,
		InitialI: 0.7,
		InitialS: 0.1,
		InitialV: 0.0,
	}
}

// Logistic returns the default profile with the logistic I-mode and its
// matching damping rate.
func Logistic() Profile {
	p := Default()
	p.Mode = IModeLogistic
	p.GammaI = 0.25
	return p
}

// ThetaC1 is the sigmoid gain of the dynamics coherence function
// C(V) = 0.5*CMax*(1 + tanh(C1*V)), derived from the profile's ranges so that
// the sigmoid spans its active region across the V clip interval.
func (p Profile) ThetaC1() float64 {
	return 4 * p.CMax / (p.VMax - p.VMin)
}

// GI evaluates the I damping term for the configured mode.
func (p Profile) GI(i float64) float64 {
	if p.Mode == IModeLogistic {
		return p.GammaI * i * (1 - i)
	}
	return p.GammaI * i
}

// ClampE, ClampI, ClampS, ClampV clip one scalar to its configured range.
func (p Profile) ClampE(v float64) float64 { return clamp(v, p.EMin, p.EMax) }
func (p Profile) ClampI(v float64) float64 { return clamp(v, p.IMin, p.IMax) }
func (p Profile) ClampS(v float64) float64 { return clamp(v, p.SMin, p.SMax) }
func (p Profile) ClampV(v float64) float64 { return clamp(v, p.VMin, p.VMax) }

// ClampLambda1 clips the governor output to its legal range.
func (p Profile) ClampLambda1(v float64) float64 { return clamp(v, p.Lambda1Min, p.Lambda1Max) }

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Validate rejects profiles the engine cannot integrate safely.
func (p Profile) Validate() error {
	fields := map[string]float64{
		"alpha": p.Alpha, "beta_e": p.BetaE, "beta_i": p.BetaI, "k": p.K,
		"gamma_e": p.GammaE, "gamma_i": p.GammaI, "mu": p.Mu,
		"kappa": p.Kappa, "delta": p.Delta, "beta_complex": p.BetaComplex,
		"lambda1_base": p.Lambda1Base, "lambda2_base": p.Lambda2Base,
		"c_max": p.CMax, "dt": p.DT, "sigma_coherence": p.SigmaCoherence,
	}
	for name, v := range fields {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("profile: %s is not finite", name)
		}
	}
	if p.DT <= 0 {
		return fmt.Errorf("profile: dt must be positive, got %v", p.DT)
	}
	if p.StepsPerUpdate < 1 {
		return fmt.Errorf("profile: steps_per_update must be >= 1, got %d", p.StepsPerUpdate)
	}
	if p.Lambda1Min > p.Lambda1Max {
		return fmt.Errorf("profile: lambda1 bounds inverted: [%v, %v]", p.Lambda1Min, p.Lambda1Max)
	}
	if p.Lambda1Base < p.Lambda1Min || p.Lambda1Base > p.Lambda1Max {
		return fmt.Errorf("profile: lambda1_base %v outside [%v, %v]", p.Lambda1Base, p.Lambda1Min, p.Lambda1Max)
	}
	if p.EMin >= p.EMax || p.IMin >= p.IMax || p.SMin >= p.SMax || p.VMin >= p.VMax {
		return fmt.Errorf("profile: clip range inverted")
	}
	if p.Mode != IModeLinear && p.Mode != IModeLogistic {
		return fmt.Errorf("profile: unknown i_mode %q", p.Mode)
	}
	if p.SigmaCoherence <= 0 {
		return fmt.Errorf("profile: sigma_coherence must be positive")
	}
	if p.CMax <= 0 {
		return fmt.Errorf("profile: c_max must be positive")
	}
	return nil
}
