// Package fingerprint extracts a deterministic 128-component parameter vector
// from an agent's reported output and computes cross-update coherence from
// consecutive vectors. Components are grouped by meaning:
//
//	  0..5    caller-supplied core metrics, clamped to [0, 1]
//	  6..25   linguistic surface features of the output text
//	 26..89   64-dim feature-hash embedding of the output text
//	 90..109  behavioral signals (hedging, certainty, tool mentions)
//	110..127  ethical/drift signals derived from the drift vector
//
// Extraction is pure: the same sample always produces the same vector, so a
// coherence drop can only come from a change in what the agent reported.
package fingerprint

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"vigil/internal/embedding"
)

// Size is the total fingerprint dimensionality.
const Size = 128

// Component group offsets.
const (
	coreOffset     = 0
	coreCount      = 6
	lingOffset     = 6
	lingCount      = 20
	embedOffset    = 26
	embedCount     = 64
	behaviorOffset = 90
	behaviorCount  = 20
	driftOffset    = 110
	driftFeatCount = 18
)

// Sample is one observation of an agent: what it said it did, the caller's
// own quality metrics, and the measured drift vector.
type Sample struct {
	Output  string
	Metrics []float64
	Drift   []float64
}

// Extractor turns samples into fingerprint vectors.
type Extractor struct {
	hash  *embedding.HashEngine
	sigma float64
}

// New creates an extractor. sigma scales the coherence curve; the default 1.0
// maps a fingerprint delta of 1.0 to coherence exp(-1) = 0.37.
func New(sigma float64) *Extractor {
	if sigma <= 0 {
		sigma = 1.0
	}
	hash, _ := embedding.NewHashEngine(embedCount)
	return &Extractor{hash: hash, sigma: sigma}
}

// Sigma returns the coherence scale.
func (x *Extractor) Sigma() float64 { return x.sigma }

// Extract computes the 128-component fingerprint for a sample.
func (x *Extractor) Extract(s Sample) []float64 {
	vec := make([]float64, Size)

	for i := 0; i < coreCount && i < len(s.Metrics); i++ {
		vec[coreOffset+i] = clamp01(s.Metrics[i])
	}

	copy(vec[lingOffset:lingOffset+lingCount], linguisticFeatures(s.Output))
	copy(vec[embedOffset:embedOffset+embedCount], x.hash.Features(s.Output))
	copy(vec[behaviorOffset:behaviorOffset+behaviorCount], behavioralFeatures(s.Output))
	copy(vec[driftOffset:driftOffset+driftFeatCount], driftFeatures(s.Drift))

	return vec
}

// Delta is the Euclidean distance between two fingerprints. Vectors of
// different lengths are maximally distant by convention.
func Delta(prev, curr []float64) float64 {
	if len(prev) != len(curr) {
		return math.Inf(1)
	}
	if len(prev) == 0 {
		return 0
	}
	return floats.Distance(prev, curr, 2)
}

// Coherence maps the distance between consecutive fingerprints into (0, 1]:
// exp(-delta/sigma). Identical fingerprints give 1.0.
func (x *Extractor) Coherence(prev, curr []float64) float64 {
	d := Delta(prev, curr)
	if math.IsInf(d, 1) {
		return 0
	}
	return math.Exp(-d / x.sigma)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
