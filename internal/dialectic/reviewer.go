package dialectic

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"vigil/internal/logging"
	"vigil/internal/store"
	"vigil/internal/types"
)

// Reviewer pool gates. An agent qualifies as a reviewer only while clearly
// healthier than the breaker thresholds it would be vouching against.
const (
	poolMaxRisk      = 0.40
	poolMinCoherence = 0.50
)

// Authority score weights.
const (
	weightHealth      = 0.4
	weightTrackRecord = 0.3
	weightAffinity    = 0.2
	weightFreshness   = 0.1
)

// Candidate is a scored reviewer pool member.
type Candidate struct {
	UUID      uuid.UUID
	AgentID   string
	Health    float64
	Track     float64
	Affinity  float64
	Freshness float64
}

// Authority is the weighted score used for the random draw.
func (c Candidate) Authority() float64 {
	return weightHealth*c.Health +
		weightTrackRecord*c.Track +
		weightAffinity*c.Affinity +
		weightFreshness*c.Freshness
}

// buildPool assembles the eligible reviewer candidates for a paused agent.
// Agents qualify when active, below the risk gate, at or above the coherence
// gate, not the paused agent itself, and without a review of this agent
// inside the exclusion window.
func (e *Engine) buildPool(paused *types.AgentRecord, window time.Duration) ([]Candidate, error) {
	actives, err := e.store.ListAgents(types.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active agents: %w", err)
	}

	since := time.Now().UTC().Add(-window)
	excluded, err := e.store.RecentReviewersFor(paused.UUID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load review history: %w", err)
	}
	outcomes, err := e.store.ReviewerOutcomes()
	if err != nil {
		return nil, fmt.Errorf("failed to load reviewer outcomes: %w", err)
	}
	lastReview, err := e.store.RecentReviewers(since)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent reviewers: %w", err)
	}

	pool := make([]Candidate, 0, len(actives))
	for _, rec := range actives {
		if rec.UUID == paused.UUID || excluded[rec.UUID] {
			continue
		}
		st, err := e.store.LoadRuntime(rec.UUID)
		if err != nil {
			// An agent with no runtime yet has no risk evidence either way.
			continue
		}
		if st.Risk >= poolMaxRisk || st.Coherence < poolMinCoherence {
			continue
		}

		pool = append(pool, Candidate{
			UUID:      rec.UUID,
			AgentID:   rec.AgentID,
			Health:    clamp01(1 - st.Risk),
			Track:     trackRecord(outcomes[rec.UUID]),
			Affinity:  metadataAffinity(paused.Metadata, rec.Metadata),
			Freshness: freshness(lastReview[rec.UUID], window),
		})
	}

	logging.DialecticDebug("Reviewer pool for %s: %d of %d active agents qualify",
		paused.AgentID, len(pool), len(actives))
	return pool, nil
}

// drawReviewer picks one candidate with probability proportional to
// authority. An all-zero pool degenerates to a uniform draw.
func (e *Engine) drawReviewer(pool []Candidate) Candidate {
	total := 0.0
	for _, c := range pool {
		total += c.Authority()
	}

	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	if total <= 0 {
		return pool[e.rng.Intn(len(pool))]
	}

	target := e.rng.Float64() * total
	acc := 0.0
	for _, c := range pool {
		acc += c.Authority()
		if target < acc {
			return c
		}
	}
	return pool[len(pool)-1]
}

// trackRecord is the resolved fraction of a reviewer's terminal sessions,
// with a neutral prior for the unproven.
func trackRecord(o store.ReviewerOutcome) float64 {
	if o.Total == 0 {
		return 0.5
	}
	return float64(o.Resolved) / float64(o.Total)
}

// metadataAffinity is the Jaccard overlap of the two agents' metadata
// key=value sets. Agents without comparable metadata get a neutral score.
func metadataAffinity(a, b map[string]interface{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.5
	}
	inter := 0
	for k, av := range a {
		if bv, ok := b[k]; ok && fmt.Sprint(av) == fmt.Sprint(bv) {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0.5
	}
	return float64(inter) / float64(union)
}

// freshness rewards reviewers who have not served recently: 1 when the
// candidate has no review inside the window, decaying linearly to 0 for one
// made just now.
func freshness(last time.Time, window time.Duration) float64 {
	if last.IsZero() || window <= 0 {
		return 1
	}
	age := time.Since(last)
	if age >= window {
		return 1
	}
	if age < 0 {
		return 0
	}
	return float64(age) / float64(window)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// newRNG seeds the draw source; tests inject a fixed seed through Config.
func newRNG(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}
