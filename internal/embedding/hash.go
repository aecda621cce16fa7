package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEngine produces deterministic embeddings by feature hashing: each token
// is hashed into one of Dimensions() buckets with a hash-derived sign, and the
// resulting vector is L2-normalized. The same text always yields the same
// vector, across processes and platforms, which is what behavioral
// fingerprints need: any drift in the vector reflects drift in the text, not
// in the infrastructure.
type HashEngine struct {
	dims int
}

// NewHashEngine creates a feature-hashing engine. dims must be positive;
// zero selects the default of 64.
func NewHashEngine(dims int) (*HashEngine, error) {
	if dims == 0 {
		dims = 64
	}
	if dims < 0 {
		return nil, fmt.Errorf("hash dimensions must be positive, got %d", dims)
	}
	return &HashEngine{dims: dims}, nil
}

// Embed generates a deterministic embedding for a single text.
func (e *HashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	features := e.Features(text)
	out := make([]float32, len(features))
	for i, v := range features {
		out[i] = float32(v)
	}
	return out, nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *HashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Features returns the embedding as float64, for callers that assemble
// fingerprint vectors. Empty or token-free text yields the zero vector.
func (e *HashEngine) Features(text string) []float64 {
	vec := make([]float64, e.dims)

	for _, token := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()

		idx := int(sum % uint64(e.dims))
		if (sum>>32)&1 == 1 {
			vec[idx]++
		} else {
			vec[idx]--
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

// Dimensions returns the dimensionality of embeddings.
func (e *HashEngine) Dimensions() int {
	return e.dims
}

// Name returns the engine name.
func (e *HashEngine) Name() string {
	return fmt.Sprintf("hash:fnv64a/%d", e.dims)
}

// tokenize lowercases and splits on any non-alphanumeric rune.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
