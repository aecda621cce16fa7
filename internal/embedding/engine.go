// Package embedding provides vector embedding generation for discovery search
// and fingerprint features. Three backends: a deterministic feature-hashing
// engine (always available, used for behavioral fingerprints), Ollama (local)
// and Google GenAI (cloud) for semantic discovery search.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"

	"vigil/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// HealthChecker is an optional interface for engines that can verify their
// backing service is reachable before batch operations.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "hash", "ollama" or "genai"
	Provider string `yaml:"provider" json:"provider"`

	// Hash engine configuration
	HashDimensions int `yaml:"hash_dimensions" json:"hash_dimensions"`

	// Ollama configuration
	OllamaEndpoint string `yaml:"ollama_endpoint" json:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model" json:"ollama_model"`

	// GenAI configuration
	GenAIAPIKey string `yaml:"genai_api_key" json:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model" json:"genai_model"`

	// TaskType for GenAI: "SEMANTIC_SIMILARITY", "RETRIEVAL_QUERY", "RETRIEVAL_DOCUMENT"
	TaskType string `yaml:"task_type" json:"task_type"`
}

// DefaultConfig returns sensible defaults. The hash engine needs no external
// service, so it is the default for a monitor that must run air-gapped.
func DefaultConfig() Config {
	return Config{
		Provider:       "hash",
		HashDimensions: 64,
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
		GenAIModel:     "gemini-embedding-001",
		TaskType:       "SEMANTIC_SIMILARITY",
	}
}

// NewEngine creates an embedding engine based on configuration.
func NewEngine(cfg Config) (Engine, error) {
	logging.Embedding("creating embedding engine: provider=%s", cfg.Provider)

	var engine Engine
	var err error

	switch cfg.Provider {
	case "hash", "":
		engine, err = NewHashEngine(cfg.HashDimensions)
	case "ollama":
		logging.EmbeddingDebug("ollama engine: endpoint=%s model=%s", cfg.OllamaEndpoint, cfg.OllamaModel)
		engine, err = NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		logging.EmbeddingDebug("genai engine: model=%s task_type=%s", cfg.GenAIModel, cfg.TaskType)
		engine, err = NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.TaskType)
	default:
		err = fmt.Errorf("unsupported embedding provider: %s (use 'hash', 'ollama' or 'genai')", cfg.Provider)
	}

	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("failed to create embedding engine: %v", err)
		return nil, err
	}

	logging.Embedding("embedding engine ready: name=%s dimensions=%d", engine.Name(), engine.Dimensions())
	return engine, nil
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical directions.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}

	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}

// SimilarityResult represents one similarity search hit.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK returns the indices of the K corpus vectors most similar to the
// query, by cosine similarity. Vectors with mismatched dimensions are skipped.
// Used as the search path when sqlite-vec is not compiled in.
func FindTopK(query []float32, corpus [][]float32, k int) ([]SimilarityResult, error) {
	if k <= 0 {
		k = 10
	}

	results := make([]SimilarityResult, 0, len(corpus))
	skipped := 0
	for i, vec := range corpus {
		similarity, err := CosineSimilarity(query, vec)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: similarity})
	}
	if skipped > 0 {
		logging.Get(logging.CategoryEmbedding).Warn("FindTopK: skipped %d vectors with mismatched dimensions", skipped)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Index < results[j].Index
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
