// Package embedding provides vector embedding generation for the Evidence
// Index's optional semantic search and the Tier-Aware Retriever's
// field-scoped vector queries. Supports two backends: Ollama (local) and
// Google GenAI (cloud).
package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/spec-harvester/convergence/internal/logging"
)

// EmbeddingEngine generates vector embeddings for text.
type EmbeddingEngine interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// HealthChecker is an optional interface for engines that can verify
// reachability before a batch operation is attempted.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config selects and configures an embedding backend.
type Config struct {
	Provider string `yaml:"provider"` // "ollama", "genai", or "" (disabled)

	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`
	TaskType    string `yaml:"task_type"`
}

// DefaultConfig returns sensible defaults for local-first operation.
func DefaultConfig() Config {
	return Config{
		Provider:       "ollama",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
		GenAIModel:     "gemini-embedding-001",
		TaskType:       "RETRIEVAL_DOCUMENT",
	}
}

// NewEngine builds an embedding engine from cfg. Provider "" or "none"
// returns (nil, nil) — callers treat a nil engine as "vector search
// disabled", not an error.
func NewEngine(cfg Config) (EmbeddingEngine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.TaskType)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}

// CosineSimilarity measures similarity between two equal-length vectors.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}
	var dot, am, bm float64
	for i := range a {
		dot += float64(a[i] * b[i])
		am += float64(a[i] * a[i])
		bm += float64(b[i] * b[i])
	}
	if am == 0 || bm == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(am) * math.Sqrt(bm)), nil
}
