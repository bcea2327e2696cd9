// Package config holds the convergence engine's single immutable settings
// struct, consolidating every tunable knob for one run into a value loaded
// once at startup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is every convergence-knob and per-lane worker count the Round
// Controller and its components need for one run.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Convergence ConvergenceConfig `yaml:"convergence"`
	Lanes       LanesConfig       `yaml:"lanes"`
	Identity    IdentityConfig    `yaml:"identity"`
	Consensus   ConsensusConfig   `yaml:"consensus"`
	Learning    LearningConfig    `yaml:"learning"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
	LLM         LLMConfig         `yaml:"llm"`
}

// ConvergenceConfig holds the Round Controller's stop-condition knobs.
type ConvergenceConfig struct {
	MaxRounds             int     `yaml:"max_rounds"`
	PerRunURLCap          int     `yaml:"per_run_url_cap"`
	PerRunTokenCap        int     `yaml:"per_run_token_cap"`
	NoProgressEpsilon     float64 `yaml:"no_progress_epsilon"`
	NNoProgress           int     `yaml:"n_no_progress"`
	LowQualityConfidence  float64 `yaml:"low_quality_confidence"`
	NLowQuality           int     `yaml:"n_low_quality"`
	NIdentityFastFail     int     `yaml:"n_identity_fast_fail"`
	Profile               string  `yaml:"profile"` // standard | thorough | fast
}

// LanesConfig holds the Fetch Scheduler's per-lane concurrency and token
// budget knobs.
type LanesConfig struct {
	Search LaneConfig `yaml:"search"`
	Fetch  LaneConfig `yaml:"fetch"`
	Parse  LaneConfig `yaml:"parse"`
	LLM    LaneConfig `yaml:"llm"`
}

// LaneConfig is one lane's concurrency cap, per-host in-flight cap, and
// token budget.
type LaneConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	PerHostInFlight int           `yaml:"per_host_in_flight"`
	MinHostInterval time.Duration `yaml:"min_host_interval"`
	TokenBudget     int           `yaml:"token_budget"`
	Timeout         time.Duration `yaml:"timeout"`
}

// IdentityConfig holds the Identity Gate's thresholds.
type IdentityConfig struct {
	LockedThreshold      float64 `yaml:"locked_threshold"`
	ProvisionalThreshold float64 `yaml:"provisional_threshold"`
	DimensionToleranceMM float64 `yaml:"dimension_tolerance_mm"`
	ComponentOverlapMin  float64 `yaml:"component_overlap_min"`
}

// ConsensusConfig holds the Consensus Engine's weights.
type ConsensusConfig struct {
	MarginThreshold float64               `yaml:"margin_threshold"`
	TierWeight      map[int]float64       `yaml:"tier_weight"`
	IdentityWeight  map[string]float64    `yaml:"identity_weight"`
	MethodWeight    map[string]float64    `yaml:"method_weight"`
	LearningAcceptThreshold float64       `yaml:"learning_accept_threshold"`
}

// LearningConfig holds the Learning Stores' decay half-lives.
type LearningConfig struct {
	ComponentLexiconActiveDays int `yaml:"component_lexicon_active_days"`
	ComponentLexiconExpireDays int `yaml:"component_lexicon_expire_days"`
	FieldAnchorsActiveDays     int `yaml:"field_anchors_active_days"`
	URLMemoryActiveDays        int `yaml:"url_memory_active_days"`
}

// StorageConfig points at the Evidence Index / Frontier / Automation Queue /
// Learning Stores' shared SQLite file.
type StorageConfig struct {
	DatabasePath  string `yaml:"database_path"`
	RequireVecExt bool   `yaml:"require_vec_ext"`
	EmbeddingProvider string `yaml:"embedding_provider"` // ollama | genai | none
}

// LoggingConfig mirrors internal/logging.Config.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	JSONFormat bool            `yaml:"json_format"`
	Dir        string          `yaml:"dir"`
}

// LLMConfig configures the optional llm_extract / DP expansion provider.
type LLMConfig struct {
	Provider string `yaml:"provider"` // genai | none
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "convergence",
		Version: "1.0.0",
		Convergence: ConvergenceConfig{
			MaxRounds:            4,
			PerRunURLCap:         60,
			PerRunTokenCap:       200_000,
			NoProgressEpsilon:    0.02,
			NNoProgress:          3,
			LowQualityConfidence: 0.35,
			NLowQuality:          3,
			NIdentityFastFail:    1,
			Profile:              "standard",
		},
		Lanes: LanesConfig{
			Search: LaneConfig{Concurrency: 4, PerHostInFlight: 2, MinHostInterval: 500 * time.Millisecond, TokenBudget: 0, Timeout: 15 * time.Second},
			Fetch:  LaneConfig{Concurrency: 6, PerHostInFlight: 2, MinHostInterval: 750 * time.Millisecond, TokenBudget: 0, Timeout: 20 * time.Second},
			Parse:  LaneConfig{Concurrency: 4, PerHostInFlight: 0, Timeout: 10 * time.Second},
			LLM:    LaneConfig{Concurrency: 2, TokenBudget: 200_000, Timeout: 45 * time.Second},
		},
		Identity: IdentityConfig{
			LockedThreshold:      0.95,
			ProvisionalThreshold: 0.70,
			DimensionToleranceMM: 3.0,
			ComponentOverlapMin:  0.6,
		},
		Consensus: ConsensusConfig{
			MarginThreshold: 0.08,
			TierWeight: map[int]float64{1: 1.00, 2: 0.80, 3: 0.45, 4: 0.25},
			IdentityWeight: map[string]float64{
				"locked": 1.0, "provisional": 0.74, "unlocked": 0.59, "conflict": 0.39, "failed": 0.0,
			},
			MethodWeight: map[string]float64{
				"html_spec_table":          1.00,
				"embedded_json":            0.95,
				"structured_metadata":      0.90,
				"adapter":                  0.85,
				"deterministic_normalizer": 0.85,
				"pdf_text":                 0.75,
				"article_text":             0.65,
				"pdf_ocr":                  0.55,
				"image_ocr":                0.50,
				"llm_extract":              0.60,
			},
			LearningAcceptThreshold: 0.85,
		},
		Learning: LearningConfig{
			ComponentLexiconActiveDays: 90,
			ComponentLexiconExpireDays: 180,
			FieldAnchorsActiveDays:     60,
			URLMemoryActiveDays:        120,
		},
		Storage: StorageConfig{
			DatabasePath:      ".harvester/harvester.db",
			RequireVecExt:     false,
			EmbeddingProvider: "none",
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Dir:       ".harvester/logs",
		},
		LLM: LLMConfig{
			Provider: "none",
			Model:    "gemini-embedding-001",
			Timeout:  45 * time.Second,
		},
	}
}

// Load reads a YAML config file and overlays it onto DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path) //nolint:gosec // path is operator supplied
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
