package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable for the memory engine. Zero values are filled
// in by Defaults; a YAML file overrides selectively.
type Config struct {
	StatePath string `yaml:"state_path"` // root for memory.db, SOUL.md, journals

	Embedding EmbeddingConfig `yaml:"embedding"`
	LLM       LLMConfig       `yaml:"llm"`
	Decay     DecayConfig     `yaml:"decay"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Graph     GraphConfig     `yaml:"graph"`
	Fusion    FusionConfig    `yaml:"fusion"`
	Explore   ExploreConfig   `yaml:"explore"`
	Gaps      GapsConfig      `yaml:"gaps"`
	Board     BoardConfig     `yaml:"board"`
	Gardener  GardenerConfig  `yaml:"gardener"`
}

// EmbeddingConfig configures the Ollama embedding client
type EmbeddingConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// LLMConfig configures the language client
type LLMConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Model         string        `yaml:"model"`
	Timeout       time.Duration `yaml:"timeout"`        // per-call budget
	RerankTimeout time.Duration `yaml:"rerank_timeout"` // shorter budget for re-ranking
}

// DecayConfig holds decay rates and archival thresholds
type DecayConfig struct {
	// Per-day retention rates; effective rate is max(type, category)
	CategoryRates map[string]float64 `yaml:"category_rates"`
	TypeRates     map[string]float64 `yaml:"type_rates"`

	ActiveThreshold   float64 `yaml:"active_threshold"`   // >= is active
	ArchiveThreshold  float64 `yaml:"archive_threshold"`  // < is archived
	UtilityArchiveMax int     `yaml:"utility_archive_max"` // entries demoted per utility pass
}

// RetrievalConfig holds pipeline weights and knobs
type RetrievalConfig struct {
	SemanticWeight   float64 `yaml:"semantic_weight"`
	LexicalWeight    float64 `yaml:"lexical_weight"`
	ProminenceWeight float64 `yaml:"prominence_weight"`
	ActivationWeight float64 `yaml:"activation_weight"` // graph score merge scalar
	MMRLambda        float64 `yaml:"mmr_lambda"`
	MMRMinResults    int     `yaml:"mmr_min_results"` // diversity only kicks in above this
	ActivationSeeds  int     `yaml:"activation_seeds"`
	EnableRerank     bool    `yaml:"enable_rerank"`
}

// GraphConfig holds spreading-activation and relation-detection parameters
type GraphConfig struct {
	MaxSteps            int     `yaml:"max_steps"`
	DecayFactor         float64 `yaml:"decay_factor"`
	ActivationThreshold float64 `yaml:"activation_threshold"`
	ResultThreshold     float64 `yaml:"result_threshold"`
	DetectRelations     bool    `yaml:"detect_relations"`
	ExtendThreshold     float64 `yaml:"extend_threshold"` // vec similarity floor for candidates
	DetectTopK          int     `yaml:"detect_top_k"`
}

// FusionConfig holds NREM / daytime fusion parameters
type FusionConfig struct {
	ProminenceLow   float64 `yaml:"prominence_low"`
	ProminenceHigh  float64 `yaml:"prominence_high"`
	DeepLow         float64 `yaml:"deep_low"`  // wider window on the sleep pass
	DeepHigh        float64 `yaml:"deep_high"`
	MinClusterSize  int     `yaml:"min_cluster_size"`
	MaxClusters     int     `yaml:"max_clusters"`
	MaxEdgesPerNode int     `yaml:"max_edges_per_node"` // relation context per member
	ProminenceCap   float64 `yaml:"prominence_cap"`
}

// ExploreConfig holds REM exploration parameters
type ExploreConfig struct {
	MaxSeeds       int     `yaml:"max_seeds"`
	PerCategoryCap int     `yaml:"per_category_cap"`
	NoiseSigma     float64 `yaml:"noise_sigma"`
	MaxSteps       int     `yaml:"max_steps"`
	DecayFactor    float64 `yaml:"decay_factor"`
	MinMeanScore   float64 `yaml:"min_mean_score"`
}

// GapsConfig holds gap-pipeline windows
type GapsConfig struct {
	StaleGoalDays      int     `yaml:"stale_goal_days"`
	DeadlineWarnDays   int     `yaml:"deadline_warn_days"`
	TrendReversalLimit float64 `yaml:"trend_reversal_limit"` // dailyRate swing fraction
	DedupOverlap       float64 `yaml:"dedup_overlap"`        // Jaccard for duplicate reminders
}

// BoardConfig holds scheduler and engagement parameters
type BoardConfig struct {
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	SweepBatch        int           `yaml:"sweep_batch"`
	QuietStartHour    int           `yaml:"quiet_start_hour"`
	QuietEndHour      int           `yaml:"quiet_end_hour"`
	EngagementWindow  time.Duration `yaml:"engagement_window"`
	AutoArchiveAfter  time.Duration `yaml:"auto_archive_after"`
	ExpireAfter       time.Duration `yaml:"expire_after"`       // overdue horizon before pending items expire
	TrustConservative float64       `yaml:"trust_conservative"` // below -> conservative
	TrustEager        float64       `yaml:"trust_eager"`        // above -> eager
	ColdStartSessions int           `yaml:"cold_start_sessions"`
}

// GardenerConfig holds cycle cadences and the load gate
type GardenerConfig struct {
	LightInterval time.Duration `yaml:"light_interval"`
	DeepInterval  time.Duration `yaml:"deep_interval"`
	SleepInterval time.Duration `yaml:"sleep_interval"`
	CPUGateLimit  float64       `yaml:"cpu_gate_limit"` // defer deep/sleep above this percent
}

// Defaults returns a fully-populated config
func Defaults() Config {
	return Config{
		StatePath: "state",
		Embedding: EmbeddingConfig{
			BaseURL: "http://localhost:11434",
			Model:   "nomic-embed-text",
		},
		LLM: LLMConfig{
			BaseURL:       "http://localhost:11434",
			Model:         "llama3.2",
			Timeout:       30 * time.Second,
			RerankTimeout: 6 * time.Second,
		},
		Decay: DecayConfig{
			// Half-lives: event < fact < preference < relationship
			CategoryRates: map[string]float64{
				"event":        0.95,
				"fact":         0.98,
				"preference":   0.99,
				"relationship": 0.995,
				"insight":      0.985,
			},
			TypeRates: map[string]float64{
				"regular": 0.97,
				"derived": 0.99,
			},
			ActiveThreshold:   0.5,
			ArchiveThreshold:  0.1,
			UtilityArchiveMax: 20,
		},
		Retrieval: RetrievalConfig{
			SemanticWeight:   0.5,
			LexicalWeight:    0.5,
			ProminenceWeight: 1.0,
			ActivationWeight: 1.0,
			MMRLambda:        0.5,
			MMRMinResults:    4,
			ActivationSeeds:  3,
		},
		Graph: GraphConfig{
			MaxSteps:            3,
			DecayFactor:         0.5,
			ActivationThreshold: 0.05,
			ResultThreshold:     0.1,
			DetectRelations:     true,
			ExtendThreshold:     0.65,
			DetectTopK:          3,
		},
		Fusion: FusionConfig{
			ProminenceLow:   0.05,
			ProminenceHigh:  0.8,
			DeepLow:         0.02,
			DeepHigh:        0.9,
			MinClusterSize:  3,
			MaxClusters:     5,
			MaxEdgesPerNode: 4,
			ProminenceCap:   0.7,
		},
		Explore: ExploreConfig{
			MaxSeeds:       5,
			PerCategoryCap: 2,
			NoiseSigma:     0.6,
			MaxSteps:       4,
			DecayFactor:    0.4,
			MinMeanScore:   3.0,
		},
		Gaps: GapsConfig{
			StaleGoalDays:      14,
			DeadlineWarnDays:   7,
			TrendReversalLimit: 0.15,
			DedupOverlap:       0.8,
		},
		Board: BoardConfig{
			SweepInterval:     60 * time.Second,
			SweepBatch:        32,
			QuietStartHour:    22,
			QuietEndHour:      8,
			EngagementWindow:  24 * time.Hour,
			AutoArchiveAfter:  7 * 24 * time.Hour,
			ExpireAfter:       30 * 24 * time.Hour,
			TrustConservative: 0.3,
			TrustEager:        0.7,
			ColdStartSessions: 5,
		},
		Gardener: GardenerConfig{
			LightInterval: 5 * time.Minute,
			DeepInterval:  time.Hour,
			SleepInterval: time.Hour,
			CPUGateLimit:  85.0,
		},
	}
}

// Load reads a YAML config file layered over Defaults. A missing file is
// fine; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
