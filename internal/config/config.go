// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Store struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// QueueConfig describes one named durable queue and the visibility/retry
// policy jobs reserved from it are subject to.
type QueueConfig struct {
	Key                   string        `mapstructure:"key"`
	ProcessingListPattern string        `mapstructure:"processing_list_pattern"`
	HeartbeatKeyPattern   string        `mapstructure:"heartbeat_key_pattern"`
	DeadLetterKey         string        `mapstructure:"dead_letter_key"`
	VisibilityTimeout     time.Duration `mapstructure:"visibility_timeout"`
	ReserveTimeout        time.Duration `mapstructure:"reserve_timeout"`
	MaxAttempts           int           `mapstructure:"max_attempts"`
	Backoff               Backoff       `mapstructure:"backoff"`
	DedupWindow           time.Duration `mapstructure:"dedup_window"`
}

// Queue names. Each maps to one QueueConfig entry and one worker pool kind.
const (
	QueueFileAnalysis     = "file_analysis"
	QueueRelationships    = "relationships"
	QueueScoring          = "scoring"
	QueueTriangulation    = "triangulation"
	QueueGraphMerge       = "graph_merge"
)

type WorkerPool struct {
	MinWorkers          int           `mapstructure:"min_workers"`
	MaxWorkers          int           `mapstructure:"max_workers"`
	ControlTickInterval time.Duration `mapstructure:"control_tick_interval"`
	ScaleUpSuccessRate  float64       `mapstructure:"scale_up_success_rate"`
	ScaleDownFailRate   float64       `mapstructure:"scale_down_fail_rate"`
	RollingWindow       time.Duration `mapstructure:"rolling_window"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type Scanner struct {
	ScanDir      string   `mapstructure:"scan_dir"`
	IncludeGlobs []string `mapstructure:"include_globs"`
	ExcludeGlobs []string `mapstructure:"exclude_globs"`
}

type Batcher struct {
	SmallFileThresholdBytes int64 `mapstructure:"small_file_threshold_bytes"`
	MaxBatchChars           int   `mapstructure:"max_batch_chars"`
	MaxFilesPerBatch        int   `mapstructure:"max_files_per_batch"`
}

type LLM struct {
	Endpoint          string        `mapstructure:"endpoint"`
	APIKey            string        `mapstructure:"api_key"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RatePerSecond     float64       `mapstructure:"rate_per_second"`
	RateBurst         int           `mapstructure:"rate_burst"`
}

// ConfidenceWeights are the per-factor weights of the weighted sum in the
// confidence scorer. They should sum to 1.0.
type ConfidenceWeights struct {
	Syntax   float64 `mapstructure:"syntax"`
	Semantic float64 `mapstructure:"semantic"`
	Context  float64 `mapstructure:"context"`
	CrossRef float64 `mapstructure:"cross_ref"`
}

type ConfidencePenalties struct {
	DynamicImport float64 `mapstructure:"dynamic_import"`
	IndirectRef   float64 `mapstructure:"indirect_ref"`
	Conflict      float64 `mapstructure:"conflict"`
	Ambiguous     float64 `mapstructure:"ambiguous"`
}

type ConfidenceThresholds struct {
	High                float64 `mapstructure:"high"`
	Medium              float64 `mapstructure:"medium"`
	Low                 float64 `mapstructure:"low"`
	EscalationThreshold float64 `mapstructure:"escalation_threshold"`
	HighUncertainty     float64 `mapstructure:"high_uncertainty"`
}

type Confidence struct {
	Weights              ConfidenceWeights   `mapstructure:"weights"`
	Penalties            ConfidencePenalties `mapstructure:"penalties"`
	Thresholds           ConfidenceThresholds `mapstructure:"thresholds"`
	EscalationTriggers    []string            `mapstructure:"escalation_triggers"`
}

type Triangulation struct {
	Roster          []string      `mapstructure:"roster"`
	Quorum          int           `mapstructure:"quorum"`
	AgentTimeout    time.Duration `mapstructure:"agent_timeout"`
	AcceptThreshold float64       `mapstructure:"accept_threshold"`
	RejectThreshold float64       `mapstructure:"reject_threshold"`
	AgentWeights    map[string]float64 `mapstructure:"agent_weights"`
}

type Outbox struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	AdvisoryLockID int64       `mapstructure:"advisory_lock_id"`
}

type Shutdown struct {
	PhaseTimeout    time.Duration `mapstructure:"phase_timeout"`
	TotalTimeout    time.Duration `mapstructure:"total_timeout"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	ForceOpTimeout  time.Duration `mapstructure:"force_op_timeout"`
}

type TracingConfig struct {
	Enabled            bool              `mapstructure:"enabled"`
	Endpoint           string            `mapstructure:"endpoint"`
	Environment        string            `mapstructure:"environment"`
	SamplingStrategy   string            `mapstructure:"sampling_strategy"`
	SamplingRate       float64           `mapstructure:"sampling_rate"`
	Headers            map[string]string `mapstructure:"headers"`
	Insecure           bool              `mapstructure:"insecure"`
}

// Tracing is a backwards-compatible alias.
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Observability is a backwards-compatible alias.
type Observability = ObservabilityConfig

type Config struct {
	Redis          Redis                  `mapstructure:"redis"`
	Store          Store                  `mapstructure:"store"`
	Queues         map[string]QueueConfig `mapstructure:"queues"`
	WorkerPools    map[string]WorkerPool  `mapstructure:"worker_pools"`
	CircuitBreaker CircuitBreaker         `mapstructure:"circuit_breaker"`
	Scanner        Scanner                `mapstructure:"scanner"`
	Batcher        Batcher                `mapstructure:"batcher"`
	LLM            LLM                    `mapstructure:"llm"`
	Confidence     Confidence             `mapstructure:"confidence"`
	Triangulation  Triangulation          `mapstructure:"triangulation"`
	Outbox         Outbox                 `mapstructure:"outbox"`
	Shutdown       Shutdown               `mapstructure:"shutdown"`
	Observability  Observability          `mapstructure:"observability"`
}

func defaultConfig() *Config {
	defaultPool := WorkerPool{
		MinWorkers:          2,
		MaxWorkers:          16,
		ControlTickInterval: 5 * time.Second,
		ScaleUpSuccessRate:  0.95,
		ScaleDownFailRate:   0.5,
		RollingWindow:       1 * time.Minute,
	}
	defaultQueue := func(key string) QueueConfig {
		return QueueConfig{
			Key:                   "ctp:queue:" + key,
			ProcessingListPattern: "ctp:queue:" + key + ":worker:%s:processing",
			HeartbeatKeyPattern:   "ctp:queue:" + key + ":worker:%s:heartbeat",
			DeadLetterKey:         "ctp:queue:" + key + ":dead",
			VisibilityTimeout:     30 * time.Second,
			ReserveTimeout:        1 * time.Second,
			MaxAttempts:           5,
			Backoff:               Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second},
			DedupWindow:           10 * time.Minute,
		}
	}

	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Store: Store{
			DSN:             "postgres://localhost:5432/cogtriag?sslmode=disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Queues: map[string]QueueConfig{
			QueueFileAnalysis:  defaultQueue(QueueFileAnalysis),
			QueueRelationships: defaultQueue(QueueRelationships),
			QueueScoring:       defaultQueue(QueueScoring),
			QueueTriangulation: defaultQueue(QueueTriangulation),
			QueueGraphMerge:    defaultQueue(QueueGraphMerge),
		},
		WorkerPools: map[string]WorkerPool{
			QueueFileAnalysis:  defaultPool,
			QueueRelationships: defaultPool,
			QueueScoring:       defaultPool,
			QueueTriangulation: defaultPool,
			QueueGraphMerge:    defaultPool,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Scanner: Scanner{
			ScanDir:      "./data",
			IncludeGlobs: []string{"**/*"},
			ExcludeGlobs: []string{"**/.git/**", "**/node_modules/**", "**/*.min.js"},
		},
		Batcher: Batcher{
			SmallFileThresholdBytes: 8192,
			MaxBatchChars:           30000,
			MaxFilesPerBatch:        25,
		},
		LLM: LLM{
			Endpoint:       "http://localhost:8081",
			RequestTimeout: 60 * time.Second,
			RatePerSecond:  5,
			RateBurst:      10,
		},
		Confidence: Confidence{
			Weights: ConfidenceWeights{Syntax: 0.3, Semantic: 0.3, Context: 0.2, CrossRef: 0.2},
			Penalties: ConfidencePenalties{
				DynamicImport: 0.15,
				IndirectRef:   0.10,
				Conflict:      0.20,
				Ambiguous:     0.05,
			},
			Thresholds: ConfidenceThresholds{
				High:                0.85,
				Medium:              0.65,
				Low:                 0.45,
				EscalationThreshold: 0.5,
				HighUncertainty:     0.6,
			},
			EscalationTriggers: []string{"LOW_CONFIDENCE", "HIGH_UNCERTAINTY"},
		},
		Triangulation: Triangulation{
			Roster:          []string{"SyntaxAnalyst", "SemanticAnalyst", "ContextualAnalyst", "CrossRefAnalyst", "ArchitecturalAnalyst", "DynamicAnalyst"},
			Quorum:          3,
			AgentTimeout:    20 * time.Second,
			AcceptThreshold: 0.7,
			RejectThreshold: 0.3,
			AgentWeights: map[string]float64{
				"SyntaxAnalyst": 1.0, "SemanticAnalyst": 1.0, "ContextualAnalyst": 1.0,
				"CrossRefAnalyst": 1.0, "ArchitecturalAnalyst": 1.0, "DynamicAnalyst": 1.0,
			},
		},
		Outbox: Outbox{
			PollInterval:   2 * time.Second,
			BatchSize:      100,
			MaxAttempts:    5,
			AdvisoryLockID: 8817231,
		},
		Shutdown: Shutdown{
			PhaseTimeout:   20 * time.Second,
			TotalTimeout:   90 * time.Second,
			RetryAttempts:  2,
			ForceOpTimeout: 2 * time.Second,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis", def.Redis)
	v.SetDefault("store", def.Store)
	v.SetDefault("queues", def.Queues)
	v.SetDefault("worker_pools", def.WorkerPools)
	v.SetDefault("circuit_breaker", def.CircuitBreaker)
	v.SetDefault("scanner", def.Scanner)
	v.SetDefault("batcher", def.Batcher)
	v.SetDefault("llm", def.LLM)
	v.SetDefault("confidence", def.Confidence)
	v.SetDefault("triangulation", def.Triangulation)
	v.SetDefault("outbox", def.Outbox)
	v.SetDefault("shutdown", def.Shutdown)
	v.SetDefault("observability", def.Observability)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if len(cfg.Queues) == 0 {
		return fmt.Errorf("queues must be non-empty")
	}
	for name, q := range cfg.Queues {
		if q.MaxAttempts < 1 {
			return fmt.Errorf("queues.%s.max_attempts must be >= 1", name)
		}
		if q.VisibilityTimeout < time.Second {
			return fmt.Errorf("queues.%s.visibility_timeout must be >= 1s", name)
		}
	}
	for name, p := range cfg.WorkerPools {
		if p.MinWorkers < 1 || p.MaxWorkers < p.MinWorkers {
			return fmt.Errorf("worker_pools.%s must satisfy 1 <= min <= max", name)
		}
	}
	w := cfg.Confidence.Weights
	sum := w.Syntax + w.Semantic + w.Context + w.CrossRef
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("confidence.weights must sum to 1.0, got %f", sum)
	}
	if cfg.Triangulation.Quorum < 1 || cfg.Triangulation.Quorum > len(cfg.Triangulation.Roster) {
		return fmt.Errorf("triangulation.quorum must be between 1 and len(roster)")
	}
	if cfg.Batcher.MaxFilesPerBatch < 1 {
		return fmt.Errorf("batcher.max_files_per_batch must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
