// Package config holds all engine configuration. Loaded from YAML with
// WAVEFORGE_* environment variable overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root engine configuration.
type Config struct {
	// Parallelism is the global worker cap applied across every wave.
	Parallelism int `yaml:"parallelism"`

	// MaxWaveSize splits oversized waves into deterministic chunks.
	MaxWaveSize int `yaml:"max_wave_size"`

	// MaxAttempts bounds the retry loop per atom.
	MaxAttempts int `yaml:"max_attempts"`

	// Temperatures is the annealing schedule, one entry per attempt.
	Temperatures []float64 `yaml:"temperatures"`

	BackoffBaseMS int `yaml:"backoff_base_ms"`
	BackoffMaxMS  int `yaml:"backoff_max_ms"`

	Queue QueueConfig `yaml:"queue"`
	Batch BatchConfig `yaml:"batch"`
	Cost  CostConfig  `yaml:"cost"`
	Gate  GateConfig  `yaml:"gate"`

	// EdgeConfidenceFloor drops dependency edges below this confidence.
	EdgeConfidenceFloor float64 `yaml:"edge_confidence_floor"`

	// AbortOnCriticalFailure aborts the run when a critical atom fails
	// instead of marking the wave degraded and continuing.
	AbortOnCriticalFailure bool `yaml:"abort_on_critical_failure"`

	// StateDir holds the SQLite database and log files.
	StateDir string `yaml:"state_dir"`

	Logging LoggingConfig `yaml:"logging"`
}

// QueueConfig bounds the backpressure queue.
type QueueConfig struct {
	Capacity     int `yaml:"capacity"`
	ThresholdPct int `yaml:"threshold_pct"`
}

// BatchConfig tunes the prompt request batcher.
type BatchConfig struct {
	WindowMS int `yaml:"window_ms"`
	MaxSize  int `yaml:"max_size"`
}

// CostConfig sets default masterplan cost caps in USD.
type CostConfig struct {
	SoftUSD    float64 `yaml:"soft_usd"`
	HardUSD    float64 `yaml:"hard_usd"`
	PerAtomUSD float64 `yaml:"per_atom_usd"` // 0 disables the per-atom warning
}

// GateCadence selects when the acceptance gate runs.
type GateCadence string

const (
	CadencePerWave GateCadence = "per_wave"
	CadenceFinal   GateCadence = "final"
)

// GateConfig tunes acceptance gating.
type GateConfig struct {
	Cadence         GateCadence `yaml:"cadence"`
	MustThreshold   float64     `yaml:"must_threshold"`
	ShouldThreshold float64     `yaml:"should_threshold"`

	// WatchTests resumes a blocked run when files under TestsDir change.
	WatchTests bool   `yaml:"watch_tests"`
	TestsDir   string `yaml:"tests_dir"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Debug      bool            `yaml:"debug"`
	Categories map[string]bool `yaml:"categories"`
}

// Default returns the documented defaults for every key.
func Default() *Config {
	return &Config{
		Parallelism:         16,
		MaxWaveSize:         100,
		MaxAttempts:         3,
		Temperatures:        []float64{0.7, 0.5, 0.3},
		BackoffBaseMS:       1000,
		BackoffMaxMS:        30000,
		Queue:               QueueConfig{Capacity: 256, ThresholdPct: 80},
		Batch:               BatchConfig{WindowMS: 500, MaxSize: 5},
		Cost:                CostConfig{SoftUSD: 50, HardUSD: 100},
		Gate:                GateConfig{Cadence: CadenceFinal, MustThreshold: 1.0, ShouldThreshold: 0.95},
		EdgeConfidenceFloor: 0.3,
		StateDir:            ".waveforge",
	}
}

// Load reads YAML from path (missing file is fine: defaults apply), then
// applies environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides scalar keys from WAVEFORGE_* variables. The variable
// name is the upper-snake join of the YAML path, e.g. WAVEFORGE_COST_HARD_USD.
func (c *Config) applyEnv() {
	envInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envFloat := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	envString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	envInt("WAVEFORGE_PARALLELISM", &c.Parallelism)
	envInt("WAVEFORGE_MAX_WAVE_SIZE", &c.MaxWaveSize)
	envInt("WAVEFORGE_MAX_ATTEMPTS", &c.MaxAttempts)
	envInt("WAVEFORGE_BACKOFF_BASE_MS", &c.BackoffBaseMS)
	envInt("WAVEFORGE_BACKOFF_MAX_MS", &c.BackoffMaxMS)
	envInt("WAVEFORGE_QUEUE_CAPACITY", &c.Queue.Capacity)
	envInt("WAVEFORGE_QUEUE_THRESHOLD_PCT", &c.Queue.ThresholdPct)
	envInt("WAVEFORGE_BATCH_WINDOW_MS", &c.Batch.WindowMS)
	envInt("WAVEFORGE_BATCH_MAX_SIZE", &c.Batch.MaxSize)
	envFloat("WAVEFORGE_COST_SOFT_USD", &c.Cost.SoftUSD)
	envFloat("WAVEFORGE_COST_HARD_USD", &c.Cost.HardUSD)
	envFloat("WAVEFORGE_COST_PER_ATOM_USD", &c.Cost.PerAtomUSD)
	envFloat("WAVEFORGE_GATE_MUST_THRESHOLD", &c.Gate.MustThreshold)
	envFloat("WAVEFORGE_GATE_SHOULD_THRESHOLD", &c.Gate.ShouldThreshold)
	envFloat("WAVEFORGE_EDGE_CONFIDENCE_FLOOR", &c.EdgeConfidenceFloor)
	envBool("WAVEFORGE_ABORT_ON_CRITICAL_FAILURE", &c.AbortOnCriticalFailure)
	envBool("WAVEFORGE_LOGGING_DEBUG", &c.Logging.Debug)
	envString("WAVEFORGE_STATE_DIR", &c.StateDir)
	if v, ok := os.LookupEnv("WAVEFORGE_GATE_CADENCE"); ok {
		c.Gate.Cadence = GateCadence(strings.ToLower(v))
	}
	if v, ok := os.LookupEnv("WAVEFORGE_TEMPERATURES"); ok {
		var temps []float64
		for _, part := range strings.Split(v, ",") {
			if f, err := strconv.ParseFloat(strings.TrimSpace(part), 64); err == nil {
				temps = append(temps, f)
			}
		}
		if len(temps) > 0 {
			c.Temperatures = temps
		}
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Parallelism < 1 {
		return fmt.Errorf("parallelism must be >= 1, got %d", c.Parallelism)
	}
	if c.MaxWaveSize < 1 {
		return fmt.Errorf("max_wave_size must be >= 1, got %d", c.MaxWaveSize)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if len(c.Temperatures) == 0 {
		return fmt.Errorf("temperatures must not be empty")
	}
	for _, t := range c.Temperatures {
		if t < 0 || t > 2 {
			return fmt.Errorf("temperature %v out of range [0,2]", t)
		}
	}
	if c.Queue.Capacity < 1 {
		return fmt.Errorf("queue.capacity must be >= 1, got %d", c.Queue.Capacity)
	}
	if c.Queue.ThresholdPct < 1 || c.Queue.ThresholdPct > 100 {
		return fmt.Errorf("queue.threshold_pct must be in [1,100], got %d", c.Queue.ThresholdPct)
	}
	if c.Cost.SoftUSD < 0 || c.Cost.HardUSD < 0 {
		return fmt.Errorf("cost caps must be non-negative")
	}
	if c.Cost.SoftUSD > c.Cost.HardUSD {
		return fmt.Errorf("cost.soft_usd %v exceeds cost.hard_usd %v", c.Cost.SoftUSD, c.Cost.HardUSD)
	}
	switch c.Gate.Cadence {
	case CadencePerWave, CadenceFinal:
	default:
		return fmt.Errorf("gate.cadence must be per_wave or final, got %q", c.Gate.Cadence)
	}
	if c.Gate.MustThreshold < 0 || c.Gate.MustThreshold > 1 ||
		c.Gate.ShouldThreshold < 0 || c.Gate.ShouldThreshold > 1 {
		return fmt.Errorf("gate thresholds must be in [0,1]")
	}
	if c.EdgeConfidenceFloor < 0 || c.EdgeConfidenceFloor > 1 {
		return fmt.Errorf("edge_confidence_floor must be in [0,1], got %v", c.EdgeConfidenceFloor)
	}
	return nil
}
