// Package logging provides categorized structured logging for the engine.
// Each subsystem logs under its own category; categories can be toggled from
// config, and when debug mode is off only warnings and errors are emitted.
//
// Built on zap. Get is cheap and safe for concurrent use; loggers are cached
// per category.
package logging

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names one engine subsystem for log routing.
type Category string

const (
	CategoryGraph    Category = "graph"    // Dependency graph build, cycle breaking
	CategoryPlanner  Category = "planner"  // Wave partitioning
	CategoryCost     Category = "cost"     // Guardrails, ledger
	CategoryQueue    Category = "queue"    // Backpressure queue
	CategoryCache    Category = "cache"    // Prompt/retrieval caches, batcher
	CategoryRetry    Category = "retry"    // Retry orchestration
	CategoryExecutor Category = "executor" // Wave execution
	CategoryGate     Category = "gate"     // Acceptance gate
	CategoryService  Category = "service"  // Run driver
	CategoryStore    Category = "store"    // SQLite persistence
	CategoryEvents   Category = "events"   // Event sink, outbox
)

// Options controls logger construction.
type Options struct {
	Debug      bool            // Enable debug level globally
	Categories map[string]bool // Per-category enable override; nil means all on
	Dir        string          // If set, also write JSON logs to Dir/engine.log
}

var (
	mu      sync.RWMutex
	root    *zap.Logger
	sugared = make(map[Category]*zap.SugaredLogger)
	opts    Options
)

// Init configures the process-wide logger registry. Safe to call more than
// once; later calls replace earlier configuration.
func Init(o Options) error {
	cfg := zap.NewProductionConfig()
	if o.Debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	cfg.OutputPaths = []string{"stderr"}
	if o.Dir != "" {
		if err := os.MkdirAll(o.Dir, 0o755); err != nil {
			return err
		}
		cfg.OutputPaths = append(cfg.OutputPaths, filepath.Join(o.Dir, "engine.log"))
	}
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	root = logger
	opts = o
	sugared = make(map[Category]*zap.SugaredLogger)
	return nil
}

// Get returns the logger for a category. Categories disabled in config get a
// no-op logger so call sites never need to guard.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if lg, ok := sugared[cat]; ok {
		mu.RUnlock()
		return lg
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if lg, ok := sugared[cat]; ok {
		return lg
	}
	if root == nil {
		root = zap.NewNop()
	}
	var lg *zap.SugaredLogger
	if opts.Categories != nil {
		if on, ok := opts.Categories[string(cat)]; ok && !on {
			lg = zap.NewNop().Sugar()
			sugared[cat] = lg
			return lg
		}
	}
	lg = root.With(zap.String("cat", string(cat))).Sugar()
	sugared[cat] = lg
	return lg
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}
