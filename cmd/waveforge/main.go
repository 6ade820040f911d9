// waveforge is the operator CLI for the execution engine: start a masterplan,
// pause/resume/cancel runs, and inspect status.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"waveforge/internal/cache"
	"waveforge/internal/config"
	"waveforge/internal/cost"
	"waveforge/internal/events"
	"waveforge/internal/executor"
	"waveforge/internal/gate"
	"waveforge/internal/generator"
	"waveforge/internal/logging"
	"waveforge/internal/metrics"
	"waveforge/internal/retry"
	"waveforge/internal/service"
	"waveforge/internal/store"
	"waveforge/internal/testrunner"
	"waveforge/internal/types"
)

// Exit codes, stable for scripting.
const (
	exitOK       = 0
	exitInternal = 1
	exitBlocked  = 2 // acceptance gate refused to advance
	exitCost     = 3 // hard cost cap latched
	exitBadInput = 4
)

var (
	configPath string
	stateDir   string
	debug      bool
	model      string
)

var rootCmd = &cobra.Command{
	Use:   "waveforge",
	Short: "Wave-based execution engine for LLM code generation",
	Long: `waveforge partitions a masterplan's atoms into dependency waves and
executes them with bounded parallelism, retry with temperature annealing,
cost guardrails, and acceptance-test gating. State is durable; interrupted
runs resume from the last completed atom.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Init(logging.Options{Debug: debug})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

var startCmd = &cobra.Command{
	Use:   "start <manifest.yaml>",
	Short: "Plan and execute a masterplan manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.close()

		masterplanID, atoms, edges, tests, err := service.LoadManifest(args[0])
		if err != nil {
			return err
		}
		runID, err := eng.svc.Start(masterplanID, atoms, edges, tests)
		if err != nil {
			return err
		}
		fmt.Printf("run %s started (%d atoms)\n", runID, len(atoms))
		return eng.follow(cmd.Context(), masterplanID, runID)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id|masterplan-id>",
	Short: "Resume a paused, blocked, degraded, or interrupted run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keep, _ := cmd.Flags().GetBool("keep-attempts")
		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.close()

		runID, err := eng.svc.Resume(args[0], keep)
		if err != nil {
			return err
		}
		fmt.Printf("run %s resumed\n", runID)
		masterplanID := args[0]
		if rep, err := eng.svc.Status(runID); err == nil {
			masterplanID = rep.Run.MasterplanID
		}
		return eng.follow(cmd.Context(), masterplanID, runID)
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <run-id>",
	Short: "Pause a run at the next wave boundary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.close()
		if err := eng.svc.Pause(args[0]); err != nil {
			return err
		}
		fmt.Println("pause requested")
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run; in-flight cost is still recorded",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.close()
		if err := eng.svc.Cancel(args[0]); err != nil {
			return err
		}
		fmt.Println("cancel requested")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Print a run snapshot as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.close()
		rep, err := eng.svc.Status(args[0])
		if err != nil {
			return err
		}
		return printStatus(rep)
	},
}

// engine bundles everything a command needs torn down afterwards.
type engine struct {
	cfg  *config.Config
	st   *store.Store
	svc  *service.Service
	pub  *service.Publisher
	stop context.CancelFunc
}

// newEngine loads config and wires the full stack. The generator is only
// connected when a WAVEFORGE_API_KEY (or GEMINI_API_KEY) is present; status
// and cancel work without one.
func newEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, types.WrapError(types.KindInvalidInput, err, "load config")
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, err
	}

	st, err := store.Open(filepath.Join(cfg.StateDir, "waveforge.db"))
	if err != nil {
		return nil, err
	}

	met := metrics.New()
	sink := &events.MemorySink{}
	emitter := events.NewEmitter(sink, met)
	guards := cost.New(emitter, met)

	var gen generator.Generator
	apiKey := os.Getenv("WAVEFORGE_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey != "" {
		g, err := generator.NewGenAI(ctx, generator.GenAIConfig{APIKey: apiKey, Model: model})
		if err != nil {
			st.Close()
			return nil, err
		}
		gen = g
	} else {
		gen = generator.Func(func(context.Context, generator.Request) (generator.Response, error) {
			return generator.Response{}, types.NewError(types.KindTransport,
				"no API key configured; set WAVEFORGE_API_KEY")
		})
	}

	prompts := cache.NewPromptCache(0, met, emitter)
	batcher := cache.NewBatcher(gen,
		time.Duration(cfg.Batch.WindowMS)*time.Millisecond, cfg.Batch.MaxSize, met, emitter)
	caching := cache.NewCachingGenerator(prompts, batcher, gen, met)

	retrier := retry.New(caching, retry.Options{
		MaxAttempts:  cfg.MaxAttempts,
		Temperatures: cfg.Temperatures,
		BackoffBase:  time.Duration(cfg.BackoffBaseMS) * time.Millisecond,
		BackoffMax:   time.Duration(cfg.BackoffMaxMS) * time.Millisecond,
		Model:        model,
	}, nil, met)

	exec := executor.New(retrier, guards, st, emitter, met, executor.Config{
		GlobalParallelism:      cfg.Parallelism,
		QueueCapacity:          cfg.Queue.Capacity,
		QueueThresholdPct:      cfg.Queue.ThresholdPct,
		AbortOnCriticalFailure: cfg.AbortOnCriticalFailure,
	})

	gt := gate.New(&testrunner.Subprocess{WorkDir: filepath.Join(cfg.StateDir, "gate")},
		gate.Options{
			MustThreshold:   cfg.Gate.MustThreshold,
			ShouldThreshold: cfg.Gate.ShouldThreshold,
		}, met, emitter)

	svc := service.New(cfg, st, exec, guards, gt, emitter, met)

	bgCtx, stop := context.WithCancel(context.Background())
	pub := service.NewPublisher(st, jsonSink{}, met, time.Second, 100)
	go pub.Run(bgCtx)

	return &engine{cfg: cfg, st: st, svc: svc, pub: pub, stop: stop}, nil
}

func (e *engine) close() {
	e.svc.Close()
	e.pub.Drain()
	e.stop()
	e.st.Close()
}

// follow waits for the run to finish, forwarding SIGINT as a cancel, then
// exits with the status-appropriate code.
func (e *engine) follow(ctx context.Context, masterplanID, runID string) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	if e.cfg.Gate.WatchTests && e.cfg.Gate.TestsDir != "" {
		w := service.NewWatcher(e.svc, masterplanID, e.cfg.Gate.TestsDir, 0)
		wctx, wcancel := context.WithCancel(ctx)
		defer wcancel()
		go func() { _ = w.Run(wctx) }()
	}

	done := make(chan struct{})
	var status types.RunStatus
	var waitErr error
	go func() {
		status, waitErr = e.svc.Wait(runID)
		close(done)
	}()

	select {
	case <-sig:
		fmt.Fprintln(os.Stderr, "interrupt: cancelling run")
		_ = e.svc.Cancel(runID)
		<-done
	case <-done:
	}
	if waitErr != nil {
		return waitErr
	}

	rep, err := e.svc.Status(runID)
	if err != nil {
		return err
	}
	if err := printStatus(rep); err != nil {
		return err
	}
	os.Exit(exitFor(status, rep))
	return nil
}

func printStatus(rep service.StatusReport) error {
	out := map[string]any{
		"run_id":        rep.Run.RunID,
		"masterplan_id": rep.Run.MasterplanID,
		"status":        rep.Run.Status,
		"atoms_total":   rep.TotalAtoms,
		"atoms_done":    rep.Terminal,
		"needs_review":  rep.NeedsReview,
		"by_status":     rep.AtomCounts,
		"cost_usd":      rep.Ledger.Accumulated,
		"cost_soft_cap": rep.Ledger.SoftCap,
		"cost_hard_cap": rep.Ledger.HardCap,
		"hard_breached": rep.Ledger.HardBreached,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// exitFor maps a terminal run state to the documented exit codes.
func exitFor(status types.RunStatus, rep service.StatusReport) int {
	if rep.Ledger.HardBreached {
		return exitCost
	}
	switch status {
	case types.RunCompleted:
		return exitOK
	case types.RunBlocked:
		return exitBlocked
	default:
		return exitInternal
	}
}

// jsonSink writes published events as JSON lines to stdout, one per event.
type jsonSink struct{}

func (jsonSink) Publish(ev events.Event) {
	data, err := ev.JSON()
	if err != nil {
		return
	}
	fmt.Println(string(data))
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "waveforge.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "override state directory")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug logging")
	rootCmd.PersistentFlags().StringVarP(&model, "model", "m", "gemini-2.0-flash", "generator model")
	resumeCmd.Flags().Bool("keep-attempts", false, "preserve attempt counters across resume")

	rootCmd.AddCommand(startCmd, resumeCmd, pauseCmd, cancelCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		switch {
		case types.KindOf(err) == types.KindInvalidInput, errors.Is(err, types.ErrRunNotFound):
			os.Exit(exitBadInput)
		case types.KindOf(err) == types.KindHardCostExceeded:
			os.Exit(exitCost)
		default:
			os.Exit(exitInternal)
		}
	}
}
