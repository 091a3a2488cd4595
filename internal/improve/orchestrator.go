// Package improve runs the iterate-evaluate-adapt cycle: generate a batch
// of synthetic prospects, run the email pipeline over them, score the
// outputs, cluster the failures, patch the prompt configuration, and repeat
// until the target pass rate is reached or the loop stops improving.
package improve

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"crewtune/internal/adapt"
	"crewtune/internal/analyze"
	"crewtune/internal/history"
	"crewtune/internal/pipeline"
	"crewtune/internal/prompts"
	"crewtune/internal/prospect"
	"crewtune/internal/rubric"
	"crewtune/internal/runner"
)

// State is the orchestrator's lifecycle state.
type State string

const (
	StateInit      State = "INIT"
	StateIterating State = "ITERATING"
	StateConverged State = "CONVERGED"
	StateStagnant  State = "STAGNANT"
	StateExhausted State = "EXHAUSTED"
	// StateAborted marks a systemic failure (case generation or persistent
	// storage broken), distinct from the three normal terminal states.
	StateAborted State = "ABORTED"
)

// StagnationLimit is the number of consecutive non-improving iterations
// tolerated before the loop gives up.
const StagnationLimit = 3

// Factory builds a pipeline from a prompt configuration. The orchestrator
// calls it at the start of every iteration so each batch runs against the
// configuration active at that point.
type Factory func(cfg *prompts.Config) pipeline.Pipeline

// Options are the run parameters.
type Options struct {
	ConfigDir  string // directory holding agents.yaml and tasks.yaml
	BackupDir  string // root for timestamped configuration snapshots
	LogDir     string // directory for per-iteration JSON logs
	ReportPath string // final report destination, empty to skip

	BatchSize      int
	MaxIterations  int
	TargetPassRate float64
	PassThreshold  int

	TestOnly   bool          // measure once, adapt nothing
	SkipBackup bool          // skip configuration snapshots
	Budget     time.Duration // optional wall-clock budget, 0 means none

	Concurrency int
	CaseTimeout time.Duration
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = 5
	}
	if o.TargetPassRate <= 0 {
		o.TargetPassRate = 0.95
	}
}

// Orchestrator owns the configuration artifact for the duration of a run
// and drives the improvement loop to a terminal state.
type Orchestrator struct {
	opts     Options
	gen      *prospect.Generator
	factory  Factory
	scorer   *rubric.Scorer
	analyzer *analyze.Analyzer
	adapter  *adapt.Adapter
	store    *history.Store // optional
	log      *zap.Logger

	state State
}

// New assembles an orchestrator. store may be nil to skip run history.
func New(gen *prospect.Generator, factory Factory, scorer *rubric.Scorer,
	analyzer *analyze.Analyzer, adapter *adapt.Adapter, store *history.Store,
	opts Options, log *zap.Logger) *Orchestrator {

	opts.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		opts:     opts,
		gen:      gen,
		factory:  factory,
		scorer:   scorer,
		analyzer: analyzer,
		adapter:  adapter,
		store:    store,
		log:      log.Named("improve"),
		state:    StateInit,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State { return o.state }

// Run executes the loop to a terminal state. The returned report is non-nil
// even on systemic failure; err is non-nil only for systemic failures and
// cancellation, never for STAGNANT or EXHAUSTED outcomes.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	started := time.Now()
	var deadline time.Time
	if o.opts.Budget > 0 {
		deadline = started.Add(o.opts.Budget)
	}

	o.log.Info("run starting",
		zap.Int("batch_size", o.opts.BatchSize),
		zap.Int("max_iterations", o.opts.MaxIterations),
		zap.Float64("target_pass_rate", o.opts.TargetPassRate),
		zap.Int("pass_threshold", o.opts.PassThreshold),
		zap.Bool("test_only", o.opts.TestOnly))

	cfg, err := prompts.Load(o.opts.ConfigDir)
	if err != nil {
		return o.abort(started, fmt.Errorf("configuration load failed: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return o.abort(started, fmt.Errorf("configuration invalid: %w", err))
	}
	if !o.opts.SkipBackup {
		dir, err := prompts.Backup(o.opts.ConfigDir, o.opts.BackupDir)
		if err != nil {
			return o.abort(started, fmt.Errorf("initial backup failed: %w", err))
		}
		o.log.Info("initial configuration backed up", zap.String("dir", dir))
	}

	var runID string
	if o.store != nil {
		if runID, err = o.store.BeginRun(o.opts.BatchSize, o.opts.TargetPassRate, o.opts.ConfigDir); err != nil {
			return o.abort(started, fmt.Errorf("history store unwritable: %w", err))
		}
	}

	o.state = StateIterating
	best := -1.0
	initial := -1.0
	final := 0.0
	stagnant := 0
	adaptations := 0
	cycle := 0
	reason := ""

loop:
	for {
		cycle++
		o.log.Info("iteration start", zap.Int("cycle", cycle))

		cases, err := o.gen.Generate(ctx, o.opts.BatchSize)
		if err != nil {
			return o.abort(started, fmt.Errorf("case generation failed: %w", err))
		}

		pipe := o.factory(cfg)
		r := runner.New(pipe, o.scorer, runner.Options{
			Concurrency: o.opts.Concurrency,
			CaseTimeout: o.opts.CaseTimeout,
		}, o.log)
		batch, err := r.Run(ctx, cases)
		if err != nil {
			return o.abort(started, fmt.Errorf("batch run failed: %w", err))
		}

		final = batch.PassRate
		if initial < 0 {
			initial = batch.PassRate
		}

		rec := IterationRecord{
			Number:    cycle,
			PassRate:  batch.PassRate,
			AvgScore:  batch.AvgScore,
			Passed:    batch.Passed,
			Failed:    batch.Failed,
			TagCounts: batch.TagCounts,
			Elapsed:   batch.Elapsed,
		}

		switch {
		case o.opts.TestOnly:
			if batch.PassRate >= o.opts.TargetPassRate {
				o.state = StateConverged
			} else {
				o.state = StateExhausted
				reason = "test-only mode: single measurement, no adaptation performed"
			}
			o.finishIteration(runID, rec)
			break loop

		case batch.PassRate >= o.opts.TargetPassRate:
			o.state = StateConverged
			o.finishIteration(runID, rec)
			break loop
		}

		if batch.PassRate > best {
			best = batch.PassRate
			stagnant = 0
		} else {
			stagnant++
		}
		if stagnant >= StagnationLimit {
			o.state = StateStagnant
			reason = fmt.Sprintf("pass rate did not improve for %d consecutive iterations", stagnant)
			o.finishIteration(runID, rec)
			break loop
		}

		// Budget checkpoint: in-flight cases have completed, nothing has
		// mutated yet. Past the deadline the configuration must stay as it is.
		if !deadline.IsZero() && time.Now().After(deadline) {
			o.state = StateExhausted
			reason = fmt.Sprintf("wall-clock budget of %s exceeded", o.opts.Budget)
			o.finishIteration(runID, rec)
			break loop
		}

		clusters := o.analyzer.Analyze(batch)
		rec.Clusters = clusters
		if len(clusters) > 0 {
			rec.DominantTag = clusters[0].Tag
		}

		newCfg, rationale, err := o.adapter.Adapt(ctx, cfg, clusters)
		if err != nil {
			return o.abort(started, fmt.Errorf("adaptation failed: %w", err))
		}
		rec.Rationale = rationale

		if newCfg != cfg {
			// Snapshot the active configuration before replacing it, so
			// this iteration can be rolled back.
			if !o.opts.SkipBackup {
				dir, err := prompts.Backup(o.opts.ConfigDir, o.opts.BackupDir)
				if err != nil {
					return o.abort(started, fmt.Errorf("backup failed: %w", err))
				}
				rec.BackupDir = dir
			}
			if err := newCfg.Save(o.opts.ConfigDir); err != nil {
				return o.abort(started, fmt.Errorf("configuration save failed: %w", err))
			}
			cfg = newCfg
			rec.Adapted = true
			o.log.Info("configuration adapted", zap.String("rationale", rationale))
		} else {
			o.log.Info("configuration unchanged", zap.String("rationale", rationale))
		}

		adaptations++
		o.finishIteration(runID, rec)

		if adaptations >= o.opts.MaxIterations {
			o.state = StateExhausted
			reason = fmt.Sprintf("reached maximum of %d iterations below target pass rate %.2f",
				o.opts.MaxIterations, o.opts.TargetPassRate)
			break loop
		}
	}

	report := &Report{
		RunID:           runID,
		Success:         o.state == StateConverged,
		State:           o.state,
		Iterations:      cycle,
		Adaptations:     adaptations,
		InitialPassRate: initial,
		FinalPassRate:   final,
		BestPassRate:    max(best, final),
		TargetPassRate:  o.opts.TargetPassRate,
		Reason:          reason,
		StartedAt:       started,
		FinishedAt:      time.Now(),
	}
	if report.Success {
		report.Reason = fmt.Sprintf("pass rate %.2f reached target %.2f", final, o.opts.TargetPassRate)
	}

	if o.store != nil {
		if err := o.store.FinishRun(runID, string(o.state)); err != nil {
			o.log.Warn("failed to finish run record", zap.Error(err))
		}
	}
	if err := o.writeReport(report); err != nil {
		return report, err
	}
	o.log.Info("run complete",
		zap.String("state", string(o.state)),
		zap.Int("iterations", cycle),
		zap.Float64("initial_pass_rate", initial),
		zap.Float64("final_pass_rate", final))
	return report, nil
}

// finishIteration persists the iteration log and history record. Neither is
// allowed to fail the run.
func (o *Orchestrator) finishIteration(runID string, rec IterationRecord) {
	if err := o.writeIterationLog(rec); err != nil {
		o.log.Warn("failed to write iteration log", zap.Error(err))
	}
	if o.store == nil {
		return
	}
	err := o.store.RecordIteration(history.Iteration{
		RunID:       runID,
		Number:      rec.Number,
		PassRate:    rec.PassRate,
		AvgScore:    rec.AvgScore,
		Passed:      rec.Passed,
		Failed:      rec.Failed,
		DominantTag: rec.DominantTag,
		Adapted:     rec.Adapted,
		Rationale:   rec.Rationale,
		BackupDir:   rec.BackupDir,
	})
	if err != nil {
		o.log.Warn("failed to record iteration", zap.Error(err))
	}
}

func (o *Orchestrator) abort(started time.Time, err error) (*Report, error) {
	o.state = StateAborted
	o.log.Error("run aborted", zap.Error(err))
	report := &Report{
		Success:    false,
		State:      StateAborted,
		Reason:     err.Error(),
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if werr := o.writeReport(report); werr != nil {
		o.log.Warn("failed to write abort report", zap.Error(werr))
	}
	return report, err
}
