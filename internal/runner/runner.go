// Package runner executes a batch of test cases against an email pipeline
// and scores every output. Case failures never abort the batch: a timeout or
// a pipeline error becomes a zero score carrying the matching failure tag.
package runner

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"crewtune/internal/pipeline"
	"crewtune/internal/prospect"
	"crewtune/internal/rubric"
)

const (
	// DefaultConcurrency bounds the number of cases in flight at once.
	DefaultConcurrency = 4

	// DefaultCaseTimeout is the per-case execution deadline.
	DefaultCaseTimeout = 2 * time.Minute
)

// Result is the outcome of one case: the generated output (nil when the
// pipeline failed), its score, and the execution error if any.
type Result struct {
	Prospect prospect.Prospect `json:"prospect"`
	Output   *pipeline.Email   `json:"output,omitempty"`
	Score    rubric.Score      `json:"score"`
	Err      string            `json:"error,omitempty"`
	Elapsed  time.Duration     `json:"elapsed_ns"`
}

// Batch aggregates the results of one full run. Results keep the input
// order of the cases regardless of completion order.
type Batch struct {
	Results   []Result       `json:"results"`
	Passed    int            `json:"passed"`
	Failed    int            `json:"failed"`
	PassRate  float64        `json:"pass_rate"`
	AvgScore  float64        `json:"avg_score"`
	TagCounts map[string]int `json:"tag_counts"`
	Elapsed   time.Duration  `json:"elapsed_ns"`
}

// Failures returns the failing results, preserving batch order.
func (b *Batch) Failures() []Result {
	var out []Result
	for _, r := range b.Results {
		if !r.Score.Passed {
			out = append(out, r)
		}
	}
	return out
}

// Runner drives a pipeline over a set of cases with bounded concurrency.
type Runner struct {
	pipe        pipeline.Pipeline
	scorer      *rubric.Scorer
	concurrency int
	timeout     time.Duration
	log         *zap.Logger
}

// Options tune batch execution. Zero values select the defaults.
type Options struct {
	Concurrency int
	CaseTimeout time.Duration
}

// New creates a runner for the given pipeline and scorer.
func New(pipe pipeline.Pipeline, scorer *rubric.Scorer, opts Options, log *zap.Logger) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.CaseTimeout <= 0 {
		opts.CaseTimeout = DefaultCaseTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		pipe:        pipe,
		scorer:      scorer,
		concurrency: opts.Concurrency,
		timeout:     opts.CaseTimeout,
		log:         log.Named("runner"),
	}
}

// Run executes every case and returns the aggregated batch. The only error
// condition is cancellation of ctx itself; individual case failures are
// reported inside the batch.
func (r *Runner) Run(ctx context.Context, cases []prospect.Prospect) (*Batch, error) {
	if len(cases) == 0 {
		return nil, errors.New("runner: no cases to run")
	}

	start := time.Now()
	results := make([]Result, len(cases))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.concurrency)
	for i, p := range cases {
		eg.Go(func() error {
			results[i] = r.runCase(egCtx, p)
			return nil
		})
	}
	// Workers never return errors; Wait only synchronizes.
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := aggregate(results)
	b.Elapsed = time.Since(start)
	r.log.Info("batch complete",
		zap.Int("cases", len(cases)),
		zap.Int("passed", b.Passed),
		zap.Float64("pass_rate", b.PassRate),
		zap.Float64("avg_score", b.AvgScore),
		zap.Duration("elapsed", b.Elapsed))
	return b, nil
}

func (r *Runner) runCase(ctx context.Context, p prospect.Prospect) Result {
	caseCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	out, err := r.pipe.Execute(caseCtx, p)
	elapsed := time.Since(start)

	res := Result{Prospect: p, Elapsed: elapsed}
	switch {
	case err == nil:
		res.Output = out
		res.Score = r.scorer.Score(out, p)
	case errors.Is(err, context.DeadlineExceeded):
		res.Err = err.Error()
		res.Score = rubric.Zero(rubric.TagTimeout)
		r.log.Warn("case timed out", zap.String("prospect", p.Identity()), zap.Duration("elapsed", elapsed))
	default:
		res.Err = err.Error()
		res.Score = rubric.Zero(rubric.TagExecutionError)
		r.log.Warn("case failed", zap.String("prospect", p.Identity()), zap.Error(err))
	}
	return res
}

func aggregate(results []Result) *Batch {
	b := &Batch{
		Results:   results,
		TagCounts: make(map[string]int),
	}
	sum := 0
	for _, res := range results {
		sum += res.Score.Total
		if res.Score.Passed {
			b.Passed++
		} else {
			b.Failed++
			for _, tag := range res.Score.Tags() {
				b.TagCounts[tag]++
			}
		}
	}
	n := float64(len(results))
	b.PassRate = float64(b.Passed) / n
	b.AvgScore = float64(sum) / n
	return b
}
