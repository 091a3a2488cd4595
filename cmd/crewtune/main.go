package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"crewtune/internal/adapt"
	"crewtune/internal/analyze"
	"crewtune/internal/history"
	"crewtune/internal/improve"
	"crewtune/internal/llm"
	"crewtune/internal/pipeline"
	"crewtune/internal/prompts"
	"crewtune/internal/prospect"
	"crewtune/internal/rubric"
)

var (
	// Global flags
	verbose     bool
	configDir   string
	backupDir   string
	logDir      string
	historyPath string
	apiKey      string
	model       string

	// Run flags
	batchSize      int
	maxIterations  int
	targetPassRate float64
	passThreshold  int
	reportPath     string
	skipBackup     bool
	budget         time.Duration
	concurrency    int
	caseTimeout    time.Duration
	seed           int64
	adaptWithModel bool

	// History flags
	historyLimit int

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "crewtune",
	Short: "crewtune - auto-improvement loop for the sales email crew",
	Long: `crewtune drives an iterate-evaluate-adapt loop over the email crew's
prompt configuration: it generates synthetic prospects, runs the crew,
scores every email against a 100-point rubric, clusters recurring
failures, and patches the responsible prompt sections until the target
pass rate is reached or the loop stops improving.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var improveCmd = &cobra.Command{
	Use:   "improve",
	Short: "Run the full improvement loop",
	Long: `Runs improvement iterations until the target pass rate is reached,
the pass rate stops improving, or the iteration limit is hit. The prompt
configuration is backed up before every mutation; the last applied
version remains active when the loop stops.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoop(false)
	},
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Measure the current configuration without adapting it",
	Long: `Runs a single batch against the active prompt configuration and
reports pass rate and score statistics. Nothing is modified.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoop(true)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show past improvement runs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  showHistory,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	pf.StringVar(&configDir, "config-dir", "config", "Directory holding agents.yaml and tasks.yaml")
	pf.StringVar(&backupDir, "backup-dir", "prompt_backups", "Root directory for configuration snapshots")
	pf.StringVar(&logDir, "log-dir", "improvement_logs", "Directory for per-iteration JSON logs")
	pf.StringVar(&historyPath, "history-db", ".crewtune/history.db", "Path to the run history database")
	pf.StringVar(&apiKey, "api-key", "", "Gemini API key (or set GEMINI_API_KEY)")
	pf.StringVar(&model, "model", "", "Model name override")

	for _, cmd := range []*cobra.Command{improveCmd, testCmd} {
		f := cmd.Flags()
		f.IntVar(&batchSize, "batch-size", 20, "Test cases per iteration")
		f.StringVar(&reportPath, "report", "improvement_report.json", "Final report path (empty to skip)")
		f.IntVar(&passThreshold, "pass-threshold", rubric.DefaultPassThreshold, "Minimum rubric total for a case to pass")
		f.IntVar(&concurrency, "concurrency", 4, "Cases executed in parallel")
		f.DurationVar(&caseTimeout, "case-timeout", 2*time.Minute, "Per-case execution deadline")
		f.Int64Var(&seed, "seed", 0, "Case generation seed (0 = time-based)")
		f.Float64Var(&targetPassRate, "target-pass-rate", 0.95, "Pass rate that counts as converged")
	}
	f := improveCmd.Flags()
	f.IntVar(&maxIterations, "max-iterations", 5, "Maximum adaptation iterations")
	f.BoolVar(&skipBackup, "skip-backup", false, "Skip configuration snapshots")
	f.DurationVar(&budget, "budget", 0, "Optional wall-clock budget for the whole run")
	f.BoolVar(&adaptWithModel, "adapt-with-model", false, "Draft prompt patches with the model instead of templates")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of runs to show")

	rootCmd.AddCommand(improveCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runLoop(testOnly bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	key := apiKey
	if key == "" {
		key = os.Getenv("GEMINI_API_KEY")
	}
	if key == "" {
		return fmt.Errorf("no API key: pass --api-key or set GEMINI_API_KEY")
	}
	client, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{APIKey: key, Model: model})
	if err != nil {
		return fmt.Errorf("failed to create model client: %w", err)
	}

	factory := func(cfg *prompts.Config) pipeline.Pipeline {
		return pipeline.NewCrew(client, cfg, logger)
	}

	genSeed := seed
	if genSeed == 0 {
		genSeed = time.Now().UnixNano()
	}
	gen := prospect.NewGenerator(genSeed, nil, logger)
	scorer := rubric.NewScorer(passThreshold, logger)
	analyzer := analyze.New(0, logger)

	var drafter llm.Client
	if adaptWithModel {
		drafter = client
	}
	adapter := adapt.New(drafter, logger)

	store, err := history.Open(historyPath, logger)
	if err != nil {
		logger.Warn("run history unavailable", zap.Error(err))
		store = nil
	} else {
		defer store.Close()
	}

	o := improve.New(gen, factory, scorer, analyzer, adapter, store, improve.Options{
		ConfigDir:      configDir,
		BackupDir:      backupDir,
		LogDir:         logDir,
		ReportPath:     reportPath,
		BatchSize:      batchSize,
		MaxIterations:  maxIterations,
		TargetPassRate: targetPassRate,
		PassThreshold:  passThreshold,
		TestOnly:       testOnly,
		SkipBackup:     skipBackup || testOnly,
		Budget:         budget,
		Concurrency:    concurrency,
		CaseTimeout:    caseTimeout,
	}, logger)

	report, err := o.Run(ctx)
	if report != nil {
		printReport(report)
	}
	return err
}

func printReport(r *improve.Report) {
	fmt.Printf("\nState:            %s\n", r.State)
	fmt.Printf("Iterations:       %d (%d adaptations)\n", r.Iterations, r.Adaptations)
	fmt.Printf("Initial pass rate: %.0f%%\n", r.InitialPassRate*100)
	fmt.Printf("Final pass rate:   %.0f%% (best %.0f%%, target %.0f%%)\n",
		r.FinalPassRate*100, r.BestPassRate*100, r.TargetPassRate*100)
	if r.Reason != "" {
		fmt.Printf("Reason:           %s\n", r.Reason)
	}
}

func showHistory(cmd *cobra.Command, args []string) error {
	store, err := history.Open(historyPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer store.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	if len(args) == 1 {
		its, err := store.Iterations(args[0])
		if err != nil {
			return err
		}
		if len(its) == 0 {
			fmt.Printf("no iterations recorded for run %s\n", args[0])
			return nil
		}
		fmt.Fprintln(w, "ITER\tPASS RATE\tAVG SCORE\tDOMINANT TAG\tADAPTED")
		for _, it := range its {
			fmt.Fprintf(w, "%d\t%.0f%%\t%.1f\t%s\t%v\n",
				it.Number, it.PassRate*100, it.AvgScore, it.DominantTag, it.Adapted)
		}
		return nil
	}

	runs, err := store.ListRuns(historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}
	fmt.Fprintln(w, "RUN\tSTARTED\tSTATE\tITERS\tBEST PASS RATE")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.0f%%\n",
			r.ID, r.StartedAt.Format(time.DateTime), r.State, r.Iterations, r.BestPassRate*100)
	}
	return nil
}
