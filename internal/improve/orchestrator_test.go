package improve

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewtune/internal/adapt"
	"crewtune/internal/analyze"
	"crewtune/internal/history"
	"crewtune/internal/pipeline"
	"crewtune/internal/prompts"
	"crewtune/internal/prospect"
	"crewtune/internal/rubric"
)

func writeTestConfig(t *testing.T, dir string) *prompts.Config {
	t.Helper()
	cfg := &prompts.Config{
		Agents: make(map[string]prompts.AgentSpec),
		Tasks:  make(map[string]prompts.TaskSpec),
	}
	for _, name := range prompts.RequiredAgents {
		cfg.Agents[name] = prompts.AgentSpec{
			Role:      name,
			Goal:      "do the " + name + " work",
			Backstory: "an experienced " + name,
		}
	}
	for _, name := range prompts.RequiredTasks {
		cfg.Tasks[name] = prompts.TaskSpec{
			Description:    "Perform " + name + " for {first_name} at {company}.",
			ExpectedOutput: "structured output",
		}
	}
	require.NoError(t, cfg.Save(dir))
	return cfg
}

func strPtr(s string) *string { return &s }

// strongEmail clears the rubric for any generated prospect: it greets by
// name, cites a customer metric, proposes a call, and restates the selling
// intent verbatim when one is present.
func strongEmail(p prospect.Prospect) *pipeline.Email {
	intentLine := "Given your priorities, I believe we could help you achieve similar results at " + p.Company + "."
	if p.HasIntent() {
		intentLine = "Given your focus on " + strings.ToLower(*p.Intent) + ", I believe we could " +
			"help you achieve similar results for " + p.Company + " and your customer teams."
	}
	return &pipeline.Email{
		SubjectLine: "Congratulations " + p.FirstName + " - How P3 Cut Costs by 70%",
		EmailBody: "Hi " + p.FirstName + ",\n\n" +
			"Congratulations on your recent work at " + p.Company + "! Your leadership there is " +
			"impressive, and your team's progress this year has been widely recognized across " +
			"the industry by peers and partners alike.\n\n" +
			"We recently helped P3 Logistic Parks unify data across 8 countries on our data " +
			"platform, cutting data costs by 50% and improving efficiency for their business " +
			"and technical teams. " + intentLine + "\n\n" +
			"I noticed your team's recent initiatives. Would you be open to a brief 15-minute " +
			"call next week to discuss and explore what a similar setup could look like for " +
			"your own reporting and analytics stack across every region you serve?\n\n" +
			"Best regards,\nSarah",
		ValidatedLinkedIn: strPtr("https://linkedin.com/in/example"),
	}
}

func weakEmail() *pipeline.Email {
	return &pipeline.Email{SubjectLine: "Quick question", EmailBody: "Hi there, let me tell you about us.\n\nJoe"}
}

func newTestOrchestrator(t *testing.T, factory Factory, opts Options) *Orchestrator {
	t.Helper()
	if opts.ConfigDir == "" {
		opts.ConfigDir = t.TempDir()
		writeTestConfig(t, opts.ConfigDir)
	}
	if opts.BackupDir == "" {
		opts.BackupDir = filepath.Join(t.TempDir(), "backups")
	}
	opts.Concurrency = 2
	opts.CaseTimeout = 5 * time.Second

	gen := prospect.NewGenerator(7, nil, nil)
	scorer := rubric.NewScorer(0, nil)
	return New(gen, factory, scorer, analyze.New(0, nil), adapt.New(nil, nil), nil, opts, nil)
}

func alwaysStrong() Factory {
	return func(cfg *prompts.Config) pipeline.Pipeline {
		return pipeline.Func(func(ctx context.Context, p prospect.Prospect) (*pipeline.Email, error) {
			return strongEmail(p), nil
		})
	}
}

func alwaysWeak() Factory {
	return func(cfg *prompts.Config) pipeline.Pipeline {
		return pipeline.Func(func(ctx context.Context, p prospect.Prospect) (*pipeline.Email, error) {
			return weakEmail(), nil
		})
	}
}

func TestRun_ConvergesImmediately(t *testing.T) {
	// 19 of 20 cases pass; with a 0.95 target the first measurement converges
	// and no adaptation happens.
	var calls atomic.Int64
	factory := func(cfg *prompts.Config) pipeline.Pipeline {
		return pipeline.Func(func(ctx context.Context, p prospect.Prospect) (*pipeline.Email, error) {
			if calls.Add(1) == 1 {
				return weakEmail(), nil
			}
			return strongEmail(p), nil
		})
	}

	configDir := t.TempDir()
	writeTestConfig(t, configDir)
	before, err := os.ReadFile(filepath.Join(configDir, prompts.TasksFile))
	require.NoError(t, err)

	o := newTestOrchestrator(t, factory, Options{
		ConfigDir: configDir, BatchSize: 20, MaxIterations: 5, TargetPassRate: 0.95,
	})
	report, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, StateConverged, report.State)
	assert.Equal(t, 1, report.Iterations)
	assert.Equal(t, 0, report.Adaptations)
	assert.InDelta(t, 0.95, report.FinalPassRate, 1e-9)

	after, err := os.ReadFile(filepath.Join(configDir, prompts.TasksFile))
	require.NoError(t, err)
	assert.Equal(t, before, after, "converged run must not touch the configuration")
}

func TestRun_StagnationStopsAdaptation(t *testing.T) {
	// Pass rate never improves past its first value, so the fourth cycle
	// trips the stagnation limit without adapting.
	o := newTestOrchestrator(t, alwaysWeak(), Options{
		BatchSize: 6, MaxIterations: 10, TargetPassRate: 0.95,
	})
	report, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Success)
	assert.Equal(t, StateStagnant, report.State)
	assert.Equal(t, StagnationLimit+1, report.Iterations)
	assert.Equal(t, StagnationLimit, report.Adaptations)
	assert.Contains(t, report.Reason, "did not improve")
}

func TestRun_ExhaustsAfterMaxIterations(t *testing.T) {
	o := newTestOrchestrator(t, alwaysWeak(), Options{
		BatchSize: 6, MaxIterations: 3, TargetPassRate: 0.95,
	})
	report, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Success)
	assert.Equal(t, StateExhausted, report.State)
	assert.Equal(t, 3, report.Iterations)
	assert.Equal(t, 3, report.Adaptations)
	assert.Contains(t, report.Reason, "maximum")
}

func TestRun_TestOnlyMeasuresOnce(t *testing.T) {
	configDir := t.TempDir()
	writeTestConfig(t, configDir)
	beforeTasks, err := os.ReadFile(filepath.Join(configDir, prompts.TasksFile))
	require.NoError(t, err)
	beforeAgents, err := os.ReadFile(filepath.Join(configDir, prompts.AgentsFile))
	require.NoError(t, err)

	o := newTestOrchestrator(t, alwaysWeak(), Options{
		ConfigDir: configDir, BatchSize: 6, MaxIterations: 5, TargetPassRate: 0.95,
		TestOnly: true,
	})
	report, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Success)
	assert.Equal(t, 1, report.Iterations)
	assert.Equal(t, 0, report.Adaptations)

	afterTasks, err := os.ReadFile(filepath.Join(configDir, prompts.TasksFile))
	require.NoError(t, err)
	afterAgents, err := os.ReadFile(filepath.Join(configDir, prompts.AgentsFile))
	require.NoError(t, err)
	assert.Equal(t, beforeTasks, afterTasks, "test-only mode must not modify tasks")
	assert.Equal(t, beforeAgents, afterAgents, "test-only mode must not modify agents")
}

func TestRun_BackupPrecedesMutation(t *testing.T) {
	configDir := t.TempDir()
	writeTestConfig(t, configDir)
	original, err := os.ReadFile(filepath.Join(configDir, prompts.TasksFile))
	require.NoError(t, err)

	backupDir := filepath.Join(t.TempDir(), "backups")
	o := newTestOrchestrator(t, alwaysWeak(), Options{
		ConfigDir: configDir, BackupDir: backupDir,
		BatchSize: 6, MaxIterations: 2, TargetPassRate: 0.95,
	})
	_, err = o.Run(context.Background())
	require.NoError(t, err)

	entries, err := os.ReadDir(backupDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries, "no configuration snapshots were taken")

	// Every snapshot of the pristine configuration is byte-identical to it.
	found := false
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(backupDir, e.Name(), prompts.TasksFile))
		require.NoError(t, err)
		if string(data) == string(original) {
			found = true
		}
	}
	assert.True(t, found, "no snapshot matches the pre-mutation configuration")

	// The active configuration did change.
	after, err := os.ReadFile(filepath.Join(configDir, prompts.TasksFile))
	require.NoError(t, err)
	assert.NotEqual(t, original, after)
}

func TestRun_WritesReportAndIterationLogs(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "logs")
	reportPath := filepath.Join(t.TempDir(), "report.json")

	o := newTestOrchestrator(t, alwaysStrong(), Options{
		BatchSize: 6, MaxIterations: 3, TargetPassRate: 0.95,
		LogDir: logDir, ReportPath: reportPath,
	})
	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Success)

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	var onDisk Report
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, StateConverged, onDisk.State)
	assert.Equal(t, report.Iterations, onDisk.Iterations)

	logData, err := os.ReadFile(filepath.Join(logDir, "iteration_001.json"))
	require.NoError(t, err)
	var rec IterationRecord
	require.NoError(t, json.Unmarshal(logData, &rec))
	assert.Equal(t, 1, rec.Number)
	assert.InDelta(t, 1.0, rec.PassRate, 1e-9)
}

func TestRun_BudgetExhaustion(t *testing.T) {
	configDir := t.TempDir()
	writeTestConfig(t, configDir)
	agentsBefore, err := os.ReadFile(filepath.Join(configDir, prompts.AgentsFile))
	require.NoError(t, err)
	tasksBefore, err := os.ReadFile(filepath.Join(configDir, prompts.TasksFile))
	require.NoError(t, err)

	o := newTestOrchestrator(t, alwaysWeak(), Options{
		ConfigDir: configDir,
		BatchSize: 6, MaxIterations: 10, TargetPassRate: 0.95,
		Budget: time.Nanosecond,
	})
	report, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, report.State)
	assert.Equal(t, 1, report.Iterations, "budget must stop the loop at the first checkpoint")
	assert.Equal(t, 0, report.Adaptations, "a run past its budget must not adapt")
	assert.Contains(t, report.Reason, "budget")

	// The checkpoint sits before analysis, so the configuration on disk is
	// untouched.
	agentsAfter, err := os.ReadFile(filepath.Join(configDir, prompts.AgentsFile))
	require.NoError(t, err)
	tasksAfter, err := os.ReadFile(filepath.Join(configDir, prompts.TasksFile))
	require.NoError(t, err)
	assert.Equal(t, string(agentsBefore), string(agentsAfter))
	assert.Equal(t, string(tasksBefore), string(tasksAfter))
}

func TestRun_RecordsHistory(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"), nil)
	require.NoError(t, err)
	defer store.Close()

	configDir := t.TempDir()
	writeTestConfig(t, configDir)
	gen := prospect.NewGenerator(7, nil, nil)
	o := New(gen, alwaysStrong(), rubric.NewScorer(0, nil), analyze.New(0, nil),
		adapt.New(nil, nil), store, Options{
			ConfigDir: configDir, BackupDir: filepath.Join(t.TempDir(), "backups"),
			BatchSize: 6, MaxIterations: 3, TargetPassRate: 0.95,
		}, nil)

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, report.RunID)

	runs, err := store.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].ID)
	assert.Equal(t, string(StateConverged), runs[0].State)

	its, err := store.Iterations(report.RunID)
	require.NoError(t, err)
	require.Len(t, its, 1)
	assert.InDelta(t, 1.0, its[0].PassRate, 1e-9)
}

func TestRun_MissingConfigurationAborts(t *testing.T) {
	o := newTestOrchestrator(t, alwaysStrong(), Options{
		ConfigDir: filepath.Join(t.TempDir(), "nope"),
		BatchSize: 6, MaxIterations: 3, TargetPassRate: 0.95,
	})
	report, err := o.Run(context.Background())
	require.Error(t, err)
	require.NotNil(t, report)
	assert.False(t, report.Success)
	assert.Equal(t, StateAborted, report.State)
	assert.Contains(t, report.Reason, "configuration")
}
