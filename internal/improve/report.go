package improve

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"crewtune/internal/analyze"
)

// IterationRecord is the per-cycle log entry: batch statistics, failure
// clusters, and what (if anything) was changed in response.
type IterationRecord struct {
	Number      int               `json:"iteration"`
	PassRate    float64           `json:"pass_rate"`
	AvgScore    float64           `json:"avg_score"`
	Passed      int               `json:"passed"`
	Failed      int               `json:"failed"`
	TagCounts   map[string]int    `json:"tag_counts,omitempty"`
	Clusters    []analyze.Cluster `json:"clusters,omitempty"`
	DominantTag string            `json:"dominant_tag,omitempty"`
	Adapted     bool              `json:"adapted"`
	Rationale   string            `json:"rationale,omitempty"`
	BackupDir   string            `json:"backup_dir,omitempty"`
	Elapsed     time.Duration     `json:"elapsed_ns"`
}

// Report is the final outcome of a run.
type Report struct {
	RunID           string    `json:"run_id,omitempty"`
	Success         bool      `json:"success"`
	State           State     `json:"state"`
	Iterations      int       `json:"iterations"`
	Adaptations     int       `json:"adaptations"`
	InitialPassRate float64   `json:"initial_pass_rate"`
	FinalPassRate   float64   `json:"final_pass_rate"`
	BestPassRate    float64   `json:"best_pass_rate"`
	TargetPassRate  float64   `json:"target_pass_rate"`
	Reason          string    `json:"reason,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

func (o *Orchestrator) writeIterationLog(rec IterationRecord) error {
	if o.opts.LogDir == "" {
		return nil
	}
	if err := os.MkdirAll(o.opts.LogDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(o.opts.LogDir, fmt.Sprintf("iteration_%03d.json", rec.Number))
	return os.WriteFile(path, data, 0o644)
}

func (o *Orchestrator) writeReport(report *Report) error {
	if o.opts.ReportPath == "" {
		return nil
	}
	if dir := filepath.Dir(o.opts.ReportPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(o.opts.ReportPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
