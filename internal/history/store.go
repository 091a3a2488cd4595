// Package history persists improvement runs to a local sqlite database, so
// progress across runs can be compared after the fact.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Run is one recorded improvement run.
type Run struct {
	ID             string    `json:"id"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	State          string    `json:"state"`
	Iterations     int       `json:"iterations"`
	BatchSize      int       `json:"batch_size"`
	TargetPassRate float64   `json:"target_pass_rate"`
	BestPassRate   float64   `json:"best_pass_rate"`
	ConfigDir      string    `json:"config_dir"`
}

// Iteration is one recorded iteration of a run.
type Iteration struct {
	RunID       string    `json:"run_id"`
	Number      int       `json:"number"`
	PassRate    float64   `json:"pass_rate"`
	AvgScore    float64   `json:"avg_score"`
	Passed      int       `json:"passed"`
	Failed      int       `json:"failed"`
	DominantTag string    `json:"dominant_tag,omitempty"`
	Adapted     bool      `json:"adapted"`
	Rationale   string    `json:"rationale,omitempty"`
	BackupDir   string    `json:"backup_dir,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Store is the sqlite-backed run history.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
	log  *zap.Logger
}

// Open opens (or creates) the history database at path.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	s := &Store{db: db, path: path, log: log.Named("history")}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		state TEXT NOT NULL DEFAULT 'INIT',
		iterations INTEGER DEFAULT 0,
		batch_size INTEGER NOT NULL,
		target_pass_rate REAL NOT NULL,
		best_pass_rate REAL DEFAULT -1,
		config_dir TEXT
	);

	CREATE TABLE IF NOT EXISTS iterations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		pass_rate REAL NOT NULL,
		avg_score REAL NOT NULL,
		passed INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		dominant_tag TEXT,
		adapted INTEGER NOT NULL DEFAULT 0,
		rationale TEXT,
		backup_dir TEXT,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_iterations_run ON iterations(run_id, number);
	`
	_, err := s.db.Exec(schema)
	return err
}

// BeginRun records the start of a run and returns its ID.
func (s *Store) BeginRun(batchSize int, targetPassRate float64, configDir string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	_, err := s.db.Exec(`
		INSERT INTO runs (id, started_at, state, batch_size, target_pass_rate, config_dir)
		VALUES (?, ?, 'ITERATING', ?, ?, ?)`,
		id, time.Now(), batchSize, targetPassRate, configDir)
	if err != nil {
		return "", fmt.Errorf("failed to begin run: %w", err)
	}
	s.log.Debug("run recorded", zap.String("run_id", id))
	return id, nil
}

// RecordIteration appends one iteration to a run and bumps the run's
// iteration count and best pass rate.
func (s *Store) RecordIteration(it Iteration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it.RecordedAt.IsZero() {
		it.RecordedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO iterations
		(run_id, number, pass_rate, avg_score, passed, failed,
		 dominant_tag, adapted, rationale, backup_dir, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.RunID, it.Number, it.PassRate, it.AvgScore, it.Passed, it.Failed,
		it.DominantTag, it.Adapted, it.Rationale, it.BackupDir, it.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to record iteration: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE runs
		SET iterations = iterations + 1,
		    best_pass_rate = MAX(best_pass_rate, ?)
		WHERE id = ?`, it.PassRate, it.RunID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// FinishRun records a run's terminal state.
func (s *Store) FinishRun(runID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE runs SET state = ?, finished_at = ? WHERE id = ?`,
		state, time.Now(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, state, iterations,
		       batch_size, target_pass_rate, best_pass_rate, config_dir
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		var configDir sql.NullString
		if err := rows.Scan(&r.ID, &r.StartedAt, &finished, &r.State, &r.Iterations,
			&r.BatchSize, &r.TargetPassRate, &r.BestPassRate, &configDir); err != nil {
			return nil, err
		}
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		r.ConfigDir = configDir.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Iterations returns a run's iterations in order.
func (s *Store) Iterations(runID string) ([]Iteration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT run_id, number, pass_rate, avg_score, passed, failed,
		       dominant_tag, adapted, rationale, backup_dir, recorded_at
		FROM iterations
		WHERE run_id = ?
		ORDER BY number ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load iterations: %w", err)
	}
	defer rows.Close()

	var its []Iteration
	for rows.Next() {
		var it Iteration
		var tag, rationale, backup sql.NullString
		if err := rows.Scan(&it.RunID, &it.Number, &it.PassRate, &it.AvgScore,
			&it.Passed, &it.Failed, &tag, &it.Adapted, &rationale, &backup,
			&it.RecordedAt); err != nil {
			return nil, err
		}
		it.DominantTag = tag.String
		it.Rationale = rationale.String
		it.BackupDir = backup.String
		its = append(its, it)
	}
	return its, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
