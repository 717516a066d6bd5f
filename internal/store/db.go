// Package store provides SQLite-backed persistence for the run ledger:
// every training run, its step metrics, and the checkpoints it wrote.
// Uses WAL mode for concurrent reads and crash-safe writes.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/chroma-forge/chromatrain/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the ledger at dir/runs.db.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "runs.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error { return d.db.Close() }

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id           TEXT PRIMARY KEY,
			config_path  TEXT NOT NULL,
			status       TEXT NOT NULL,
			epoch        INTEGER NOT NULL DEFAULT 0,
			global_step  INTEGER NOT NULL DEFAULT 0,
			last_loss    REAL,
			created_at   INTEGER NOT NULL,
			started_at   INTEGER,
			completed_at INTEGER,
			error        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at)`,

		`CREATE TABLE IF NOT EXISTS step_metrics (
			run_id      TEXT NOT NULL,
			global_step INTEGER NOT NULL,
			epoch       INTEGER NOT NULL,
			mse         REAL NOT NULL,
			l1          REAL NOT NULL,
			cosine_sim  REAL NOT NULL,
			weighted    REAL NOT NULL,
			logged_at   INTEGER NOT NULL,
			PRIMARY KEY (run_id, global_step)
		)`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id     TEXT NOT NULL,
			path       TEXT NOT NULL,
			epoch      INTEGER NOT NULL,
			step       INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, step)
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// ─── Runs ───────────────────────────────────────────────────────────────────

// UpsertRun inserts or updates a run row from its current state.
func (d *DB) UpsertRun(r *domain.Run) error {
	_, err := d.db.Exec(`
		INSERT INTO runs (id, config_path, status, epoch, global_step, last_loss, created_at, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			epoch = excluded.epoch,
			global_step = excluded.global_step,
			last_loss = excluded.last_loss,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error = excluded.error`,
		r.ID, r.ConfigPath, string(r.Status), r.Epoch, r.GlobalStep, r.LastLoss,
		unixOrNil(r.CreatedAt), unixOrNil(r.StartedAt), unixOrNil(r.CompletedAt), r.Error)
	return err
}

// GetRun fetches one run by ID.
func (d *DB) GetRun(id string) (*domain.Run, error) {
	row := d.db.QueryRow(`
		SELECT id, config_path, status, epoch, global_step, COALESCE(last_loss, 0),
		       created_at, COALESCE(started_at, 0), COALESCE(completed_at, 0), COALESCE(error, '')
		FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns the most recent runs, newest first.
func (d *DB) ListRuns(limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.Query(`
		SELECT id, config_path, status, epoch, global_step, COALESCE(last_loss, 0),
		       created_at, COALESCE(started_at, 0), COALESCE(completed_at, 0), COALESCE(error, '')
		FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*domain.Run, error) {
	var r domain.Run
	var status string
	var created, started, completed int64
	err := row.Scan(&r.ID, &r.ConfigPath, &status, &r.Epoch, &r.GlobalStep, &r.LastLoss,
		&created, &started, &completed, &r.Error)
	if err != nil {
		return nil, err
	}
	r.Status = domain.RunStatus(status)
	r.CreatedAt = time.Unix(created, 0)
	if started > 0 {
		r.StartedAt = time.Unix(started, 0)
	}
	if completed > 0 {
		r.CompletedAt = time.Unix(completed, 0)
	}
	return &r, nil
}

func unixOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

// ─── Step metrics ───────────────────────────────────────────────────────────

// RecordStep persists one step's loss components.
func (d *DB) RecordStep(runID string, epoch int, step int64, loss domain.LossComponents, weighted float64) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO step_metrics (run_id, global_step, epoch, mse, l1, cosine_sim, weighted, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, step, epoch, loss.MSE, loss.L1, loss.CosineSim, weighted, time.Now().Unix())
	return err
}

// MeanEpochLoss returns the mean weighted loss for one epoch of a run.
func (d *DB) MeanEpochLoss(runID string, epoch int) (float64, error) {
	var mean sql.NullFloat64
	err := d.db.QueryRow(`
		SELECT AVG(weighted) FROM step_metrics WHERE run_id = ? AND epoch = ?`,
		runID, epoch).Scan(&mean)
	if err != nil {
		return 0, err
	}
	return mean.Float64, nil
}

// ─── Checkpoints ────────────────────────────────────────────────────────────

// RecordCheckpoint persists one written checkpoint.
func (d *DB) RecordCheckpoint(runID, path string, epoch int, step int64) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO checkpoints (run_id, path, epoch, step, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, path, epoch, step, time.Now().Unix())
	return err
}

// Checkpoints lists the checkpoints of a run, oldest first.
func (d *DB) Checkpoints(runID string) ([]string, error) {
	rows, err := d.db.Query(`SELECT path FROM checkpoints WHERE run_id = ? ORDER BY step`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
