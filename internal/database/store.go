// Package database persists run reports so results survive the process and
// engagements can be compared over time. Persistence is optional: an empty
// DSN disables it and runs stay in-memory only.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/collidesec/collide/internal/config"
	"github.com/collidesec/collide/internal/logger"
	"github.com/collidesec/collide/pkg/race"
)

type Store struct {
	db  *sqlx.DB
	cfg config.DatabaseConfig
	log *logger.Logger
}

// RunSummary is the stored digest of one run.
type RunSummary struct {
	RunID        string    `db:"run_id" json:"run_id"`
	Target       string    `db:"target" json:"target"`
	StartedAt    time.Time `db:"started_at" json:"started_at"`
	FinishedAt   time.Time `db:"finished_at" json:"finished_at"`
	Concurrency  int       `db:"concurrency" json:"concurrency"`
	Attempts     int       `db:"attempts" json:"attempts"`
	Amount       float64   `db:"amount" json:"amount"`
	RaceDetected bool      `db:"race_detected" json:"race_detected"`
	Severity     string    `db:"severity" json:"severity"`
	Confidence   string    `db:"confidence" json:"confidence"`
	Successful   int       `db:"successful" json:"successful"`
	Total        int       `db:"total" json:"total"`
}

// NewStore connects, configures the pool, and migrates the schema.
func NewStore(cfg config.DatabaseConfig, log *logger.Logger) (*Store, error) {
	log = log.WithComponent("database")

	start := time.Now()
	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &Store{db: db, cfg: cfg, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.LogDuration(context.Background(), "database.init", start,
		"driver", cfg.Driver,
		"dsn_masked", maskDSN(cfg.DSN),
	)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// maskDSN hides credentials in DSNs destined for log output.
func maskDSN(dsn string) string {
	if len(dsn) > 10 {
		return dsn[:5] + "***" + dsn[len(dsn)-5:]
	}
	return "***"
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			target TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL,
			concurrency INTEGER NOT NULL,
			attempts INTEGER NOT NULL,
			amount REAL NOT NULL,
			race_detected BOOLEAN NOT NULL,
			severity TEXT NOT NULL,
			confidence TEXT NOT NULL,
			successful INTEGER NOT NULL,
			total INTEGER NOT NULL,
			report TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			run_id TEXT NOT NULL,
			request_id INTEGER NOT NULL,
			attempt INTEGER NOT NULL,
			endpoint TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			success BOOLEAN NOT NULL,
			elapsed_ms INTEGER NOT NULL,
			transaction_id TEXT,
			proxy TEXT,
			retries INTEGER NOT NULL,
			error TEXT,
			PRIMARY KEY (run_id, request_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_target ON runs(target)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveReport stores a run and its full outcome sequence in one transaction.
func (s *Store) SaveReport(ctx context.Context, report *race.RunReport) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertRun := s.db.Rebind(`INSERT INTO runs
		(run_id, target, started_at, finished_at, concurrency, attempts, amount,
		 race_detected, severity, confidence, successful, total, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	v := report.Verdict
	if _, err := tx.ExecContext(ctx, insertRun,
		report.RunID, report.Target, report.StartedAt, report.FinishedAt,
		report.Concurrency, report.Attempts, report.Amount,
		v.RaceDetected, v.Severity, v.Confidence, v.SuccessfulRequests, v.TotalRequests,
		string(raw),
	); err != nil {
		return fmt.Errorf("insert run %s: %w", report.RunID, err)
	}

	insertOutcome := s.db.Rebind(`INSERT INTO outcomes
		(run_id, request_id, attempt, endpoint, status_code, success,
		 elapsed_ms, transaction_id, proxy, retries, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, out := range report.Outcomes {
		if _, err := tx.ExecContext(ctx, insertOutcome,
			report.RunID, out.ID, out.Attempt, out.Endpoint, out.StatusCode,
			out.Success, out.Elapsed.Milliseconds(), out.TransactionID,
			out.Proxy, out.Retries, out.Error,
		); err != nil {
			return fmt.Errorf("insert outcome %d of run %s: %w", out.ID, report.RunID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", report.RunID, err)
	}

	s.log.WithContext(ctx).Debugw("Run persisted",
		"run_id", report.RunID,
		"outcomes", len(report.Outcomes),
	)
	return nil
}

// GetReport loads the full stored report for a run.
func (s *Store) GetReport(ctx context.Context, runID string) (*race.RunReport, error) {
	var raw string
	query := s.db.Rebind(`SELECT report FROM runs WHERE run_id = ?`)
	if err := s.db.GetContext(ctx, &raw, query, runID); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("run %s not found", runID)
		}
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	var report race.RunReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &report, nil
}

// ListRuns returns the most recent run summaries, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.db.Rebind(`SELECT run_id, target, started_at, finished_at,
		concurrency, attempts, amount, race_detected, severity, confidence,
		successful, total
		FROM runs ORDER BY started_at DESC LIMIT ?`)

	var runs []RunSummary
	if err := s.db.SelectContext(ctx, &runs, query, limit); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}
