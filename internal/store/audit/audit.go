// Package audit keeps a per-project history of iteration rounds in SQLite.
// The JSON tree holds only the live state; the audit log answers "what did
// the agents do last Tuesday" without replaying logs.
package audit

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hugo-lorenzo-mato/anima/internal/core"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// Log records iteration rounds for one project.
type Log struct {
	db *sql.DB
}

// Open opens (or creates) the audit database at .anima/logs/rounds.db.
func Open(projectRoot string) (*Log, error) {
	dbPath := filepath.Join(projectRoot, ".anima", "logs", "rounds.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return l, nil
}

// Close closes the database connection.
func (l *Log) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

func (l *Log) migrate() error {
	var version int
	err := l.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet, run initial migration
		version = 0
	}
	if version < 1 {
		if _, err := l.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// Round is one recorded iteration round.
type Round struct {
	ID          int64
	MilestoneID string
	Ordinal     int
	Phase       core.RoundPhase
	Verdict     string
	Reason      string
	CommitHash  string
	Tokens      int64
	CostUSD     float64
	StartedAt   time.Time
	FinishedAt  time.Time
}

// RecordRound appends a finished round.
func (l *Log) RecordRound(ctx context.Context, r Round) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO rounds (milestone_id, ordinal, phase, verdict, reason, commit_hash, tokens, cost_usd, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.MilestoneID, r.Ordinal, string(r.Phase), r.Verdict, r.Reason, r.CommitHash,
		r.Tokens, r.CostUSD, r.StartedAt.UTC().Format(time.RFC3339), r.FinishedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("recording round: %w", err)
	}
	return nil
}

// RoundsForMilestone returns all recorded rounds for a milestone, oldest
// first.
func (l *Log) RoundsForMilestone(ctx context.Context, milestoneID string) ([]Round, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, milestone_id, ordinal, phase, verdict, reason, commit_hash, tokens, cost_usd, started_at, finished_at
		FROM rounds WHERE milestone_id = ? ORDER BY id`, milestoneID)
	if err != nil {
		return nil, fmt.Errorf("querying rounds: %w", err)
	}
	defer rows.Close()

	var rounds []Round
	for rows.Next() {
		var r Round
		var phase, started, finished string
		if err := rows.Scan(&r.ID, &r.MilestoneID, &r.Ordinal, &phase, &r.Verdict, &r.Reason,
			&r.CommitHash, &r.Tokens, &r.CostUSD, &started, &finished); err != nil {
			return nil, fmt.Errorf("scanning round: %w", err)
		}
		r.Phase = core.RoundPhase(phase)
		if t, err := time.Parse(time.RFC3339, started); err == nil {
			r.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339, finished); err == nil {
			r.FinishedAt = t
		}
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

// MilestoneTotals returns the accumulated token and cost spend for a
// milestone.
func (l *Log) MilestoneTotals(ctx context.Context, milestoneID string) (core.Telemetry, error) {
	var usage core.Telemetry
	err := l.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM rounds WHERE milestone_id = ?`, milestoneID).Scan(&usage.Tokens, &usage.CostUSD)
	if err != nil {
		return core.Telemetry{}, fmt.Errorf("summing milestone totals: %w", err)
	}
	return usage, nil
}
