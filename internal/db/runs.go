package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

type Run struct {
	ID         string
	User       string
	Target     string
	Previous   string
	State      string
	Error      string
	Changes    int
	Skipped    []string
	StartedAt  time.Time
	FinishedAt time.Time
	Stages     []StageResult
}

type StageResult struct {
	Stage       string
	Mode        string
	Hosts       int
	FailedHosts []string
	Duration    time.Duration
	Error       string
}

// SaveRun stores a run and its stage results in one transaction.
func (db *DB) SaveRun(ctx context.Context, run Run) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, user, target, previous, state, error, changes, skipped, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.User, run.Target, run.Previous, run.State, run.Error, run.Changes,
		strings.Join(run.Skipped, ","),
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	for i, s := range run.Stages {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO stage_results (run_id, position, stage, mode, hosts, failed_hosts, duration_ms, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, i, s.Stage, s.Mode, s.Hosts, strings.Join(s.FailedHosts, ","),
			s.Duration.Milliseconds(), s.Error,
		)
		if err != nil {
			return fmt.Errorf("failed to save stage result %s: %w", s.Stage, err)
		}
	}

	return tx.Commit()
}

const runColumns = `id, user, target, previous, state, error, changes, skipped, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run               Run
		skipped           string
		started, finished string
	)
	err := row.Scan(&run.ID, &run.User, &run.Target, &run.Previous, &run.State, &run.Error,
		&run.Changes, &skipped, &started, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrNotFound
		}
		return Run{}, fmt.Errorf("failed to scan run: %w", err)
	}
	run.Skipped = splitList(skipped)
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return Run{}, fmt.Errorf("failed to parse started_at of run %s: %w", run.ID, err)
	}
	if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
		return Run{}, fmt.Errorf("failed to parse finished_at of run %s: %w", run.ID, err)
	}
	return run, nil
}

func (db *DB) GetRun(ctx context.Context, id string) (Run, error) {
	run, err := scanRun(db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		return Run{}, err
	}
	stages, err := db.stageResults(ctx, id)
	if err != nil {
		return Run{}, err
	}
	run.Stages = stages
	return run, nil
}

// ListRuns returns the most recent runs first, without stage results.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LatestRunInState returns the newest run that ended in state.
func (db *DB) LatestRunInState(ctx context.Context, state string) (Run, error) {
	return scanRun(db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE state = ? ORDER BY id DESC LIMIT 1`, state))
}

func (db *DB) stageResults(ctx context.Context, runID string) ([]StageResult, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT stage, mode, hosts, failed_hosts, duration_ms, error
		 FROM stage_results WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage results: %w", err)
	}
	defer rows.Close()

	var results []StageResult
	for rows.Next() {
		var (
			s          StageResult
			failed     string
			durationMS int64
		)
		if err := rows.Scan(&s.Stage, &s.Mode, &s.Hosts, &failed, &durationMS, &s.Error); err != nil {
			return nil, fmt.Errorf("failed to scan stage result: %w", err)
		}
		s.FailedHosts = splitList(failed)
		s.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, s)
	}
	return results, rows.Err()
}

// PruneRuns keeps the runsToKeep most recent runs and deletes the rest.
func (db *DB) PruneRuns(ctx context.Context, runsToKeep int) (int64, error) {
	// IDs are ULIDs, so ordering by id orders by start time.
	result, err := db.ExecContext(ctx, `
        DELETE FROM runs
        WHERE id NOT IN (
            SELECT id FROM runs
            ORDER BY id DESC
            LIMIT ?
        )`, runsToKeep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune old runs: %w", err)
	}
	return result.RowsAffected()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
