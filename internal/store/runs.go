package store

import (
	"context"
	"fmt"
	"time"
)

// Run describes one launch of the suite.
type Run struct {
	ID        string    `json:"run_id"`
	Label     string    `json:"label"`
	NPEs      int       `json:"npes"`
	StartedAt time.Time `json:"started_at"`
}

// OutcomeRecord is one PE's verdict for one test case.
type OutcomeRecord struct {
	RunID      string    `json:"run_id"`
	PE         int       `json:"pe"`
	Seq        int       `json:"seq"`
	Name       string    `json:"name"`
	Passed     bool      `json:"passed"`
	Skipped    bool      `json:"skipped"`
	Reason     string    `json:"reason,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// CreateRun registers a run. Every PE may call it; only the first insert wins.
func (s *Store) CreateRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, label, npes, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`, r.ID, r.Label, r.NPEs, r.StartedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// ListRuns returns all runs, most recent first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, label, npes, started_at FROM runs
		ORDER BY started_at DESC, run_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		var started string
		if err := rows.Scan(&r.ID, &r.Label, &r.NPEs, &started); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt, err = time.Parse(time.RFC3339Nano, started)
		if err != nil {
			return nil, fmt.Errorf("parse run start %q: %w", started, err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// RecordOutcome stores one PE's verdict. Re-recording the same seq replaces it.
func (s *Store) RecordOutcome(ctx context.Context, o OutcomeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (run_id, pe, seq, name, passed, skipped, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, pe, seq) DO UPDATE SET
			name = excluded.name,
			passed = excluded.passed,
			skipped = excluded.skipped,
			reason = excluded.reason,
			recorded_at = excluded.recorded_at
	`, o.RunID, o.PE, o.Seq, o.Name, o.Passed, o.Skipped, o.Reason, o.RecordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", o.Name, err)
	}
	return nil
}

// ListOutcomes returns every recorded verdict of a run ordered by seq, then PE.
func (s *Store) ListOutcomes(ctx context.Context, runID string) ([]OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, pe, seq, name, passed, skipped, reason, recorded_at
		FROM outcomes
		WHERE run_id = ?
		ORDER BY seq ASC, pe ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	out := []OutcomeRecord{}
	for rows.Next() {
		var o OutcomeRecord
		var recorded string
		if err := rows.Scan(&o.RunID, &o.PE, &o.Seq, &o.Name, &o.Passed, &o.Skipped, &o.Reason, &recorded); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.RecordedAt, err = time.Parse(time.RFC3339Nano, recorded)
		if err != nil {
			return nil, fmt.Errorf("parse outcome time %q: %w", recorded, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return out, nil
}
