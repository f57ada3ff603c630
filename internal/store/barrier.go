package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Arrival is the result of joining a barrier.
type Arrival struct {
	// Generation is the barrier generation the caller joined.
	Generation int64
	// Released is true when the caller was the last member to arrive.
	Released bool
}

// Arrive records one arrival at the barrier for group among members PEs.
// The last arrival advances the generation; earlier arrivals wait until
// Generation reports a larger value.
func (s *Store) Arrive(ctx context.Context, runID, group string, members int) (Arrival, error) {
	var a Arrival
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO barriers (run_id, grp, generation, arrived)
			VALUES (?, ?, 0, 0)
			ON CONFLICT(run_id, grp) DO NOTHING
		`, runID, group)
		if err != nil {
			return fmt.Errorf("arrive %s: %w", group, err)
		}

		var arrived int
		err = tx.QueryRowContext(ctx, `
			SELECT generation, arrived FROM barriers WHERE run_id = ? AND grp = ?
		`, runID, group).Scan(&a.Generation, &arrived)
		if err != nil {
			return fmt.Errorf("arrive %s: %w", group, err)
		}

		arrived++
		if arrived >= members {
			a.Released = true
			_, err = tx.ExecContext(ctx, `
				UPDATE barriers SET generation = generation + 1, arrived = 0
				WHERE run_id = ? AND grp = ?
			`, runID, group)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE barriers SET arrived = ? WHERE run_id = ? AND grp = ?
			`, arrived, runID, group)
		}
		if err != nil {
			return fmt.Errorf("arrive %s: %w", group, err)
		}
		return nil
	})
	return a, err
}

// Generation returns the current generation of a barrier.
func (s *Store) Generation(ctx context.Context, runID, group string) (int64, error) {
	var gen int64
	err := s.db.QueryRowContext(ctx, `
		SELECT generation FROM barriers WHERE run_id = ? AND grp = ?
	`, runID, group).Scan(&gen)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("barrier %s: %w", group, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("barrier %s: %w", group, err)
	}
	return gen, nil
}
