package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SegmentKey identifies one PE's copy of a symmetric allocation.
type SegmentKey struct {
	RunID  string
	PE     int
	Handle int64
}

func (k SegmentKey) String() string {
	return fmt.Sprintf("%s/pe%d/%d", k.RunID, k.PE, k.Handle)
}

// AllocSegment creates a zero-filled segment of size bytes.
// Re-allocating an existing key resets it.
func (s *Store) AllocSegment(ctx context.Context, key SegmentKey, size int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO segments (run_id, pe, handle, data)
		VALUES (?, ?, ?, zeroblob(?))
		ON CONFLICT(run_id, pe, handle) DO UPDATE SET data = excluded.data
	`, key.RunID, key.PE, key.Handle, size)
	if err != nil {
		return fmt.Errorf("alloc segment %s: %w", key, err)
	}
	return nil
}

// FreeSegment deletes a segment.
func (s *Store) FreeSegment(ctx context.Context, key SegmentKey) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM segments WHERE run_id = ? AND pe = ? AND handle = ?
	`, key.RunID, key.PE, key.Handle)
	if err != nil {
		return fmt.Errorf("free segment %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("free segment %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("free segment %s: %w", key, ErrNotFound)
	}
	return nil
}

// ReadSegment returns n bytes of the segment starting at off.
func (s *Store) ReadSegment(ctx context.Context, key SegmentKey, off, n int) ([]byte, error) {
	data, err := loadSegment(ctx, s.db.QueryRowContext, key)
	if err != nil {
		return nil, fmt.Errorf("read segment: %w", err)
	}
	if off < 0 || n < 0 || off+n > len(data) {
		return nil, fmt.Errorf("read segment %s [%d:%d] of %d bytes: %w", key, off, off+n, len(data), ErrOutOfRange)
	}
	return data[off : off+n], nil
}

// WriteSegment copies src into the segment at off.
func (s *Store) WriteSegment(ctx context.Context, key SegmentKey, off int, src []byte) error {
	return s.UpdateSegment(ctx, key, off, len(src), func(window []byte) error {
		copy(window, src)
		return nil
	})
}

// UpdateSegment runs fn on the n-byte window at off inside one immediate
// transaction and stores the result. No other process can interleave a write
// to the same database between the read and the update.
func (s *Store) UpdateSegment(ctx context.Context, key SegmentKey, off, n int, fn func(window []byte) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		data, err := loadSegment(ctx, tx.QueryRowContext, key)
		if err != nil {
			return fmt.Errorf("update segment: %w", err)
		}
		if off < 0 || n < 0 || off+n > len(data) {
			return fmt.Errorf("update segment %s [%d:%d] of %d bytes: %w", key, off, off+n, len(data), ErrOutOfRange)
		}
		if err := fn(data[off : off+n]); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE segments SET data = ? WHERE run_id = ? AND pe = ? AND handle = ?
		`, data, key.RunID, key.PE, key.Handle)
		if err != nil {
			return fmt.Errorf("update segment %s: %w", key, err)
		}
		return nil
	})
}

type rowQuerier func(ctx context.Context, query string, args ...any) *sql.Row

func loadSegment(ctx context.Context, query rowQuerier, key SegmentKey) ([]byte, error) {
	var data []byte
	err := query(ctx, `
		SELECT data FROM segments WHERE run_id = ? AND pe = ? AND handle = ?
	`, key.RunID, key.PE, key.Handle).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("segment %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", key, err)
	}
	return data, nil
}
