package store

import (
	"path/filepath"
	"testing"
	"time"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestOutcome creates an outcome record with minimal required fields.
func createTestOutcome(runID string, pe, seq int, name string, passed bool) OutcomeRecord {
	return OutcomeRecord{
		RunID:      runID,
		PE:         pe,
		Seq:        seq,
		Name:       name,
		Passed:     passed,
		RecordedAt: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC),
	}
}
