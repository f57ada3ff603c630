package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{"runs", "segments", "barriers", "outcomes"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestPragma_JournalMode(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
}

func TestPragma_BusyTimeout(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("busy_timeout", "5000"); err != nil {
		t.Error(err)
	}
}

func TestPragma_UserVersion(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("user_version", "1"); err != nil {
		t.Error(err)
	}
}

func TestSegment_AllocReadWrite(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := SegmentKey{RunID: "run", PE: 1, Handle: 3}

	if err := s.AllocSegment(ctx, key, 8); err != nil {
		t.Fatalf("AllocSegment() failed: %v", err)
	}

	data, err := s.ReadSegment(ctx, key, 0, 8)
	if err != nil {
		t.Fatalf("ReadSegment() failed: %v", err)
	}
	for i, b := range data {
		if b != 0 {
			t.Fatalf("byte %d = %d, want zero fill", i, b)
		}
	}

	if err := s.WriteSegment(ctx, key, 2, []byte{7, 8, 9}); err != nil {
		t.Fatalf("WriteSegment() failed: %v", err)
	}
	data, err = s.ReadSegment(ctx, key, 0, 8)
	if err != nil {
		t.Fatalf("ReadSegment() failed: %v", err)
	}
	want := []byte{0, 0, 7, 8, 9, 0, 0, 0}
	if string(data) != string(want) {
		t.Errorf("segment = %v, want %v", data, want)
	}
}

func TestSegment_OutOfRange(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := SegmentKey{RunID: "run", PE: 0, Handle: 1}
	if err := s.AllocSegment(ctx, key, 4); err != nil {
		t.Fatalf("AllocSegment() failed: %v", err)
	}

	if _, err := s.ReadSegment(ctx, key, 2, 4); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("ReadSegment() error = %v, want ErrOutOfRange", err)
	}
	if err := s.WriteSegment(ctx, key, 3, []byte{1, 2}); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("WriteSegment() error = %v, want ErrOutOfRange", err)
	}
}

func TestSegment_FreeMissing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := SegmentKey{RunID: "run", PE: 0, Handle: 9}

	if err := s.FreeSegment(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("FreeSegment() error = %v, want ErrNotFound", err)
	}
	if _, err := s.ReadSegment(ctx, key, 0, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("ReadSegment() error = %v, want ErrNotFound", err)
	}
}

func TestSegment_UpdateIsSerialized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()
	key := SegmentKey{RunID: "run", PE: 0, Handle: 1}

	first, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer first.Close()
	if err := first.AllocSegment(ctx, key, 1); err != nil {
		t.Fatalf("AllocSegment() failed: %v", err)
	}

	// Separate handles stand in for separate processes.
	const writers, increments = 4, 25
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := Open(path)
			if err != nil {
				errs <- err
				return
			}
			defer s.Close()
			for i := 0; i < increments; i++ {
				err := s.UpdateSegment(ctx, key, 0, 1, func(window []byte) error {
					window[0]++
					return nil
				})
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent update failed: %v", err)
	}

	data, err := first.ReadSegment(ctx, key, 0, 1)
	if err != nil {
		t.Fatalf("ReadSegment() failed: %v", err)
	}
	if int(data[0]) != writers*increments {
		t.Errorf("counter = %d, want %d", data[0], writers*increments)
	}
}

func TestBarrier_LastArrivalReleases(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a1, err := s.Arrive(ctx, "run", "world", 3)
	if err != nil {
		t.Fatalf("Arrive() failed: %v", err)
	}
	a2, err := s.Arrive(ctx, "run", "world", 3)
	if err != nil {
		t.Fatalf("Arrive() failed: %v", err)
	}
	if a1.Released || a2.Released {
		t.Fatal("barrier released before the last member arrived")
	}
	if a1.Generation != 0 || a2.Generation != 0 {
		t.Fatalf("generations = %d,%d, want 0,0", a1.Generation, a2.Generation)
	}

	a3, err := s.Arrive(ctx, "run", "world", 3)
	if err != nil {
		t.Fatalf("Arrive() failed: %v", err)
	}
	if !a3.Released {
		t.Fatal("last arrival did not release the barrier")
	}

	gen, err := s.Generation(ctx, "run", "world")
	if err != nil {
		t.Fatalf("Generation() failed: %v", err)
	}
	if gen != 1 {
		t.Errorf("generation = %d, want 1", gen)
	}

	next, err := s.Arrive(ctx, "run", "world", 3)
	if err != nil {
		t.Fatalf("Arrive() failed: %v", err)
	}
	if next.Generation != 1 || next.Released {
		t.Errorf("next arrival = %+v, want generation 1 unreleased", next)
	}
}

func TestBarrier_GenerationMissing(t *testing.T) {
	s := createTestStore(t)
	if _, err := s.Generation(context.Background(), "run", "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Generation() error = %v, want ErrNotFound", err)
	}
}

func TestRuns_RecordAndListOutcomes(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	run := Run{ID: "run-1", Label: "shmemvv", NPEs: 2, StartedAt: start}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}
	// Every PE registers the run; duplicates are ignored.
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("duplicate CreateRun() failed: %v", err)
	}

	records := []OutcomeRecord{
		createTestOutcome("run-1", 1, 0, "shmem_put", true),
		createTestOutcome("run-1", 0, 0, "shmem_put", true),
		createTestOutcome("run-1", 0, 1, "shmem_get", false),
	}
	for _, r := range records {
		if err := s.RecordOutcome(ctx, r); err != nil {
			t.Fatalf("RecordOutcome() failed: %v", err)
		}
	}

	got, err := s.ListOutcomes(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListOutcomes() failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(outcomes) = %d, want 3", len(got))
	}
	if got[0].PE != 0 || got[1].PE != 1 || got[2].Name != "shmem_get" {
		t.Errorf("outcomes not ordered by seq, pe: %+v", got)
	}
	if got[2].Passed {
		t.Error("shmem_get should be recorded as failed")
	}

	runs, err := s.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" || !runs[0].StartedAt.Equal(start) {
		t.Errorf("runs = %+v", runs)
	}
}

func TestRuns_OutcomeRequiresRun(t *testing.T) {
	s := createTestStore(t)
	err := s.RecordOutcome(context.Background(), createTestOutcome("missing", 0, 0, "x", true))
	if err == nil {
		t.Error("expected foreign key error for unknown run")
	}
}
