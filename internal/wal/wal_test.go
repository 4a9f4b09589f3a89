package wal

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
)

func newTestWAL(t *testing.T, mode SyncMode) *WAL {
	t.Helper()
	dir := t.TempDir()
	w, err := New(Config{
		Dir:      dir,
		SyncMode: mode,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestAppendAssignsMonotoneSequence(t *testing.T) {
	w := newTestWAL(t, PerRecordSync)

	for i := 1; i <= 5; i++ {
		rec, err := w.Append([]byte("payload"), RecordData)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if rec.Sequence != uint64(i) {
			t.Fatalf("expected sequence %d, got %d", i, rec.Sequence)
		}
	}
}

func TestCommitIsMonotoneAndIdempotent(t *testing.T) {
	w := newTestWAL(t, PerRecordSync)

	for i := 0; i < 3; i++ {
		if _, err := w.Append([]byte("x"), RecordData); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if err := w.Commit(2); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := w.CommittedSequence(); got != 2 {
		t.Fatalf("expected committed 2, got %d", got)
	}

	// Committing a lower sequence again is a no-op.
	if err := w.Commit(1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := w.CommittedSequence(); got != 2 {
		t.Fatalf("expected committed to remain 2, got %d", got)
	}

	// Re-committing the same sequence is a no-op too.
	if err := w.Commit(2); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := w.CommittedSequence(); got != 2 {
		t.Fatalf("expected committed to remain 2, got %d", got)
	}
}

func TestGetUncommittedRecordsAfterCommit(t *testing.T) {
	w := newTestWAL(t, PerRecordSync)
	for i := 0; i < 5; i++ {
		if _, err := w.Append([]byte("x"), RecordData); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := w.Commit(3); err != nil {
		t.Fatalf("commit: %v", err)
	}

	recs, err := w.GetUncommittedRecords()
	if err != nil {
		t.Fatalf("get uncommitted: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 uncommitted records, got %d", len(recs))
	}
	if recs[0].Sequence != 4 || recs[1].Sequence != 5 {
		t.Fatalf("unexpected uncommitted sequences: %+v", recs)
	}
}

func TestRecoveryAfterReopen(t *testing.T) {
	dir := t.TempDir()

	w, err := New(Config{Dir: dir, SyncMode: PerRecordSync, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := w.Append([]byte("x"), RecordData); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := w.Commit(6); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w2, err := New(Config{Dir: dir, SyncMode: PerRecordSync, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	if got := w2.CommittedSequence(); got != 6 {
		t.Fatalf("expected recovered committed seq 6, got %d", got)
	}
	recs, err := w2.GetUncommittedRecords()
	if err != nil {
		t.Fatalf("get uncommitted: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("expected 4 uncommitted records after reopen, got %d", len(recs))
	}

	next, err := w2.Append([]byte("y"), RecordData)
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	// Sequences 1-10 are DATA records and the COMMIT marker took 11.
	if next.Sequence != 12 {
		t.Fatalf("expected next sequence 12 after reopen, got %d", next.Sequence)
	}
}

func TestTruncatePreservesActiveSegment(t *testing.T) {
	w := newTestWAL(t, PerRecordSync)
	for i := 0; i < 3; i++ {
		if _, err := w.Append([]byte("x"), RecordData); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := w.Commit(3); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := w.Truncate(3); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if err := w.Truncate(3); err != nil {
		t.Fatalf("truncate idempotent: %v", err)
	}
	if len(w.segments) != 1 {
		t.Fatalf("expected the active segment to be kept, got %d segments", len(w.segments))
	}
	if _, err := os.Stat(w.segments[0].path); err != nil {
		t.Fatalf("expected active segment file to remain on disk: %v", err)
	}
}
