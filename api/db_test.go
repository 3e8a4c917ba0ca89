package api

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/nen-co/nendb-go/storage"
)

func testOpts() []storage.Option {
	return []storage.Option{storage.WithCapacities(64, 64, 0)}
}

func TestOpenInsertLookupClose(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOpts()...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	props := make([]byte, storage.NProps)
	if err := db.InsertNode(1, 1, props); err != nil {
		t.Fatalf("insert node: %v", err)
	}

	slot, ok := db.LookupNode(1)
	if !ok {
		t.Fatal("expected to find node 1")
	}
	if slot != 0 {
		t.Errorf("expected slot 0, got %d", slot)
	}
}

func TestSecondOpenFailsWhileLocked(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOpts()...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	_, err = Open(dir, testOpts()...)
	if !errors.Is(err, storage.ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked, got %v", err)
	}
}

func TestCloseThenReopenSucceeds(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOpts()...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := Open(dir, testOpts()...)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	db2.Close()
}

func TestRecoveryReplaysWALAfterCrashLikeReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOpts()...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	props := make([]byte, storage.NProps)
	for i := uint64(1); i <= 3; i++ {
		if err := db.InsertNode(i, 1, props); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	// Simulate a crash: close the WAL file handle without a snapshot, then
	// reopen against the same directory with the lock released.
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := Open(dir, testOpts()...)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	for i := uint64(1); i <= 3; i++ {
		if _, ok := db2.LookupNode(i); !ok {
			t.Errorf("expected node %d to survive WAL replay", i)
		}
	}
}

func TestSnapshotThenRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOpts()...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	props := make([]byte, storage.NProps)
	if err := db.InsertNode(7, 1, props); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.Snapshot(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	statsBefore := db.GetStats()
	if statsBefore.WAL.EntriesWritten == 0 {
		t.Fatal("expected nonzero entries written before snapshot truncation check")
	}

	if err := db.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if _, ok := db.LookupNode(7); !ok {
		t.Fatal("expected node 7 to survive restore from snapshot")
	}
}

func TestReadOnlySessionRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOpts()...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	props := make([]byte, storage.NProps)
	if err := db.InsertNode(1, 1, props); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ro, err := OpenReadOnly(dir, testOpts()...)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	defer ro.Close()

	if _, ok := ro.LookupNode(1); !ok {
		t.Fatal("expected read-only session to see previously written node")
	}

	err = ro.InsertNode(2, 1, props)
	if !errors.Is(err, storage.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestPoolExhaustionSurfacesToCaller(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, storage.WithCapacities(1, 1, 0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	props := make([]byte, storage.NProps)
	if err := db.InsertNode(1, 1, props); err != nil {
		t.Fatalf("insert 1: %v", err)
	}

	entriesBefore := db.GetStats().WAL.EntriesWritten

	err = db.InsertNode(2, 1, props)
	if !errors.Is(err, storage.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}

	entriesAfter := db.GetStats().WAL.EntriesWritten
	if entriesAfter != entriesBefore {
		t.Fatalf("expected no WAL record from a failed insert, entries went from %d to %d", entriesBefore, entriesAfter)
	}
}

func TestDuplicateInsertProducesNoWALRecord(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOpts()...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	props := make([]byte, storage.NProps)
	if err := db.InsertNode(1, 1, props); err != nil {
		t.Fatalf("insert 1: %v", err)
	}

	entriesBefore := db.GetStats().WAL.EntriesWritten

	err = db.InsertNode(1, 1, props)
	if !errors.Is(err, storage.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}

	entriesAfter := db.GetStats().WAL.EntriesWritten
	if entriesAfter != entriesBefore {
		t.Fatalf("expected no WAL record from a rejected duplicate insert, entries went from %d to %d", entriesBefore, entriesAfter)
	}
}

func TestPoolExhaustionReopenSucceeds(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, storage.WithCapacities(1, 1, 0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	props := make([]byte, storage.NProps)
	if err := db.InsertNode(1, 1, props); err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	if err := db.InsertNode(2, 1, props); !errors.Is(err, storage.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// No crash required: a rejected insert must leave nothing in the WAL
	// for replay to choke on, so a plain reopen must succeed.
	db2, err := Open(dir, storage.WithCapacities(1, 1, 0))
	if err != nil {
		t.Fatalf("reopen after pool exhaustion: %v", err)
	}
	defer db2.Close()

	if _, ok := db2.LookupNode(1); !ok {
		t.Fatal("expected node 1 to survive reopen")
	}
}

func TestPeriodicMaintenanceTrimsSegmentsWithoutSnapshotting(t *testing.T) {
	dir := t.TempDir()
	// A 256-byte segment limit holds one node frame per file, so each insert
	// after the first rotates a segment.
	db, err := Open(dir, storage.WithCapacities(64, 64, 0), func(o *storage.Options) {
		o.SnapshotInterval = 3
		o.SyncInterval = 0
		o.SegmentSizeLimit = 256
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	props := make([]byte, storage.NProps)
	for i := uint64(1); i <= 3; i++ {
		if err := db.InsertNode(i, 1, props); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	// SnapshotInterval firing must trim WAL segments without ever writing a
	// new snapshot file: the on-disk snapshot sequence must stay empty.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var segments []string
	for _, e := range entries {
		if strings.Contains(e.Name(), "snapshot") {
			t.Fatalf("periodic maintenance must not write a snapshot, found %s", e.Name())
		}
		if strings.HasPrefix(e.Name(), "nendb.wal.") {
			segments = append(segments, e.Name())
		}
	}
	// Three inserts rotate segments 1 and 2; the third op triggers
	// delete_segments_keep_last(1), which removes segment 1.
	if len(segments) != 1 || segments[0] != "nendb.wal.000002" {
		t.Fatalf("expected only nendb.wal.000002 to remain, got %v", segments)
	}
}

func TestCompactKeepsMostRecentSegment(t *testing.T) {
	dir := t.TempDir()
	// One node frame per segment: five inserts leave segments 1-4 plus the
	// active file.
	db, err := Open(dir, append(testOpts(), func(o *storage.Options) { o.SegmentSizeLimit = 256 })...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	props := make([]byte, storage.NProps)
	for i := uint64(1); i <= 5; i++ {
		if err := db.InsertNode(i, 1, props); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if err := db.Snapshot(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, err := db.Compact(1); err != nil {
		t.Fatalf("compact: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var segments []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "nendb.wal.") {
			segments = append(segments, e.Name())
		}
	}
	if len(segments) != 1 || segments[0] != "nendb.wal.000004" {
		t.Fatalf("expected only the most recent segment nendb.wal.000004 to remain, got %v", segments)
	}
}

func TestForceUnlockAfterSimulatedCrash(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOpts()...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// Simulate a crash: the WAL is closed but the lockfile is left behind
	// (no ReleaseLock call).
	db.engine.Close()

	_, err = Open(dir, testOpts()...)
	if !errors.Is(err, storage.ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked before ForceUnlock, got %v", err)
	}

	if err := ForceUnlock(dir); err != nil {
		t.Fatalf("force unlock: %v", err)
	}

	db2, err := Open(dir, testOpts()...)
	if err != nil {
		t.Fatalf("open after force unlock: %v", err)
	}
	db2.Close()
}
