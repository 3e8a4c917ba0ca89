package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func tempWALPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "nendb.wal")
}

func openTestWAL(t *testing.T, path string, syncEvery, segmentSize uint32) *WAL {
	t.Helper()
	w, err := OpenWAL(path, syncEvery, segmentSize, nil, nil)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	return w
}

func TestWALCreateAndClose(t *testing.T) {
	path := tempWALPath(t)
	w := openTestWAL(t, path, 1, defaultSegmentSize)

	total, err := w.TotalEntries()
	if err != nil {
		t.Fatalf("total entries: %v", err)
	}
	if total != 0 {
		t.Errorf("expected 0 entries on a fresh WAL, got %d", total)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("wal file should exist: %v", err)
	}
}

func TestWALAppendAndReopen(t *testing.T) {
	path := tempWALPath(t)
	w := openTestWAL(t, path, 1, defaultSegmentSize)

	props := make([]byte, NProps)
	for i := uint64(1); i <= 5; i++ {
		if _, err := w.AppendNodeInsert(i, uint8(i), props); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w2 := openTestWAL(t, path, 1, defaultSegmentSize)
	defer w2.Close()

	total, err := w2.TotalEntries()
	if err != nil {
		t.Fatalf("total entries: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected 5 entries after reopen, got %d", total)
	}

	var got []uint64
	err = w2.ReplayFromLSN(0, func(rec NodeRecord) error {
		got = append(got, rec.ID)
		return nil
	}, func(EdgeRecord) error { return nil })
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 replayed nodes, got %d", len(got))
	}
	for i, id := range got {
		if id != uint64(i+1) {
			t.Errorf("replay order: got %d at index %d, want %d", id, i, i+1)
		}
	}
}

func TestWALReplayFromLSNSkipsPrefix(t *testing.T) {
	path := tempWALPath(t)
	w := openTestWAL(t, path, 1, defaultSegmentSize)
	defer w.Close()

	props := make([]byte, NProps)
	for i := uint64(1); i <= 10; i++ {
		if _, err := w.AppendNodeInsert(i, 1, props); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	var got []uint64
	err := w.ReplayFromLSN(5, func(rec NodeRecord) error {
		got = append(got, rec.ID)
		return nil
	}, func(EdgeRecord) error { return nil })
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 records past lsn=5, got %d", len(got))
	}
	if got[0] != 6 {
		t.Errorf("expected first replayed record to be id 6, got %d", got[0])
	}
}

func TestWALRotationCreatesSegment(t *testing.T) {
	path := tempWALPath(t)
	// Tiny segment size forces rotation after the first frame.
	w := openTestWAL(t, path, 1, HeaderSize+uint32(nodeFrameSize))
	defer w.Close()

	props := make([]byte, NProps)
	for i := uint64(1); i <= 3; i++ {
		if _, err := w.AppendNodeInsert(i, 1, props); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	indices, err := listSegments(path)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(indices) == 0 {
		t.Fatal("expected at least one rotated segment")
	}

	total, err := w.TotalEntries()
	if err != nil {
		t.Fatalf("total entries: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 entries spanning segments, got %d", total)
	}
}

func TestWALMixedNodeAndEdgeFrames(t *testing.T) {
	path := tempWALPath(t)
	w := openTestWAL(t, path, 1, defaultSegmentSize)
	defer w.Close()

	nprops := make([]byte, NProps)
	eprops := make([]byte, NEProps)

	if _, err := w.AppendNodeInsert(1, 1, nprops); err != nil {
		t.Fatalf("append node: %v", err)
	}
	if _, err := w.AppendEdgeInsert(1, 2, 7, eprops); err != nil {
		t.Fatalf("append edge: %v", err)
	}
	if _, err := w.AppendNodeInsert(2, 1, nprops); err != nil {
		t.Fatalf("append node: %v", err)
	}

	var nodes []uint64
	var edges []uint64
	err := w.ReplayFromLSN(0, func(rec NodeRecord) error {
		nodes = append(nodes, rec.ID)
		return nil
	}, func(rec EdgeRecord) error {
		edges = append(edges, rec.From)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(nodes) != 2 || len(edges) != 1 {
		t.Fatalf("expected 2 nodes and 1 edge, got %d nodes %d edges", len(nodes), len(edges))
	}
}

func TestWALCheckDetectsCorruption(t *testing.T) {
	path := tempWALPath(t)
	w := openTestWAL(t, path, 1, defaultSegmentSize)

	props := make([]byte, NProps)
	if _, err := w.AppendNodeInsert(1, 1, props); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := w.AppendNodeInsert(2, 1, props); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Corrupt one byte in the middle of the second frame's payload.
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	corruptOffset := int64(HeaderSize + nodeFrameSize + 20)
	if _, err := f.WriteAt([]byte{0xFF}, corruptOffset); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	f.Close()

	// Open without OpenWAL's tail-scan repair so the damage is still there
	// for Check to find.
	w2, err := OpenWALForCheck(path)
	if err != nil {
		t.Fatalf("open wal for check: %v", err)
	}
	defer w2.Close()

	report, err := w2.Check(false)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if report.OK {
		t.Fatal("expected check to detect corruption")
	}
	if report.Entries != 1 {
		t.Errorf("expected 1 good entry before the bad boundary, got %d", report.Entries)
	}
}

func TestWALCheckFixTruncatesBadTail(t *testing.T) {
	path := tempWALPath(t)
	w := openTestWAL(t, path, 1, defaultSegmentSize)

	props := make([]byte, NProps)
	if _, err := w.AppendNodeInsert(1, 1, props); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := w.AppendNodeInsert(2, 1, props); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	corruptOffset := int64(HeaderSize + nodeFrameSize + 20)
	if _, err := f.WriteAt([]byte{0xFF}, corruptOffset); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	f.Close()

	w2, err := OpenWALForCheck(path)
	if err != nil {
		t.Fatalf("open wal for check: %v", err)
	}
	defer w2.Close()

	report, err := w2.Check(true)
	if err != nil {
		t.Fatalf("check fix: %v", err)
	}
	if !report.Truncated {
		t.Fatal("expected check(fix=true) to truncate the bad tail")
	}

	total, err := w2.TotalEntries()
	if err != nil {
		t.Fatalf("total entries: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected 1 surviving entry after fix, got %d", total)
	}
}

func TestWALDeleteSegmentsKeepLast(t *testing.T) {
	path := tempWALPath(t)
	w := openTestWAL(t, path, 1, HeaderSize+uint32(nodeFrameSize))
	defer w.Close()

	props := make([]byte, NProps)
	for i := uint64(1); i <= 6; i++ {
		if _, err := w.AppendNodeInsert(i, 1, props); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	before, err := listSegments(path)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(before) < 2 {
		t.Fatalf("expected multiple rotated segments, got %d", len(before))
	}

	removed, err := w.DeleteSegmentsKeepLast(1)
	if err != nil {
		t.Fatalf("delete segments: %v", err)
	}
	if removed == 0 {
		t.Fatal("expected at least one segment removed")
	}

	after, err := listSegments(path)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(after) != 1 {
		t.Fatalf("expected 1 segment to remain, got %d", len(after))
	}
}

func TestWALTruncateToHeader(t *testing.T) {
	path := tempWALPath(t)
	w := openTestWAL(t, path, 1, defaultSegmentSize)
	defer w.Close()

	props := make([]byte, NProps)
	if _, err := w.AppendNodeInsert(1, 1, props); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := w.TruncateToHeader(); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	total, err := w.TotalEntries()
	if err != nil {
		t.Fatalf("total entries: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected 0 entries after truncate, got %d", total)
	}
}
