package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// walMagic is "NEND" read as a little-endian uint32 (spec §6).
const walMagic uint32 = 0x4E454E44
const walVersion uint16 = 0x0001

// HeaderSize is the fixed size of the segment/active-file header.
const HeaderSize = 6

// writeHeader writes the 6-byte header at offset 0 and strong-fsyncs,
// satisfying "header write is followed by file strong-fsync before any
// append" (spec §4.3.1).
func writeHeader(f *os.File) error {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], walMagic)
	binary.LittleEndian.PutUint16(hdr[4:6], walVersion)
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	return strongFsyncFile(f)
}

// validateHeader reads and checks the header at offset 0.
func validateHeader(f *os.File) error {
	var hdr [HeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("wal: read header: %w", err)
	}
	magic := binary.LittleEndian.Uint32(hdr[0:4])
	version := binary.LittleEndian.Uint16(hdr[4:6])
	if magic != walMagic {
		return fmt.Errorf("wal: %w: bad magic", ErrCorrupt)
	}
	if version != walVersion {
		return fmt.Errorf("wal: %w: unsupported version %d", ErrCorrupt, version)
	}
	return nil
}

// segmentPath returns "<base>.NNNNNN" for a completed segment index.
func segmentPath(base string, index uint32) string {
	return fmt.Sprintf("%s.%06d", base, index)
}

// segmentIndexOf parses the decimal suffix of a "<base>.NNNNNN" name,
// returning false if name is not a segment of base.
func segmentIndexOf(base, name string) (uint32, bool) {
	prefix := filepath.Base(base) + "."
	bn := filepath.Base(name)
	if !strings.HasPrefix(bn, prefix) {
		return 0, false
	}
	suffix := bn[len(prefix):]
	if len(suffix) != 6 {
		return 0, false
	}
	n, err := strconv.ParseUint(suffix, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// listSegments returns the sorted segment indices present next to base.
func listSegments(base string) ([]uint32, error) {
	dir := filepath.Dir(base)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var indices []uint32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if idx, ok := segmentIndexOf(base, e.Name()); ok {
			indices = append(indices, idx)
		}
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices, nil
}

// deleteSegmentsKeepLast deletes all segments with index <= maxIndex-k,
// fsyncing the containing directory afterward (spec §4.3 delete_segments_keep_last).
func deleteSegmentsKeepLast(base string, k uint32) (int, error) {
	indices, err := listSegments(base)
	if err != nil {
		return 0, err
	}
	if len(indices) == 0 {
		return 0, nil
	}
	maxIndex := indices[len(indices)-1]
	if uint32(len(indices)) <= k {
		return 0, nil
	}
	removed := 0
	for _, idx := range indices {
		if maxIndex >= k && idx <= maxIndex-k {
			if err := os.Remove(segmentPath(base, idx)); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("wal: remove segment %d: %w", idx, err)
			}
			removed++
		}
	}
	if removed > 0 {
		if err := fsyncDir(base); err != nil {
			return removed, fmt.Errorf("wal: fsync dir after compaction: %w", err)
		}
	}
	return removed, nil
}
