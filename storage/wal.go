// Package storage implements the durable core of nendb: segmented
// write-ahead log, atomic snapshots, crash recovery, the single-writer
// lockfile, and the struct-of-arrays node/edge/embedding pools.
package storage

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// WAL is the segmented append-only log spanning the active file and its
// rotated, immutable segments (spec §4.3). States: Empty → Headered →
// Appending → Rotating → Headered' (new active), or Appending → Compacted
// when old segments are deleted. close() is terminal; check(fix=true) can
// take Appending back to Appending with a truncated tail (spec §4.8).
type WAL struct {
	mu   sync.Mutex
	path string // the active file's path, e.g. <dir>/nendb.wal
	file *os.File

	endPos              int64
	segmentIndex        uint32
	segmentEntries       uint64
	priorSegmentEntries uint64 // entries in segments 1..segmentIndex, tracked across rotations
	entriesSinceSync    uint32

	entriesWritten  uint64
	entriesReplayed uint64
	bytesWritten    uint64
	truncations     uint64
	ioErrorCount    uint64
	lastErr         error

	syncEvery        uint32
	segmentSizeLimit uint32

	logger  log.Logger
	metrics *walMetrics
}

// OpenWAL opens or creates the active WAL file at path, scanning it (and its
// segments) for repair and bookkeeping as described in spec §4.3/§4.3.2.
func OpenWAL(path string, syncEvery, segmentSizeLimit uint32, logger log.Logger, metrics *walMetrics) (*WAL, error) {
	logger = newLogger(logger)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open active: %w", err)
	}

	w := &WAL{
		path:             path,
		file:             file,
		syncEvery:        syncEvery,
		segmentSizeLimit: segmentSizeLimit,
		logger:           logger,
		metrics:          metrics,
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: stat active: %w", err)
	}

	if info.Size() == 0 {
		if err := writeHeader(file); err != nil {
			file.Close()
			return nil, err
		}
		w.endPos = HeaderSize
	} else {
		if err := validateHeader(file); err != nil {
			// A new active written right after a rotation that crashed before
			// the header landed looks like this too; treat as header-missing
			// and rewrite (spec §4.3.3 rotation crash model).
			level.Warn(logger).Log("msg", "wal header invalid on open, rewriting", "path", path, "err", err)
			if err := file.Truncate(0); err != nil {
				file.Close()
				return nil, fmt.Errorf("wal: truncate bad header: %w", err)
			}
			if err := writeHeader(file); err != nil {
				file.Close()
				return nil, err
			}
			w.endPos = HeaderSize
		} else {
			endPos, entries, truncated, err := tailScanRepair(file, logger)
			if err != nil {
				file.Close()
				return nil, err
			}
			w.endPos = endPos
			w.segmentEntries = entries
			if truncated {
				w.truncations++
				if metrics != nil {
					metrics.truncations.Inc()
				}
			}
		}
	}

	indices, err := listSegments(path)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: list segments: %w", err)
	}
	if len(indices) > 0 {
		w.segmentIndex = indices[len(indices)-1]
	}
	for _, idx := range indices {
		n, err := countSegmentEntries(segmentPath(path, idx))
		if err != nil {
			file.Close()
			return nil, err
		}
		w.priorSegmentEntries += n
	}

	level.Info(logger).Log("msg", "wal opened", "path", path, "segment_index", w.segmentIndex, "end_pos", w.endPos)
	return w, nil
}

// OpenWALForCheck opens path with default sync/rotation settings, for
// out-of-session diagnostics (api.Check). Unlike OpenWAL it leaves the file
// as found (no header rewrite, no tail-scan repair), so Check sees any damage
// and only Check(fix=true) modifies the file. The caller is expected to Close
// immediately after Check.
func OpenWALForCheck(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open active for check: %w", err)
	}
	return &WAL{
		path:             path,
		file:             file,
		syncEvery:        defaultSyncEvery,
		segmentSizeLimit: defaultSegmentSize,
		logger:           newLogger(nil),
	}, nil
}

// Close closes the active file handle. The caller is responsible for
// flushing first if durability of the last entries matters.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Healthy reports whether the WAL has ever recorded an I/O error. Once
// unhealthy, the Graph Engine must refuse further writes (spec §4.9).
func (w *WAL) Healthy() bool {
	return atomic.LoadUint64(&w.ioErrorCount) == 0
}

func (w *WAL) recordIOError(err error) error {
	atomic.AddUint64(&w.ioErrorCount, 1)
	w.lastErr = err
	if w.metrics != nil {
		w.metrics.ioErrors.Inc()
	}
	level.Error(w.logger).Log("msg", "wal io error", "err", err)
	return fmt.Errorf("wal: %w: %v", ErrIO, err)
}

// AppendNodeInsert appends a node-insert frame and returns its global LSN.
func (w *WAL) AppendNodeInsert(id uint64, kind uint8, props []byte) (uint64, error) {
	return w.append(encodeNodeInsert(id, kind, props))
}

// AppendEdgeInsert appends an edge-insert frame and returns its global LSN.
func (w *WAL) AppendEdgeInsert(from, to uint64, label uint16, props []byte) (uint64, error) {
	return w.append(encodeEdgeInsert(from, to, label, props))
}

// append writes frame at endPos, rotating first if it would overflow the
// segment size limit, and fsyncs every syncEvery entries (spec §4.3 append).
func (w *WAL) append(frame []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.endPos+int64(len(frame)) > int64(w.segmentSizeLimit) && w.endPos > HeaderSize {
		if err := w.rotateLocked(); err != nil {
			return 0, w.recordIOError(err)
		}
	}

	if _, err := w.file.WriteAt(frame, w.endPos); err != nil {
		return 0, w.recordIOError(fmt.Errorf("append: %w", err))
	}

	w.endPos += int64(len(frame))
	w.segmentEntries++
	w.entriesWritten++
	w.bytesWritten += uint64(len(frame))
	w.entriesSinceSync++

	if w.metrics != nil {
		w.metrics.entriesWritten.Inc()
		w.metrics.bytesWritten.Add(float64(len(frame)))
	}

	lsn := w.priorSegmentEntries + w.segmentEntries

	if w.entriesSinceSync >= w.syncEvery {
		if err := strongFsyncFile(w.file); err != nil {
			return 0, w.recordIOError(fmt.Errorf("periodic fsync: %w", err))
		}
		w.entriesSinceSync = 0
	}

	return lsn, nil
}

// Flush forces a strong fsync of the active file regardless of cadence.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := strongFsyncFile(w.file); err != nil {
		return w.recordIOError(fmt.Errorf("flush: %w", err))
	}
	w.entriesSinceSync = 0
	return nil
}

// ReplayFromLSN walks segments 1..segmentIndex in order, then the active
// file, calling applyNode/applyEdge for every decoded record whose global
// index is > lsn (spec §4.5 step 4). A CRC mismatch mid-scan truncates the
// offending file at the bad boundary and stops replay, same as tail-scan
// repair, since this path only ever runs against the writer's own files in
// read-write mode.
func (w *WAL) ReplayFromLSN(lsn uint64, applyNode func(NodeRecord) error, applyEdge func(EdgeRecord) error) error {
	w.mu.Lock()
	segIdx := w.segmentIndex
	path := w.path
	w.mu.Unlock()

	var global uint64

	for i := uint32(1); i <= segIdx; i++ {
		n, err := w.replayFile(segmentPath(path, i), global, lsn, applyNode, applyEdge)
		if err != nil {
			return err
		}
		global += n
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.replayFileLocked(w.file, global, lsn, applyNode, applyEdge)
	if err != nil {
		return err
	}
	w.entriesReplayed += n
	return nil
}

func (w *WAL) replayFile(path string, globalBase, lsn uint64, applyNode func(NodeRecord) error, applyEdge func(EdgeRecord) error) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("wal: open segment for replay: %w", err)
	}
	defer f.Close()
	n, err := w.replayFileLocked(f, globalBase, lsn, applyNode, applyEdge)
	if err == nil {
		w.mu.Lock()
		w.entriesReplayed += n
		w.mu.Unlock()
	}
	return n, err
}

// replayFileLocked decodes frames from f and applies those past lsn. It does
// not require w.mu except when f is the live active file handle — callers
// pass already-opened *os.File values for segments without holding the lock.
func (w *WAL) replayFileLocked(f *os.File, globalBase, lsn uint64, applyNode func(NodeRecord) error, applyEdge func(EdgeRecord) error) (uint64, error) {
	offset := int64(HeaderSize)
	tagBuf := make([]byte, 1)
	var count uint64
	global := globalBase

	for {
		n, rerr := f.ReadAt(tagBuf, offset)
		if n < 1 || rerr == io.EOF {
			break
		}
		if rerr != nil {
			return count, fmt.Errorf("wal: replay read tag at %d: %w", offset, rerr)
		}

		size := frameSize(RecordTag(tagBuf[0]))
		if size == 0 {
			break
		}

		frame := make([]byte, size)
		n, rerr = f.ReadAt(frame, offset)
		if n < size || (rerr != nil && rerr != io.EOF) {
			break
		}

		var node NodeRecord
		var edge EdgeRecord
		var derr error
		switch RecordTag(frame[0]) {
		case TagNodeInsert:
			node, derr = decodeNodeInsert(frame)
		case TagEdgeInsert:
			edge, derr = decodeEdgeInsert(frame)
		}
		if derr != nil {
			break
		}

		global++
		count++

		if global > lsn {
			switch RecordTag(frame[0]) {
			case TagNodeInsert:
				if err := applyNode(node); err != nil {
					return count, err
				}
			case TagEdgeInsert:
				if err := applyEdge(edge); err != nil {
					return count, err
				}
			}
		}

		offset += int64(size)
	}

	return count, nil
}

// TotalEntries sums complete entries across all segments and the active
// file. Frames are not uniform size once tagged (spec §9 extension), so
// rather than (size-HEADER_SIZE)/entry_size division this returns the
// in-memory counters priorSegmentEntries + segmentEntries, which are
// computed by scanning at open and kept current by every append and rotation.
func (w *WAL) TotalEntries() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.priorSegmentEntries + w.segmentEntries, nil
}

func countSegmentEntries(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	_, entries, _, err := scanOnly(f)
	return entries, err
}

// Stats is the WAL-side half of GetStats.
type Stats struct {
	SegmentIndex    uint32
	SegmentEntries  uint64
	EntriesWritten  uint64
	EntriesReplayed uint64
	BytesWritten    uint64
	Truncations     uint64
	IOErrorCount    uint64
	Healthy         bool
}

// StatsSnapshot returns a point-in-time copy of the WAL's counters.
func (w *WAL) StatsSnapshot() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		SegmentIndex:    w.segmentIndex,
		SegmentEntries:  w.segmentEntries,
		EntriesWritten:  w.entriesWritten,
		EntriesReplayed: w.entriesReplayed,
		BytesWritten:    w.bytesWritten,
		Truncations:     w.truncations,
		IOErrorCount:    atomic.LoadUint64(&w.ioErrorCount),
		Healthy:         atomic.LoadUint64(&w.ioErrorCount) == 0,
	}
}

// rotateLocked performs the rename-based rotation described in spec §4.3/
// §4.3.1. Caller must hold w.mu.
func (w *WAL) rotateLocked() error {
	if err := strongFsyncFile(w.file); err != nil {
		return fmt.Errorf("rotate: fsync active: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("rotate: close active: %w", err)
	}

	next := w.segmentIndex + 1
	segPath := segmentPath(w.path, next)
	if err := os.Rename(w.path, segPath); err != nil {
		return fmt.Errorf("rotate: rename to segment: %w", err)
	}
	if err := fsyncDir(w.path); err != nil {
		return fmt.Errorf("rotate: fsync dir after rename: %w", err)
	}

	newFile, err := os.OpenFile(w.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("rotate: create new active: %w", err)
	}
	if err := writeHeader(newFile); err != nil {
		newFile.Close()
		return err
	}
	if err := fsyncDir(w.path); err != nil {
		newFile.Close()
		return fmt.Errorf("rotate: fsync dir after new header: %w", err)
	}

	w.file = newFile
	w.endPos = HeaderSize
	w.priorSegmentEntries += w.segmentEntries
	w.segmentEntries = 0
	w.segmentIndex = next

	if w.metrics != nil {
		w.metrics.segmentRotations.Inc()
	}
	level.Info(w.logger).Log("msg", "wal rotated", "new_segment", next, "path", segPath)
	return nil
}

// Rotate exposes rotateLocked for callers that want to force a rotation
// (e.g. ahead of a snapshot-driven compaction) without an intervening append.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

// TruncateToHeader truncates the active file back to just its header,
// called by the Snapshot Engine after a successful snapshot commit (spec §4.4
// step 6).
func (w *WAL) TruncateToHeader() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(HeaderSize); err != nil {
		return w.recordIOError(fmt.Errorf("truncate to header: %w", err))
	}
	if err := strongFsyncFile(w.file); err != nil {
		return w.recordIOError(fmt.Errorf("fsync after truncate: %w", err))
	}
	w.endPos = HeaderSize
	w.segmentEntries = 0
	return nil
}

// DeleteSegmentsKeepLast deletes rotated segments older than the last k,
// fsyncing the directory afterward (spec §4.3 delete_segments_keep_last).
func (w *WAL) DeleteSegmentsKeepLast(k uint32) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	removed, err := deleteSegmentsKeepLast(w.path, k)
	if err != nil {
		return removed, err
	}
	// priorSegmentEntries intentionally keeps counting deleted segments: LSNs
	// must stay monotonic across compaction, spec §4.3 names compaction as
	// deletion only, never a renumbering of the log.
	return removed, nil
}

// CheckReport is the result of Check (spec §4.3 check(fix)).
type CheckReport struct {
	OK        bool
	Entries   uint64
	Truncated bool
	TruncPos  int64
}

// Check validates the header and every frame CRC in the active file. With
// fix=true, a bad or partial tail is truncated at the last good boundary and
// strong-fsynced.
func (w *WAL) Check(fix bool) (CheckReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := validateHeader(w.file); err != nil {
		return CheckReport{}, err
	}

	var endPos int64
	var entries uint64
	var truncated bool
	var err error
	if fix {
		endPos, entries, truncated, err = tailScanRepair(w.file, w.logger)
		if err != nil {
			return CheckReport{}, err
		}
		w.endPos = endPos
		w.segmentEntries = entries
		if truncated {
			w.truncations++
		}
	} else {
		endPos, entries, truncated, err = scanOnly(w.file)
		if err != nil {
			return CheckReport{}, err
		}
	}

	return CheckReport{OK: !truncated, Entries: entries, Truncated: truncated, TruncPos: endPos}, nil
}

// tailScanRepair implements spec §4.3.2: validate every frame from
// HEADER_SIZE forward; on the first CRC mismatch or short read, truncate the
// file to the last verified boundary and strong-fsync.
func tailScanRepair(f *os.File, logger log.Logger) (endPos int64, entries uint64, truncated bool, err error) {
	endPos, entries, truncated, err = scanOnly(f)
	if err != nil {
		return 0, 0, false, err
	}
	if truncated {
		level.Warn(logger).Log("msg", "wal tail scan found damaged frame, truncating", "boundary", endPos)
		if err := f.Truncate(endPos); err != nil {
			return 0, 0, false, fmt.Errorf("wal: truncate tail: %w", err)
		}
		if err := strongFsyncFile(f); err != nil {
			return 0, 0, false, fmt.Errorf("wal: fsync after tail truncate: %w", err)
		}
	}
	return endPos, entries, truncated, nil
}

// scanOnly walks frames from HEADER_SIZE without mutating the file, stopping
// at the first unreadable or CRC-invalid frame.
func scanOnly(f *os.File) (endPos int64, entries uint64, truncated bool, err error) {
	offset := int64(HeaderSize)
	tagBuf := make([]byte, 1)

	for {
		n, rerr := f.ReadAt(tagBuf, offset)
		if n < 1 || rerr == io.EOF {
			break
		}
		if rerr != nil {
			return 0, 0, false, fmt.Errorf("wal: read tag at %d: %w", offset, rerr)
		}

		size := frameSize(RecordTag(tagBuf[0]))
		if size == 0 {
			truncated = true
			break
		}

		frame := make([]byte, size)
		n, rerr = f.ReadAt(frame, offset)
		if n < size || (rerr != nil && rerr != io.EOF) {
			truncated = true
			break
		}

		var verr error
		switch RecordTag(frame[0]) {
		case TagNodeInsert:
			_, verr = decodeNodeInsert(frame)
		case TagEdgeInsert:
			_, verr = decodeEdgeInsert(frame)
		}
		if verr != nil {
			truncated = true
			break
		}

		offset += int64(size)
		entries++
	}

	return offset, entries, truncated, nil
}
