// Package api is the outward-facing Graph Engine facade (spec §4.7, §6):
// open/close a session, insert nodes and edges, read stats, snapshot and
// compact, all under the single-writer/lock-free-readers discipline the
// storage and concurrency packages provide.
package api

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log/level"

	"github.com/nen-co/nendb-go/concurrency"
	"github.com/nen-co/nendb-go/storage"
)

const lockBaseName = "nendb"

// GraphDB is a single open session against one data directory. Exactly one
// writer session may hold dir at a time (enforced by the sentinel
// lockfile); GraphDB itself adds lock-free concurrent reads on top via a
// seqlock.
type GraphDB struct {
	dir      string
	readOnly bool

	lock *storage.Lock

	engine *storage.Engine
	seq    concurrency.Seqlock

	opts storage.Options

	opsSinceSnapshot uint64
}

// Open acquires the single-writer lockfile, runs recovery (restore
// snapshot, replay WAL), and returns a session ready for inserts.
func Open(dir string, opts ...storage.Option) (*GraphDB, error) {
	resolved, err := storage.ResolveOptions(dir, opts...)
	if err != nil {
		return nil, fmt.Errorf("api: resolve options: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("api: create data dir: %w", err)
	}

	lockPath := filepath.Join(dir, lockBaseName)
	fl, err := storage.AcquireLock(lockPath)
	if err != nil {
		return nil, fmt.Errorf("api: acquire lockfile: %w", err)
	}

	engine, err := storage.Recover(dir, resolved)
	if err != nil {
		storage.ReleaseLock(fl)
		return nil, fmt.Errorf("api: recover: %w", err)
	}

	level.Info(engine.Logger).Log("msg", "session opened", "dir", dir)

	return &GraphDB{
		dir:    dir,
		lock:   fl,
		engine: engine,
		opts:   resolved,
	}, nil
}

// OpenReadOnly recovers the same way as Open but never acquires the
// writer lockfile, so many read-only sessions may coexist with (or
// without) a single writer. Mutating calls on a read-only GraphDB return
// ErrReadOnly.
func OpenReadOnly(dir string, opts ...storage.Option) (*GraphDB, error) {
	resolved, err := storage.ResolveOptions(dir, opts...)
	if err != nil {
		return nil, fmt.Errorf("api: resolve options: %w", err)
	}

	engine, err := storage.Recover(dir, resolved)
	if err != nil {
		return nil, fmt.Errorf("api: recover: %w", err)
	}

	return &GraphDB{
		dir:      dir,
		readOnly: true,
		engine:   engine,
		opts:     resolved,
	}, nil
}

// Close flushes and closes the WAL, then releases the lockfile (if held).
func (db *GraphDB) Close() error {
	err := db.engine.Close()
	if !db.readOnly {
		storage.ReleaseLock(db.lock)
	}
	return err
}

// InsertNode applies the insert to the pool and, only once that succeeds,
// appends the matching frame to the WAL (spec §4.7 step sequence:
// writer_mutex → seqlock enter → pool insert → WAL append → periodic
// maintenance → seqlock exit). Pool-insert-before-WAL-append means a
// rejected insert — duplicate id, pool exhaustion — never produces a WAL
// record (spec §4.9, §8): there is nothing for replay to undo.
func (db *GraphDB) InsertNode(id uint64, kind uint8, props []byte) error {
	if db.readOnly {
		return storage.ErrReadOnly
	}

	var opErr error
	db.seq.Write(func() {
		if !db.engine.WAL.Healthy() {
			opErr = fmt.Errorf("api: %w", storage.ErrIO)
			return
		}
		if _, err := db.engine.Nodes.Insert(id, kind, props); err != nil {
			opErr = err
			return
		}
		if _, err := db.engine.WAL.AppendNodeInsert(id, kind, props); err != nil {
			opErr = err
			return
		}
		db.opsSinceSnapshot++
		opErr = db.periodicMaintenance()
	})
	return opErr
}

// InsertEdge applies the insert to the pool and, only once that succeeds,
// appends the matching frame to the WAL, under the same write discipline as
// InsertNode.
func (db *GraphDB) InsertEdge(from, to uint64, label uint16, props []byte) error {
	if db.readOnly {
		return storage.ErrReadOnly
	}

	var opErr error
	db.seq.Write(func() {
		if !db.engine.WAL.Healthy() {
			opErr = fmt.Errorf("api: %w", storage.ErrIO)
			return
		}
		if _, err := db.engine.Edges.Insert(from, to, label, props); err != nil {
			opErr = err
			return
		}
		if _, err := db.engine.WAL.AppendEdgeInsert(from, to, label, props); err != nil {
			opErr = err
			return
		}
		db.opsSinceSnapshot++
		opErr = db.periodicMaintenance()
	})
	return opErr
}

// LookupNode returns the pool slot for id, read lock-free via the seqlock.
func (db *GraphDB) LookupNode(id uint64) (slot uint32, ok bool) {
	db.seq.Read(func() {
		slot, ok = db.engine.Nodes.Find(id)
	})
	return slot, ok
}

// Stats is the merged pool/WAL view returned by GetStats (spec §4.7 stats(),
// §6).
type Stats struct {
	Pools storage.PoolStats
	WAL   storage.Stats
}

// GetStats reads pool and WAL counters under the seqlock read path.
func (db *GraphDB) GetStats() Stats {
	var s Stats
	db.seq.Read(func() {
		s.Pools = storage.PoolStats{
			NodeCount:         db.engine.Nodes.Count(),
			NodeCapacity:      db.engine.Nodes.Capacity(),
			EdgeCount:         db.engine.Edges.Count(),
			EdgeCapacity:      db.engine.Edges.Capacity(),
			EmbeddingCount:    db.engine.Emb.Count(),
			EmbeddingCapacity: db.engine.Emb.Capacity(),
		}
	})
	s.WAL = db.engine.WAL.StatsSnapshot()
	return s
}

// Snapshot writes a fresh snapshot of current pool state and truncates the
// WAL (spec §4.4). Always explicit and caller-driven — full snapshot cadence
// is an external concern (spec §9 Open Question, resolved: periodic
// maintenance only flushes the WAL and trims segments, it never snapshots).
func (db *GraphDB) Snapshot() error {
	if db.readOnly {
		return storage.ErrReadOnly
	}
	db.seq.WriterMu.Lock()
	defer db.seq.WriterMu.Unlock()
	if err := db.engine.Snapshot(); err != nil {
		return err
	}
	db.opsSinceSnapshot = 0
	return nil
}

// Restore discards in-memory pool state and reloads it from the latest
// on-disk snapshot plus WAL replay (spec §4.5). Used to recover a session
// in place without a process restart.
func (db *GraphDB) Restore() error {
	if db.readOnly {
		return storage.ErrReadOnly
	}
	db.seq.WriterMu.Lock()
	defer db.seq.WriterMu.Unlock()

	if err := db.engine.Close(); err != nil {
		return fmt.Errorf("api: restore: close wal: %w", err)
	}
	engine, err := storage.Recover(db.dir, db.opts)
	if err != nil {
		return fmt.Errorf("api: restore: recover: %w", err)
	}

	db.seq.BeginWrite()
	db.engine = engine
	db.seq.EndWrite()
	return nil
}

// Compact deletes all but the most recent keepLast WAL segments (spec §4.3
// delete_segments_keep_last). Safe to call only once the data they hold is
// captured in a snapshot.
func (db *GraphDB) Compact(keepLast uint32) (int, error) {
	if db.readOnly {
		return 0, storage.ErrReadOnly
	}
	db.seq.WriterMu.Lock()
	defer db.seq.WriterMu.Unlock()
	return db.engine.WAL.DeleteSegmentsKeepLast(keepLast)
}

// periodicMaintenance implements spec §4.7 step 6's periodic-maintenance
// clause: every SyncInterval applied ops it forces a WAL flush, and every
// SnapshotInterval applied ops it runs delete_segments_keep_last(1). Neither
// clause ever writes a new snapshot — that stays Snapshot's job alone.
func (db *GraphDB) periodicMaintenance() error {
	if db.opts.SyncInterval != 0 && db.opsSinceSnapshot%uint64(db.opts.SyncInterval) == 0 {
		if err := db.engine.WAL.Flush(); err != nil {
			return err
		}
	}
	if db.opts.SnapshotInterval != 0 && db.opsSinceSnapshot%uint64(db.opts.SnapshotInterval) == 0 {
		if _, err := db.engine.WAL.DeleteSegmentsKeepLast(1); err != nil {
			return err
		}
	}
	return nil
}

// Check validates a closed data directory's WAL without opening a full
// session: header, every frame CRC, and (with fix=true) repairs a bad tail.
func Check(dir string, fix bool) (storage.CheckReport, error) {
	walPath := filepath.Join(dir, "nendb.wal")
	wal, err := storage.OpenWALForCheck(walPath)
	if err != nil {
		return storage.CheckReport{}, err
	}
	defer wal.Close()
	return wal.Check(fix)
}

// ForceUnlock removes a stale lockfile left behind by a crashed writer.
// Callers must ensure no other process actually owns the lock (spec §4.6:
// there is no safe auto-steal).
func ForceUnlock(dir string) error {
	return storage.ForceUnlockAt(filepath.Join(dir, lockBaseName))
}
