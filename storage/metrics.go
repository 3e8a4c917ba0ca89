package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// walMetrics mirrors the WAL's atomic counters as prometheus instruments, the
// same split dreamsxin/wal uses: plain counters drive the fast path, the
// prometheus instruments exist so an embedder can register a Gatherer
// without the engine ever exporting an HTTP endpoint itself (§1 non-goals —
// "a statistics accessor", not an exporter).
type walMetrics struct {
	entriesWritten   prometheus.Counter
	bytesWritten     prometheus.Counter
	segmentRotations prometheus.Counter
	truncations      prometheus.Counter
	ioErrors         prometheus.Counter
}

// newWALMetrics registers a fresh set of instruments against reg. Passing a
// nil Registerer (prometheus.NewRegistry()) is fine; it just means nothing
// outside this process ever scrapes them.
func newWALMetrics(reg prometheus.Registerer, namespace string) *walMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &walMetrics{
		entriesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "entries_written_total",
			Help:      "Number of WAL entries appended across all segments.",
		}),
		bytesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "bytes_written_total",
			Help:      "Bytes of encoded frames written to the active WAL file.",
		}),
		segmentRotations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "segment_rotations_total",
			Help:      "Number of times the active WAL was rotated into a segment.",
		}),
		truncations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "truncations_total",
			Help:      "Number of times tail-scan repair truncated a damaged frame.",
		}),
		ioErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "io_errors_total",
			Help:      "Number of I/O errors observed on the WAL file handle.",
		}),
	}
}
