package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tailscale/hujson"
)

// Fixed frame constants: part of the bit-exact on-disk layout (spec §6), not
// open-time options.
const (
	NProps  = 128 // node props size in bytes
	NEProps = 64  // edge props size in bytes
	EmbDim  = 256 // embedding vector dimension
)

const (
	defaultNodeCapacity      = 1_000_000
	defaultEdgeCapacity      = 2_000_000
	defaultEmbeddingCapacity = 0 // embeddings are optional, §9 Open Question
	defaultSyncEvery         = 100
	defaultSegmentSize       = 1 << 20 // 1 MiB
	defaultSnapshotInterval  = 10_000
	minSegmentSize           = 256
)

// configFileName is the optional JSONC (JSON-with-comments) tuning file
// colocated with the data directory, following the same idiom as
// internal/ticket/config.go's project-local config file.
const configFileName = "nendb.json"

// Options controls the open-time parameters spec §9 promotes capacities to.
// All fields are immutable for the life of the session once Open returns.
type Options struct {
	NodeCapacity      uint32
	EdgeCapacity      uint32
	EmbeddingCapacity uint32
	SyncEvery         uint32 // fsync cadence in entries
	SegmentSizeLimit  uint32 // rotation threshold in bytes
	SyncInterval      uint32 // flush-WAL cadence in applied ops
	SnapshotInterval  uint32 // delete_segments_keep_last(1) cadence in applied ops
	Logger            log.Logger
	Registerer        prometheus.Registerer
}

// Option mutates Options; see With* constructors below.
type Option func(*Options)

// WithCapacities overrides node/edge/embedding pool sizes.
func WithCapacities(nodes, edges, embeddings uint32) Option {
	return func(o *Options) {
		o.NodeCapacity = nodes
		o.EdgeCapacity = edges
		o.EmbeddingCapacity = embeddings
	}
}

// WithLogger sets the structured logger used across the engine.
func WithLogger(l log.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithRegisterer sets the prometheus registerer backing GetStats' metrics mirror.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Options) { o.Registerer = reg }
}

// fileConfig is the on-disk shape of nendb.json; all fields optional.
type fileConfig struct {
	NodeCapacity      *uint32 `json:"node_capacity,omitempty"`
	EdgeCapacity      *uint32 `json:"edge_capacity,omitempty"`
	EmbeddingCapacity *uint32 `json:"embedding_capacity,omitempty"`
	SyncEvery         *uint32 `json:"sync_every,omitempty"`
	SegmentSize       *uint32 `json:"segment_size,omitempty"`
	SyncInterval      *uint32 `json:"sync_interval,omitempty"`
	SnapshotInterval  *uint32 `json:"snapshot_interval,omitempty"`
}

// defaultOptions returns the baseline before env/file/caller overrides.
func defaultOptions() Options {
	return Options{
		NodeCapacity:      defaultNodeCapacity,
		EdgeCapacity:      defaultEdgeCapacity,
		EmbeddingCapacity: defaultEmbeddingCapacity,
		SyncEvery:         defaultSyncEvery,
		SegmentSizeLimit:  defaultSegmentSize,
		SyncInterval:      defaultSyncEvery,
		SnapshotInterval:  defaultSnapshotInterval,
	}
}

// ResolveOptions layers defaults, an optional nendb.json in dir, environment
// variables (NENDB_SYNC_EVERY, NENDB_SEGMENT_SIZE), and finally caller-supplied
// Option values, in that precedence order (later wins) — the same layering
// LoadConfig in internal/ticket/config.go uses for defaults/global/project/flags.
func ResolveOptions(dir string, opts ...Option) (Options, error) {
	o := defaultOptions()

	if fc, err := loadFileConfig(dir); err != nil {
		return Options{}, err
	} else if fc != nil {
		applyFileConfig(&o, fc)
	}

	applyEnv(&o)

	for _, opt := range opts {
		opt(&o)
	}

	if o.SegmentSizeLimit < minSegmentSize {
		o.SegmentSizeLimit = minSegmentSize
	}
	o.Logger = newLogger(o.Logger)

	return o, nil
}

func loadFileConfig(dir string) (*fileConfig, error) {
	path := filepath.Join(dir, configFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("config: invalid JSONC in %s: %w", path, err)
	}

	var fc fileConfig
	if err := json.Unmarshal(standardized, &fc); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return &fc, nil
}

func applyFileConfig(o *Options, fc *fileConfig) {
	if fc.NodeCapacity != nil {
		o.NodeCapacity = *fc.NodeCapacity
	}
	if fc.EdgeCapacity != nil {
		o.EdgeCapacity = *fc.EdgeCapacity
	}
	if fc.EmbeddingCapacity != nil {
		o.EmbeddingCapacity = *fc.EmbeddingCapacity
	}
	if fc.SyncEvery != nil {
		o.SyncEvery = *fc.SyncEvery
	}
	if fc.SegmentSize != nil {
		o.SegmentSizeLimit = *fc.SegmentSize
	}
	if fc.SyncInterval != nil {
		o.SyncInterval = *fc.SyncInterval
	}
	if fc.SnapshotInterval != nil {
		o.SnapshotInterval = *fc.SnapshotInterval
	}
}

func applyEnv(o *Options) {
	if v, ok := envUint32("NENDB_SYNC_EVERY"); ok {
		o.SyncEvery = v
	}
	if v, ok := envUint32("NENDB_SEGMENT_SIZE"); ok {
		o.SegmentSizeLimit = v
	}
}

func envUint32(name string) (uint32, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
