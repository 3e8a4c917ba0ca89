package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveOptionsDefaults(t *testing.T) {
	dir := t.TempDir()
	opts, err := ResolveOptions(dir)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if opts.NodeCapacity != defaultNodeCapacity {
		t.Errorf("expected default node capacity, got %d", opts.NodeCapacity)
	}
	if opts.SegmentSizeLimit != defaultSegmentSize {
		t.Errorf("expected default segment size, got %d", opts.SegmentSizeLimit)
	}
}

func TestResolveOptionsCallerOverridesWin(t *testing.T) {
	dir := t.TempDir()
	opts, err := ResolveOptions(dir, WithCapacities(10, 20, 0))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if opts.NodeCapacity != 10 || opts.EdgeCapacity != 20 {
		t.Fatalf("expected caller-supplied capacities, got node=%d edge=%d", opts.NodeCapacity, opts.EdgeCapacity)
	}
}

func TestResolveOptionsEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("NENDB_SYNC_EVERY", "7")
	opts, err := ResolveOptions(dir)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if opts.SyncEvery != 7 {
		t.Fatalf("expected env override SyncEvery=7, got %d", opts.SyncEvery)
	}
}

func TestResolveOptionsConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := `{
		// segment size override, JSONC comment allowed
		"segment_size": 2048,
	}`
	if err := os.WriteFile(filepath.Join(dir, configFileName), []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	opts, err := ResolveOptions(dir)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if opts.SegmentSizeLimit != 2048 {
		t.Fatalf("expected config file segment_size=2048, got %d", opts.SegmentSizeLimit)
	}
}

func TestResolveOptionsSegmentSizeClampedToMinimum(t *testing.T) {
	dir := t.TempDir()
	opts, err := ResolveOptions(dir, func(o *Options) { o.SegmentSizeLimit = 1 })
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if opts.SegmentSizeLimit < minSegmentSize {
		t.Fatalf("expected segment size clamped to >= %d, got %d", minSegmentSize, opts.SegmentSizeLimit)
	}
}
