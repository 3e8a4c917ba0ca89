package storage

import (
	"os"
	"path/filepath"
)

// strongFsyncFile flushes f to stable storage. The Go standard library
// exposes no device-level full-sync barrier, so this is file.Sync() on
// every platform this module targets; the name is kept to match spec §4.3.1
// and to give implementers of other platforms a single seam to extend.
func strongFsyncFile(f *os.File) error {
	return f.Sync()
}

// fsyncDir fsyncs the directory containing path, which is required after any
// rename used for atomicity (segment rotation, snapshot commit). Omitting
// this step is the most common way durable-rename schemes regress to
// non-atomic semantics under power loss.
func fsyncDir(path string) error {
	dir := filepath.Dir(path)
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
