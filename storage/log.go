package storage

import (
	"github.com/go-kit/log"
)

// newLogger wraps a caller-supplied logger so the engine never has to nil-check
// before logging. A nil logger means "silent" — libraries should not write to
// stdout/stderr unless an embedder opts in, same instinct as dreamsxin/wal's
// logging plumbed through its LogStore options.
func newLogger(l log.Logger) log.Logger {
	if l == nil {
		return log.NewNopLogger()
	}
	return l
}
