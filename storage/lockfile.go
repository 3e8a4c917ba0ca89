package storage

// Lock is the exported handle to a held single-writer lockfile (spec §4.6).
type Lock struct {
	inner *fileLock
}

// AcquireLock exclusively creates the sentinel at <base>.lock, returning
// ErrAlreadyLocked if one already exists.
func AcquireLock(base string) (*Lock, error) {
	fl, err := lockFile(base)
	if err != nil {
		return nil, err
	}
	return &Lock{inner: fl}, nil
}

// ReleaseLock removes the sentinel on clean close.
func ReleaseLock(l *Lock) error {
	if l == nil {
		return nil
	}
	return l.inner.unlock()
}

// ForceUnlockAt removes a stale sentinel without having acquired it. The
// caller is responsible for making sure no other process owns it (spec
// §4.6: there is no safe auto-steal).
func ForceUnlockAt(base string) error {
	return forceUnlockFile(base)
}
