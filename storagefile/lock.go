package storagefile

// Lock is an OS-level advisory file lock, exported for callers outside
// this package (the store locks its data directory once at startup to
// prevent two processes from running against the same files).
type Lock struct {
	inner *fileLock
}

// LockPath acquires an exclusive lock keyed on path. The underlying lock
// file is path+".lock"; it is removed when the lock is released.
func LockPath(path string) (*Lock, error) {
	fl, err := lockFile(path)
	if err != nil {
		return nil, err
	}
	return &Lock{inner: fl}, nil
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	return l.inner.unlock()
}
