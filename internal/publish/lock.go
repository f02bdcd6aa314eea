package publish

import (
	"fmt"
	"os"
	"sync/atomic"
)

// LockFileName is created in the output directory and held for the duration
// of a publish cycle.
const LockFileName = ".publish.lock"

// Locker guarantees at most one publish cycle at a time: within the process
// through an atomic flag, across processes through an advisory file lock
// where the platform supports one.
type Locker struct {
	path string
	busy atomic.Bool
	file *os.File
}

// NewLocker returns a locker for the lock file at path.
func NewLocker(path string) *Locker {
	return &Locker{path: path}
}

// TryLock acquires the lock without blocking. It reports false when another
// cycle holds it.
func (l *Locker) TryLock() (bool, error) {
	if !l.busy.CompareAndSwap(false, true) {
		return false, nil
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		l.busy.Store(false)
		return false, fmt.Errorf("open lock file %s: %w", l.path, err)
	}

	ok, err := lockFile(f)
	if err != nil || !ok {
		f.Close()
		l.busy.Store(false)
		if err != nil {
			return false, fmt.Errorf("lock %s: %w", l.path, err)
		}
		return false, nil
	}

	l.file = f
	return true, nil
}

// Unlock releases a lock acquired by TryLock.
func (l *Locker) Unlock() {
	if l.file != nil {
		unlockFile(l.file)
		l.file.Close()
		l.file = nil
	}
	l.busy.Store(false)
}
