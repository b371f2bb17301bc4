package service

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// entityLocks is a keyed mutex. Entries are reference counted and removed when unused.
type entityLocks struct {
	m *xsync.Map[string, *entityLock]
}

type entityLock struct {
	mu   sync.Mutex
	refs int
}

func newEntityLocks() *entityLocks {
	return &entityLocks{m: xsync.NewMap[string, *entityLock]()}
}

// Lock blocks until the caller owns key and returns the unlock function
func (l *entityLocks) Lock(key string) func() {
	lock, _ := l.m.Compute(key, func(old *entityLock, loaded bool) (*entityLock, xsync.ComputeOp) {
		if !loaded {
			old = &entityLock{}
		}
		old.refs++
		return old, xsync.UpdateOp
	})
	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()
		l.m.Compute(key, func(old *entityLock, loaded bool) (*entityLock, xsync.ComputeOp) {
			if !loaded {
				return old, xsync.CancelOp
			}
			old.refs--
			if old.refs <= 0 {
				return old, xsync.DeleteOp
			}
			return old, xsync.UpdateOp
		})
	}
}

// Len returns the number of keys currently held or awaited
func (l *entityLocks) Len() int {
	return l.m.Size()
}
