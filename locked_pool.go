// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"sync"
)

// LockedPool serializes access to a single pool so that several goroutines
// can allocate from it and register cleanups on it.
type LockedPool struct {
	mtx sync.Mutex
	p   *Pool
}

// NewLockedPool wraps p. Callers must stop using p directly.
func NewLockedPool(p *Pool) *LockedPool {
	return &LockedPool{p: p}
}

// Alloc is Pool.Alloc under the lock.
func (l *LockedPool) Alloc(size int) ([]byte, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.p.Alloc(size)
}

// Calloc is Pool.Calloc under the lock.
func (l *LockedPool) Calloc(size int) ([]byte, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.p.Calloc(size)
}

// Sprintf is Pool.Sprintf under the lock. The lock is held while the
// arguments are formatted.
func (l *LockedPool) Sprintf(format string, args ...any) (string, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.p.Sprintf(format, args...)
}

// Strdup is Pool.Strdup under the lock.
func (l *LockedPool) Strdup(s string) (string, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.p.Strdup(s)
}

// RegisterCleanup is Pool.RegisterCleanup under the lock.
func (l *LockedPool) RegisterCleanup(data any, plain, child CleanupFunc) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.p.RegisterCleanup(data, plain, child)
}

// KillCleanup is Pool.KillCleanup under the lock.
func (l *LockedPool) KillCleanup(data any, fn CleanupFunc) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.p.KillCleanup(data, fn)
}

// Clear is Pool.Clear under the lock.
func (l *LockedPool) Clear() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.p.Clear()
}

// Len returns the number of bytes handed out since the last Clear.
func (l *LockedPool) Len() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.p.Len()
}

// Peak returns the pool's high-water mark.
func (l *LockedPool) Peak() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.p.Peak()
}
