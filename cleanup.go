// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"reflect"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
)

// CleanupFunc releases whatever data refers to. A returned error is reported
// but never stops the remaining cleanups.
type CleanupFunc func(data any) error

// CleanupNull does nothing. Use it as the exec cleanup of resources that need
// no attention before the process image is replaced.
func CleanupNull(any) error {
	return nil
}

type cleanup struct {
	data  any
	plain CleanupFunc
	child CleanupFunc
	next  *cleanup
}

func (c *cleanup) matches(data any, fn CleanupFunc) bool {
	return sameFunc(c.plain, fn) && sameData(c.data, data)
}

// sameFunc compares functions by code pointer. Distinct closures created
// from the same literal compare equal.
func sameFunc(a, b CleanupFunc) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

func sameData(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	t := reflect.TypeOf(a)
	if t != reflect.TypeOf(b) || !t.Comparable() {
		return false
	}
	return a == b
}

func (p *Pool) newCleanup(data any, plain, child CleanupFunc) *cleanup {
	if plain == nil {
		plain = CleanupNull
	}
	if child == nil {
		child = CleanupNull
	}
	c := p.freeCleanups
	if c != nil {
		p.freeCleanups = c.next
	} else {
		c = &cleanup{}
	}
	c.data, c.plain, c.child = data, plain, child
	return c
}

// RegisterCleanup arranges for plain(data) to run when the pool is cleared
// or destroyed, and child(data) to run instead when the process prepares to
// exec. Cleanups run in reverse order of registration. Registering the same
// pair twice runs it twice.
func (p *Pool) RegisterCleanup(data any, plain, child CleanupFunc) {
	if p.destroyed {
		return
	}
	c := p.newCleanup(data, plain, child)
	c.next = p.cleanups
	p.cleanups = c
}

// RegisterPreCleanup arranges for plain(data) to run when the pool is cleared
// or destroyed, before any child pool is destroyed.
func (p *Pool) RegisterPreCleanup(data any, plain CleanupFunc) {
	if p.destroyed {
		return
	}
	c := p.newCleanup(data, plain, nil)
	c.next = p.preCleanups
	p.preCleanups = c
}

// KillCleanup unregisters the first cleanup matching data and fn without
// running it. Functions match by code pointer: two closures built from the
// same function literal are the same cleanup, whatever they captured, so the
// most recently registered one with equal data is removed.
func (p *Pool) KillCleanup(data any, fn CleanupFunc) {
	for _, head := range []**cleanup{&p.cleanups, &p.preCleanups} {
		for ref := head; *ref != nil; ref = &(*ref).next {
			if c := *ref; c.matches(data, fn) {
				*ref = c.next
				c.data, c.plain, c.child = nil, nil, nil
				c.next = p.freeCleanups
				p.freeCleanups = c
				return
			}
		}
	}
}

// RunCleanup unregisters the cleanup matching data and fn, then runs fn.
// Matching follows KillCleanup, so fn itself is what runs even when the
// removed registration was a different closure of the same literal.
func (p *Pool) RunCleanup(data any, fn CleanupFunc) error {
	p.KillCleanup(data, fn)
	return fn(data)
}

// SetChildCleanup replaces the exec cleanup of the registration matching data
// and plain.
func (p *Pool) SetChildCleanup(data any, plain, child CleanupFunc) {
	if child == nil {
		child = CleanupNull
	}
	for c := p.cleanups; c != nil; c = c.next {
		if c.matches(data, plain) {
			c.child = child
			return
		}
	}
}

// runCleanups pops and runs every cleanup of a list, most recent first.
func (p *Pool) runCleanups(head **cleanup, errs *multierror.MultiError) {
	for c := *head; c != nil; c = *head {
		*head = c.next
		p.report(c.plain(c.data), errs)
	}
}

// cleanupForExec runs the exec cleanups of p and all its descendants and
// empties their cleanup lists. No memory is released.
func (p *Pool) cleanupForExec(errs *multierror.MultiError) {
	for c := p.cleanups; c != nil; c = p.cleanups {
		p.cleanups = c.next
		p.report(c.child(c.data), errs)
	}
	if p.children == nil {
		return
	}
	for e := p.children.Front(); e != nil; e = e.Next() {
		e.Value.(*Pool).cleanupForExec(errs)
	}
}

func (p *Pool) report(err error, errs *multierror.MultiError) {
	if err == nil {
		return
	}
	level.Warn(p.logger).Log("msg", "cleanup failed", "tag", p.tag, "err", err)
	p.allocator.metrics.cleanupFailures.Inc()
	errs.Add(err)
}
