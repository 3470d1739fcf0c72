// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"fmt"
	"unsafe"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
)

// minScratchSize is the smallest node a growing format operation asks for.
const minScratchSize = 32

// scratch receives formatted output straight after the active node's cursor
// without committing it. Nodes outgrown along the way are queued and only
// handed back once the operation is over.
type scratch struct {
	p        *Pool
	n        *node
	len      int
	fresh    bool // n was acquired by this operation and is not in the ring
	outgrown *queue.Queue
}

func (s *scratch) Write(b []byte) (int, error) {
	if err := s.reserve(len(b)); err != nil {
		return 0, err
	}
	copy(s.n.buf[s.n.pos+s.len:], b)
	s.len += len(b)
	return len(b), nil
}

// reserve makes room for extra more bytes plus the terminating NUL.
func (s *scratch) reserve(extra int) error {
	need := s.len + extra + 1
	if need <= s.n.free() {
		return nil
	}

	size := max(s.len<<1, minScratchSize)
	for size < need {
		size <<= 1
	}
	n, err := s.p.allocator.acquire(size)
	if err != nil {
		return err
	}
	copy(n.buf, s.n.buf[s.n.pos:s.n.pos+s.len])
	if s.fresh {
		if s.outgrown == nil {
			s.outgrown = queue.New()
		}
		s.outgrown.Add(s.n)
	}
	s.n, s.fresh = n, true
	return nil
}

// releaseOutgrown hands every queued node back to the allocator.
func (s *scratch) releaseOutgrown(extra *node) {
	chain := extra
	for s.outgrown != nil && s.outgrown.Length() > 0 {
		n := s.outgrown.Remove().(*node)
		n.next = chain
		chain = n
	}
	if chain != nil {
		s.p.allocator.release(chain)
	}
}

// commit terminates the output, advances the cursor past it and links a
// fresh node into the pool.
func (s *scratch) commit() string {
	n := s.n
	start := n.pos
	n.buf[start+s.len] = 0

	size := min(alignUp(s.len+1, alignment), n.free())
	n.pos += size
	s.p.account(size)

	s.releaseOutgrown(nil)
	if s.fresh {
		s.p.activate(n)
	}
	if s.len == 0 {
		return ""
	}
	return unsafe.String(&n.buf[start], s.len)
}

func (s *scratch) abandon() {
	var extra *node
	if s.fresh {
		extra = s.n
		extra.next = nil
	}
	s.releaseOutgrown(extra)
}

// Sprintf formats into pool memory and returns the result. The string is
// NUL-terminated in pool memory and lives until the pool is cleared.
//
// Formatting writes into the pool while it is in progress, so the arguments'
// String or Format methods must not allocate from the same pool.
func (p *Pool) Sprintf(format string, args ...any) (string, error) {
	if p.destroyed {
		return "", ErrPoolDestroyed
	}
	if p.debug != nil {
		return p.Strdup(fmt.Sprintf(format, args...))
	}

	s := &scratch{p: p, n: p.active}
	err := s.reserve(0)
	if err == nil {
		_, err = fmt.Fprintf(s, format, args...)
	}
	if err != nil {
		s.abandon()
		return "", p.fail(err)
	}
	return s.commit(), nil
}

// Strdup copies str into pool memory followed by a NUL byte.
func (p *Pool) Strdup(str string) (string, error) {
	if len(str) >= maxNodeSize {
		return "", p.tooLarge(len(str))
	}
	b, err := p.Alloc(len(str) + 1)
	if err != nil {
		return "", err
	}
	copy(b, str)
	b[len(str)] = 0
	if len(str) == 0 {
		return "", nil
	}
	return unsafe.String(&b[0], len(str)), nil
}

func (p *Pool) tooLarge(size int) error {
	if p.destroyed {
		return ErrPoolDestroyed
	}
	return p.fail(errors.Wrapf(ErrOutOfMemory, "string of %d bytes", size))
}

// Memdup copies b into pool memory.
func (p *Pool) Memdup(b []byte) ([]byte, error) {
	dst, err := p.Alloc(len(b))
	if err != nil {
		return nil, err
	}
	copy(dst, b)
	return dst, nil
}

// Strcat concatenates strs into a single NUL-terminated pool string.
func (p *Pool) Strcat(strs ...string) (string, error) {
	total := 0
	for _, str := range strs {
		if len(str) >= maxNodeSize-total {
			return "", p.tooLarge(len(str))
		}
		total += len(str)
	}
	b, err := p.Alloc(total + 1)
	if err != nil {
		return "", err
	}
	off := 0
	for _, str := range strs {
		off += copy(b[off:], str)
	}
	b[total] = 0
	if total == 0 {
		return "", nil
	}
	return unsafe.String(&b[0], total), nil
}
