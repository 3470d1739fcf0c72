// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"container/list"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"github.com/pkg/errors"
)

// poolHeaderSize is the footprint of a pool's control structure. It is
// reserved at the front of the pool's bootstrap node.
const poolHeaderSize = int(unsafe.Sizeof(Pool{})+alignment-1) &^ (alignment - 1)

// Pool is a hierarchical allocation scope. Memory obtained from a pool stays
// valid until the pool is cleared or destroyed, at which point every child
// pool is destroyed and every registered cleanup runs.
//
// A pool is not safe for concurrent use. Pools sharing a thread-safe
// allocator may be used from different goroutines, one goroutine per pool.
// See LockedPool for sharing a single pool.
type Pool struct {
	parent   *Pool
	children *list.List    // most recently created first
	elem     *list.Element // this pool's entry in parent.children

	cleanups     *cleanup
	preCleanups  *cleanup
	freeCleanups *cleanup
	subprocesses *subprocess

	abort    AbortFunc
	userData map[string]any
	tag      string

	allocator *Allocator
	active    *node // receives bump allocations
	self      *node // bootstrap node, holds the reserved header
	selfPos   int   // cursor of self just past the header
	debug     *debugBlocks

	logger    log.Logger
	used      int
	peak      int
	destroyed bool
}

// Option configures a pool at creation.
type Option func(*poolOptions)

type poolOptions struct {
	abort         AbortFunc
	allocator     *Allocator
	private       bool
	allocatorOpts []AllocatorOption
	tag           string
	logger        log.Logger
	debug         bool
	initialSize   int
}

// WithAbortFunc sets the function called when the pool runs out of memory.
// Without it a pool inherits its parent's.
func WithAbortFunc(fn AbortFunc) Option {
	return func(o *poolOptions) {
		o.abort = fn
	}
}

// WithAllocator makes the pool draw its nodes from a.
func WithAllocator(a *Allocator) Option {
	return func(o *poolOptions) {
		o.allocator = a
	}
}

// WithPrivateAllocator gives the pool its own allocator, owned and destroyed
// by the pool.
func WithPrivateAllocator(opts ...AllocatorOption) Option {
	return func(o *poolOptions) {
		o.private = true
		o.allocatorOpts = append(o.allocatorOpts, opts...)
	}
}

// WithTag labels the pool for diagnostics.
func WithTag(tag string) Option {
	return func(o *poolOptions) {
		o.tag = tag
	}
}

// WithLogger sets the pool's logger. Without it a pool inherits its parent's.
func WithLogger(logger log.Logger) Option {
	return func(o *poolOptions) {
		o.logger = logger
	}
}

// WithDebugAllocations makes every allocation its own heap block, which
// lets memory checkers see individual allocations. Child pools inherit it.
func WithDebugAllocations() Option {
	return func(o *poolOptions) {
		o.debug = true
	}
}

// WithInitialSize sizes the bootstrap node to hold at least size bytes.
func WithInitialSize(size int) Option {
	return func(o *poolOptions) {
		o.initialSize = size
	}
}

// Create makes a new pool as a child of parent. A nil parent means the root
// pool of the default runtime, which must have been initialized.
func Create(parent *Pool, opts ...Option) (*Pool, error) {
	if parent == nil {
		root, err := defaultRuntime.Root()
		if err != nil {
			return nil, err
		}
		parent = root
	}
	return newPool(parent, opts)
}

// CreateUnmanaged makes a pool with no parent and its own allocator. It is
// not reachable from any runtime and must be destroyed explicitly.
func CreateUnmanaged(opts ...Option) (*Pool, error) {
	return newPool(nil, opts)
}

func newPool(parent *Pool, opts []Option) (*Pool, error) {
	var o poolOptions
	for _, opt := range opts {
		opt(&o)
	}
	if parent != nil && parent.destroyed {
		return nil, ErrPoolDestroyed
	}

	abort, logger := o.abort, o.logger
	if parent != nil {
		if abort == nil {
			abort = parent.abort
		}
		if logger == nil {
			logger = parent.logger
		}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	allocator, owned := o.allocator, false
	if allocator == nil {
		if o.private || parent == nil {
			base := []AllocatorOption{WithAllocatorLogger(logger)}
			if parent != nil {
				base = append(base, WithHeap(parent.allocator.heap), WithAllocatorMetrics(parent.allocator.metrics))
			}
			allocator, owned = NewAllocator(append(base, o.allocatorOpts...)...), true
		} else {
			allocator = parent.allocator
		}
	}

	n, err := allocator.acquire(poolHeaderSize + o.initialSize)
	if err != nil {
		level.Error(logger).Log("msg", "failed to create pool", "tag", o.tag, "err", err)
		if abort != nil {
			abort(err)
		}
		return nil, err
	}
	n.next, n.prev = n, n
	n.pos = poolHeaderSize

	p := &Pool{
		parent:    parent,
		abort:     abort,
		tag:       o.tag,
		allocator: allocator,
		active:    n,
		self:      n,
		selfPos:   n.pos,
		logger:    logger,
	}
	if o.debug || (parent != nil && parent.debug != nil) {
		p.debug = &debugBlocks{heap: allocator.heap}
	}
	if owned {
		allocator.SetOwner(p)
	}
	if parent != nil {
		parent.link(p)
	}
	allocator.metrics.poolsCreated.Inc()
	return p, nil
}

func (p *Pool) link(child *Pool) {
	p.allocator.lock()
	defer p.allocator.unlock()

	if p.children == nil {
		p.children = list.New()
	}
	child.elem = p.children.PushFront(child)
}

func (p *Pool) unlink(child *Pool) {
	p.allocator.lock()
	defer p.allocator.unlock()

	p.children.Remove(child.elem)
	child.elem = nil
}

// Alloc returns size bytes of pool memory. The contents are unspecified.
func (p *Pool) Alloc(size int) ([]byte, error) {
	if p.destroyed {
		return nil, ErrPoolDestroyed
	}
	if size < 0 {
		return nil, ErrNegativeSize
	}
	if size > maxNodeSize {
		return nil, p.fail(errors.Wrapf(ErrOutOfMemory, "allocation of %d bytes", size))
	}

	var (
		b   []byte
		err error
	)
	if p.debug != nil {
		if b, err = p.debug.alloc(size); err == nil {
			p.account(size)
		}
	} else {
		b, err = p.bump(alignUp(size, alignment))
	}
	if err != nil {
		return nil, p.fail(err)
	}
	return b[:size:size], nil
}

// Calloc is like Alloc but zeroes the returned memory.
func (p *Pool) Calloc(size int) ([]byte, error) {
	b, err := p.Alloc(size)
	if err != nil {
		return nil, err
	}
	clear(b)
	return b, nil
}

// bump carves size bytes out of the active node, switching to another node
// when it is full. size is already aligned.
func (p *Pool) bump(size int) ([]byte, error) {
	active := p.active
	if size <= active.free() {
		p.account(size)
		return active.take(size), nil
	}

	// The node after active has the most free space left in the ring.
	n := active.next
	if n != active && size <= n.free() {
		n.unlink()
	} else {
		var err error
		if n, err = p.allocator.acquire(size); err != nil {
			return nil, err
		}
	}

	b := n.take(size)
	p.account(size)
	p.activate(n)
	return b, nil
}

// activate makes n, which is not in the ring, the active node and files the
// previous active node by its remaining free space.
func (p *Pool) activate(n *node) {
	prev := p.active
	n.freeIndex = 0
	n.insertBefore(prev)
	p.active = n

	boundary := p.allocator.boundary
	prev.freeIndex = (alignUp(prev.free()+1, boundary) - boundary) / boundary
	at := prev.next
	if prev.freeIndex >= at.freeIndex {
		return
	}
	// n has freeIndex 0, so the walk stops at the latest when it wraps to n.
	for prev.freeIndex < at.freeIndex {
		at = at.next
	}
	prev.unlink()
	prev.insertBefore(at)
}

func (p *Pool) account(size int) {
	p.used += size
	if p.used > p.peak {
		p.peak = p.used
	}
}

func (p *Pool) fail(err error) error {
	level.Error(p.logger).Log("msg", "pool allocation failed", "tag", p.tag, "err", err)
	if p.abort != nil {
		p.abort(err)
	}
	return err
}

// Clear destroys all child pools, runs all cleanups and makes the pool's
// memory available for reuse. The pool itself stays valid. Cleanup failures
// do not stop the teardown; they are returned together.
func (p *Pool) Clear() error {
	if p.destroyed {
		return ErrPoolDestroyed
	}
	errs := p.teardown()

	self := p.self
	p.active = self
	self.pos = p.selfPos
	self.freeIndex = 0
	if self.next != self {
		chain := self.next
		self.prev.next = nil
		self.next, self.prev = self, self
		p.allocator.release(chain)
	}
	p.used = 0
	return errs.Err()
}

// Destroy tears the pool down like Clear, detaches it from its parent and
// returns its memory to the allocator. If the pool owns its allocator, the
// allocator is destroyed too.
func (p *Pool) Destroy() error {
	if p.destroyed {
		return ErrPoolDestroyed
	}
	errs := p.teardown()

	if p.parent != nil {
		p.parent.unlink(p)
	}

	allocator := p.allocator
	self := p.self
	self.prev.next = nil
	allocator.release(self)
	if allocator.Owner() == p {
		allocator.Destroy()
	}
	allocator.metrics.poolsDestroyed.Inc()

	p.destroyed = true
	p.active, p.self, p.children, p.used = nil, nil, nil, 0
	return errs.Err()
}

func (p *Pool) teardown() multierror.MultiError {
	errs := multierror.New()
	p.runCleanups(&p.preCleanups, &errs)
	for p.children != nil && p.children.Len() > 0 {
		child := p.children.Front().Value.(*Pool)
		errs.Add(child.Destroy())
	}
	p.runCleanups(&p.cleanups, &errs)
	p.freeCleanups = nil
	p.freeSubprocesses()
	p.userData = nil
	if p.debug != nil {
		p.debug.reset()
	}
	return errs
}

// Parent returns the pool's parent, nil for a root pool.
func (p *Pool) Parent() *Pool {
	return p.parent
}

// Allocator returns the allocator the pool draws its nodes from.
func (p *Pool) Allocator() *Allocator {
	return p.allocator
}

// Abort returns the pool's out-of-memory handler.
func (p *Pool) Abort() AbortFunc {
	return p.abort
}

// SetAbort replaces the pool's out-of-memory handler.
func (p *Pool) SetAbort(fn AbortFunc) {
	p.abort = fn
}

// Tag returns the pool's diagnostic label.
func (p *Pool) Tag() string {
	return p.tag
}

// SetTag sets the pool's diagnostic label.
func (p *Pool) SetTag(tag string) {
	p.tag = tag
}

// Destroyed reports whether Destroy has been called.
func (p *Pool) Destroyed() bool {
	return p.destroyed
}

// SetUserData stores value under key until the pool is cleared. If cleanup is
// non-nil it is registered to run on value when the pool is cleared.
func (p *Pool) SetUserData(key string, value any, cleanup CleanupFunc) error {
	if p.destroyed {
		return ErrPoolDestroyed
	}
	if p.userData == nil {
		p.userData = make(map[string]any)
	}
	p.userData[key] = value
	if cleanup != nil {
		p.RegisterCleanup(value, cleanup, cleanup)
	}
	return nil
}

// UserData returns the value stored under key.
func (p *Pool) UserData(key string) (any, bool) {
	v, ok := p.userData[key]
	return v, ok
}

// IsAncestor reports whether a is b or one of b's ancestors. A nil a is an
// ancestor of every pool.
func IsAncestor(a, b *Pool) bool {
	if a == nil {
		return true
	}
	for ; b != nil; b = b.parent {
		if a == b {
			return true
		}
	}
	return false
}

// Len returns the number of bytes handed out since the last Clear.
func (p *Pool) Len() int {
	return p.used
}

// Cap returns the total size of the nodes the pool holds.
func (p *Pool) Cap() int {
	if p.self == nil {
		return 0
	}
	total := len(p.self.buf)
	for n := p.self.next; n != p.self; n = n.next {
		total += len(n.buf)
	}
	return total
}

// Peak returns the largest Len observed over the pool's lifetime.
func (p *Pool) Peak() int {
	return p.peak
}

// Nodes returns the number of nodes in the pool's ring.
func (p *Pool) Nodes() int {
	if p.self == nil {
		return 0
	}
	count := 1
	for n := p.self.next; n != p.self; n = n.next {
		count++
	}
	return count
}
