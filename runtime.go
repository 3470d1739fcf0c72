// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"github.com/prometheus/client_golang/prometheus"
)

// Runtime owns a root pool that is the implicit parent of every pool created
// without one. Initialize and Terminate are reference counted: only the first
// Initialize creates the root and only the matching last Terminate destroys
// it, together with every pool still hanging off it.
type Runtime struct {
	mtx  sync.Mutex
	refs int
	root *Pool

	logger        log.Logger
	metrics       *Metrics
	allocatorOpts []AllocatorOption
	poolOpts      []Option
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeLogger sets the logger inherited by every pool of the runtime.
func WithRuntimeLogger(logger log.Logger) RuntimeOption {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// WithRegisterer registers the runtime's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) RuntimeOption {
	return func(r *Runtime) {
		r.metrics = NewMetrics(reg)
	}
}

// WithRootAllocatorOptions configures the root pool's allocator. The root
// allocator is thread-safe unless these options say otherwise.
func WithRootAllocatorOptions(opts ...AllocatorOption) RuntimeOption {
	return func(r *Runtime) {
		r.allocatorOpts = append(r.allocatorOpts, opts...)
	}
}

// WithRootPoolOptions configures the root pool itself.
func WithRootPoolOptions(opts ...Option) RuntimeOption {
	return func(r *Runtime) {
		r.poolOpts = append(r.poolOpts, opts...)
	}
}

// NewRuntime returns an uninitialized runtime.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		logger:  log.NewNopLogger(),
		metrics: unregisteredMetrics,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initialize creates the root pool on first call and otherwise only counts
// the reference.
func (r *Runtime) Initialize() error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.refs > 0 {
		r.refs++
		return nil
	}

	allocatorOpts := append([]AllocatorOption{
		WithThreadSafe(),
		WithAllocatorMetrics(r.metrics),
	}, r.allocatorOpts...)
	poolOpts := append([]Option{
		WithTag("root"),
		WithLogger(r.logger),
		WithPrivateAllocator(allocatorOpts...),
	}, r.poolOpts...)

	root, err := newPool(nil, poolOpts)
	if err != nil {
		return err
	}
	r.root = root
	r.refs = 1
	level.Debug(r.logger).Log("msg", "runtime initialized")
	return nil
}

// Terminate drops a reference. The last one destroys the root pool and all
// of its descendants.
func (r *Runtime) Terminate() error {
	r.mtx.Lock()
	if r.refs == 0 {
		r.mtx.Unlock()
		return nil
	}
	r.refs--
	if r.refs > 0 {
		r.mtx.Unlock()
		return nil
	}
	root := r.root
	r.root = nil
	r.mtx.Unlock()

	// Cleanups may call back into the runtime, so the root is destroyed
	// without holding the lock.
	err := root.Destroy()
	level.Debug(r.logger).Log("msg", "runtime terminated", "err", err)
	return err
}

// Root returns the root pool.
func (r *Runtime) Root() (*Pool, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.root == nil {
		return nil, ErrNotInitialized
	}
	return r.root, nil
}

// Create makes a new child of the root pool.
func (r *Runtime) Create(opts ...Option) (*Pool, error) {
	root, err := r.Root()
	if err != nil {
		return nil, err
	}
	return newPool(root, opts)
}

// CleanupForExec runs the exec cleanup of every registration in the pool
// tree and forgets them, leaving all memory and pools in place. It is meant
// to run once, right before the process image is replaced.
func (r *Runtime) CleanupForExec() error {
	root, err := r.Root()
	if err != nil {
		return err
	}
	errs := multierror.New()
	root.cleanupForExec(&errs)
	return errs.Err()
}

var defaultRuntime = NewRuntime()

// Default returns the runtime behind the package-level functions.
func Default() *Runtime {
	return defaultRuntime
}

// Initialize initializes the default runtime.
func Initialize() error {
	return defaultRuntime.Initialize()
}

// Terminate terminates the default runtime.
func Terminate() error {
	return defaultRuntime.Terminate()
}

// CleanupForExec runs the exec cleanups of the default runtime.
func CleanupForExec() error {
	return defaultRuntime.CleanupForExec()
}
