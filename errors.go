// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"github.com/pkg/errors"
)

var (
	// ErrOutOfMemory is returned whenever the underlying heap cannot satisfy a
	// block request. It is the only allocation failure a pool reports.
	ErrOutOfMemory = errors.New("arena: out of memory")

	// ErrPoolDestroyed is returned by operations on a pool after Destroy.
	ErrPoolDestroyed = errors.New("arena: pool destroyed")

	// ErrNotInitialized is returned when a pool is created without a parent
	// before the runtime has been initialized.
	ErrNotInitialized = errors.New("arena: runtime not initialized")

	// ErrNegativeSize is returned for allocation requests below zero bytes.
	ErrNegativeSize = errors.New("arena: negative allocation size")
)

// AbortFunc is invoked when a pool fails to obtain memory. It may terminate the
// process or panic; if it returns, the allocating call still fails with err.
type AbortFunc func(err error)
