// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package arena

import (
	"github.com/pkg/errors"
)

// Exec is not supported on this platform.
func (r *Runtime) Exec(argv0 string, _, _ []string) error {
	return errors.Errorf("exec %s: not supported on this platform", argv0)
}
