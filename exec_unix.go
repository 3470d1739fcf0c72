// SPDX-License-Identifier: Apache-2.0

//go:build unix

package arena

import (
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Exec runs the exec cleanups of the whole pool tree and replaces the
// process image with argv0. It only returns on failure.
func (r *Runtime) Exec(argv0 string, argv, envv []string) error {
	if err := r.CleanupForExec(); err != nil {
		level.Warn(r.logger).Log("msg", "exec cleanups failed", "err", err)
	}
	return errors.Wrapf(unix.Exec(argv0, argv, envv), "exec %s", argv0)
}
