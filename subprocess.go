// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"os"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
)

// KillHow says what happens to a noted subprocess when its pool is cleared.
type KillHow int

const (
	// KillNever leaves the process alone.
	KillNever KillHow = iota
	// KillAlways sends SIGKILL and waits for the process.
	KillAlways
	// KillAfterTimeout sends SIGTERM, waits up to SubprocessTimeout, then
	// sends SIGKILL and waits.
	KillAfterTimeout
	// JustWait waits for the process to exit by itself.
	JustWait
	// KillOnlyOnce sends SIGTERM and waits.
	KillOnlyOnce
)

// SubprocessTimeout bounds how long KillAfterTimeout processes are given to
// exit after SIGTERM.
var SubprocessTimeout = 3 * time.Second

type subprocess struct {
	proc *os.Process
	how  KillHow
	done chan struct{}
	next *subprocess
}

// NoteSubprocess ties proc to the pool: when the pool is cleared or destroyed
// the process is signalled according to how and reaped.
func (p *Pool) NoteSubprocess(proc *os.Process, how KillHow) {
	if p.destroyed || proc == nil {
		return
	}
	p.subprocesses = &subprocess{proc: proc, how: how, next: p.subprocesses}
}

func (p *Pool) freeSubprocesses() {
	procs := p.subprocesses
	if procs == nil {
		return
	}
	p.subprocesses = nil

	for sp := procs; sp != nil; sp = sp.next {
		if sp.how == KillNever {
			continue
		}
		sp.done = make(chan struct{})
		go func(sp *subprocess) {
			_, _ = sp.proc.Wait()
			close(sp.done)
		}(sp)
	}

	needTimeout := false
	for sp := procs; sp != nil; sp = sp.next {
		switch sp.how {
		case KillAfterTimeout, KillOnlyOnce:
			if !sp.exited() {
				p.signal(sp, syscall.SIGTERM)
				needTimeout = needTimeout || sp.how == KillAfterTimeout
			}
		case KillAlways:
			p.signal(sp, syscall.SIGKILL)
		}
	}

	if needTimeout {
		deadline := time.NewTimer(SubprocessTimeout)
		defer deadline.Stop()
	wait:
		for sp := procs; sp != nil; sp = sp.next {
			if sp.how != KillAfterTimeout {
				continue
			}
			select {
			case <-sp.done:
			case <-deadline.C:
				break wait
			}
		}
		for sp := procs; sp != nil; sp = sp.next {
			if sp.how == KillAfterTimeout && !sp.exited() {
				p.signal(sp, syscall.SIGKILL)
			}
		}
	}

	for sp := procs; sp != nil; sp = sp.next {
		if sp.done != nil {
			<-sp.done
		}
	}
}

func (sp *subprocess) exited() bool {
	select {
	case <-sp.done:
		return true
	default:
		return false
	}
}

func (p *Pool) signal(sp *subprocess, sig os.Signal) {
	if err := sp.proc.Signal(sig); err != nil && err != os.ErrProcessDone {
		level.Warn(p.logger).Log("msg", "failed to signal subprocess", "pid", sp.proc.Pid, "signal", sig, "err", err)
	}
}
