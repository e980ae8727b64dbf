//go:build !windows

package process

import (
	"errors"
	"fmt"
	"syscall"
)

// Terminate asks pid to exit with SIGTERM. The signal goes to the process
// group led by pid when there is one, so helper children exit too.
func Terminate(pid int) error { return signalGroup(pid, syscall.SIGTERM) }

// Kill sends SIGKILL to pid's group, falling back to pid itself.
func Kill(pid int) error { return signalGroup(pid, syscall.SIGKILL) }

// Alive reports whether pid exists. A process owned by another user counts.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return ErrNoProcess
	}
	err := syscall.Kill(-pid, sig)
	if err == nil {
		return nil
	}
	// not a group leader: signal the pid itself
	err = syscall.Kill(pid, sig)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ESRCH):
		return ErrNoProcess
	case errors.Is(err, syscall.EPERM):
		return fmt.Errorf("%w: pid %d: %v", ErrPermission, pid, err)
	}
	return err
}
