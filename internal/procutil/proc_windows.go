//go:build windows

package procutil

import "os"

// Alive reports whether a process with the given pid currently exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// On Windows FindProcess opens a handle and fails for dead pids.
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}

// Kill force-terminates the process with the given pid.
func Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	defer p.Release()
	return p.Kill()
}

// Terminate has no graceful form on Windows; it kills outright.
func Terminate(pid int) error {
	return Kill(pid)
}
