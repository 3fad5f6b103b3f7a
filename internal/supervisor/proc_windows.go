//go:build windows

package supervisor

import "os/exec"

func configureWorkerProcess(cmd *exec.Cmd) {}

// Windows has no graceful signal; both paths kill outright.
func signalWorkerProcess(cmd *exec.Cmd) error {
	return killWorkerProcess(cmd)
}

func killWorkerProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
