//go:build windows

package executor

import "os/exec"

// setupProcessGroup is a no-op on Windows, which has no Unix-style process
// groups.
func setupProcessGroup(_ *exec.Cmd) {}

// killProcessGroup kills the command process on Windows.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
