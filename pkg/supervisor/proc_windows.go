//go:build windows

package supervisor

import (
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// terminate has no polite variant on windows.
func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func kill(cmd *exec.Cmd) {
	cmd.Process.Kill()
}
