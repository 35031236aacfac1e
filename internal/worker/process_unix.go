//go:build unix

package worker

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the job in its own process group so a timeout kill
// also reaches anything the job spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}

	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}

	return nil
}
