//go:build !unix

package worker

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

// TODO: Use a Windows job object so grandchildren are killed with the job.
func killProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}

	return cmd.Process.Kill()
}
