//go:build !unix

package stream

import "os/exec"

func suspendProcess(_ *exec.Cmd) error {
	return ErrSuspendUnsupported
}

func continueProcess(_ *exec.Cmd) error {
	return ErrSuspendUnsupported
}

func terminateProcess(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
