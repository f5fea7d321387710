//go:build !windows

package process

import "golang.org/x/sys/unix"

// InstallChildStopHandler installs d for SIGCHLD.
func InstallChildStopHandler(d Disposition) (*Trap, error) {
	return InstallHandler(unix.SIGCHLD, d)
}
