//go:build !windows

package main

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var shutdownSignals = []os.Signal{unix.SIGINT, unix.SIGTERM}

func defaultDaemonConfigFile() string {
	return "/etc/osglue/osglued.json"
}

// setDefaultUmask sets the umask to 0022 so the pid file and Unix-domain
// socket get predictable permissions.
func setDefaultUmask() error {
	desiredUmask := 0o022
	unix.Umask(desiredUmask)
	if umask := unix.Umask(desiredUmask); umask != desiredUmask {
		return errors.Errorf("failed to set umask: expected %#o, got %#o", desiredUmask, umask)
	}
	return nil
}
