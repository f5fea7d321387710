// Package pidfile records the pid of a running daemon in a file and refuses
// to overwrite the record of one that is still alive.
package pidfile

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/osglue/osglue/pkg/process"
	"github.com/pkg/errors"
)

// Read returns the pid stored at path if that process is running, and 0
// otherwise. A missing or unreadable file is an error; malformed content
// is not.
func Read(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(string(bytes.TrimSpace(b)))
	if err != nil {
		return 0, nil
	}
	if pid != 0 && process.Alive(pid) {
		return pid, nil
	}
	return 0, nil
}

// Write stores pid at path, creating the parent directory if needed. It
// fails if path names another live process.
func Write(path string, pid int) error {
	if pid < 1 {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "invalid pid %d", pid)
	}
	old, err := Read(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if old != 0 && old != pid {
		return errors.Wrapf(errdefs.ErrConflict, "process with pid %d is still running", old)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

// Remove deletes the pid file; a missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
