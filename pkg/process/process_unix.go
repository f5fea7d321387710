//go:build !windows

package process

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/containerd/errdefs"
	"github.com/moby/sys/reexec"
	"github.com/osglue/osglue/pkg/identity"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultPath is searched by Exec when the environment carries no PATH.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Fork starts a copy of the current binary running the initializer
// registered under name and returns its pid. The child is not waited for;
// reap it with WaitFor or ReapNonBlocking. An unregistered name is an
// errdefs.ErrNotFound error and starts nothing.
func Fork(name string, opts ForkOptions) (int, error) {
	if !registered(name) {
		return -1, errors.Wrapf(errdefs.ErrNotFound, "fork %s: no initializer registered", name)
	}
	cmd := reexec.Command(append([]string{name}, opts.Args...)...)
	cmd.Env = opts.Env.List()
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	cmd.ExtraFiles = opts.ExtraFiles
	if err := cmd.Start(); err != nil {
		return -1, errors.Wrapf(err, "fork %s", name)
	}
	pid := cmd.Process.Pid
	// The pid is reaped through wait4 directly, not through os.Process.
	_ = cmd.Process.Release()
	return pid, nil
}

// Exec replaces the current process image. A path without a slash is
// searched for in the PATH of env, or DefaultPath when env has none. args
// is the full argv including argv[0]; when empty, argv is just path.
func Exec(path string, args []string, env Env) error {
	if len(args) > MaxExecArgs {
		return errors.Wrapf(ErrTooManyArgs, "exec %s: %d arguments", path, len(args))
	}
	argv0, err := lookPath(path, env)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		args = []string{path}
	}
	return os.NewSyscallError("execve", unix.Exec(argv0, args, env.List()))
}

func lookPath(file string, env Env) (string, error) {
	if strings.Contains(file, "/") {
		if err := executable(file); err != nil {
			return "", errors.Wrapf(err, "exec %s", file)
		}
		return file, nil
	}
	path, ok := env["PATH"]
	if !ok {
		path = DefaultPath
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			dir = "."
		}
		p := filepath.Join(dir, file)
		if executable(p) == nil {
			return p, nil
		}
	}
	return "", errors.Wrapf(errdefs.ErrNotFound, "exec %s: executable file not found in %s", file, path)
}

func executable(p string) error {
	fi, err := os.Stat(p)
	if err != nil {
		return err
	}
	if fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
		return &os.PathError{Op: "exec", Path: p, Err: unix.EACCES}
	}
	return nil
}

// ReapNonBlocking collects one exited child, if any. ok is false and err is
// nil when no child is ready, including when there are no children at all.
func ReapNonBlocking() (e Exit, ok bool, err error) {
	var ws unix.WaitStatus
	pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
	switch {
	case err == unix.ECHILD, err == unix.EINTR:
		return Exit{}, false, nil
	case err != nil:
		return Exit{}, false, os.NewSyscallError("wait4", err)
	case pid <= 0:
		return Exit{}, false, nil
	}
	return Exit{Pid: pid, Status: syscall.WaitStatus(ws)}, true, nil
}

// WaitFor blocks until the child pid exits and returns its status.
func WaitFor(pid int) (WaitStatus, error) {
	if err := checkPid(pid); err != nil {
		return 0, err
	}
	for {
		var ws unix.WaitStatus
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, os.NewSyscallError("wait4", err)
		}
		return syscall.WaitStatus(ws), nil
	}
}

// Terminate sends SIGTERM to pid.
func Terminate(pid int) error {
	return Signal(pid, unix.SIGTERM)
}

// Signal sends sig to pid. Non-positive pids are rejected so that a
// sentinel never addresses a process group.
func Signal(pid int, sig syscall.Signal) error {
	if err := checkPid(pid); err != nil {
		return err
	}
	return os.NewSyscallError("kill", unix.Kill(pid, sig))
}

// Alive checks pid with signal 0. Zero and negative values address process
// groups rather than a single process, so they are never alive.
func Alive(pid int) bool {
	if pid < 1 {
		return false
	}
	switch err := unix.Kill(pid, 0); err {
	case nil, unix.EPERM:
		// EPERM means the process exists but belongs to another user.
		return true
	default:
		return false
	}
}

// DropGroup sets the real and effective group id of the process. It must
// be called before DropUser.
func DropGroup(gid int) error {
	return os.NewSyscallError("setgid", syscall.Setgid(gid))
}

// DropUser sets the real and effective user id of the process.
func DropUser(uid int) error {
	return os.NewSyscallError("setuid", syscall.Setuid(uid))
}

// InitSupplementaryGroups installs gid and every group listing username as
// the supplementary group list.
func InitSupplementaryGroups(db GroupDB, username string, gid int) error {
	gids, err := db.SupplementaryGroups(username, gid)
	if err != nil {
		return err
	}
	return os.NewSyscallError("setgroups", syscall.Setgroups(gids))
}

// DropPrivileges switches the process to u: supplementary groups, then
// group, then user.
func DropPrivileges(db GroupDB, u identity.User) error {
	if err := InitSupplementaryGroups(db, u.Name, u.Gid); err != nil {
		return errors.Wrapf(err, "initgroups %s", u.Name)
	}
	if err := DropGroup(u.Gid); err != nil {
		return errors.Wrapf(err, "dropping to gid %d", u.Gid)
	}
	if err := DropUser(u.Uid); err != nil {
		return errors.Wrapf(err, "dropping to uid %d", u.Uid)
	}
	return nil
}
