// Package process wraps the process-level primitives a forking daemon needs:
// starting workers, replacing the process image, signal dispositions,
// credential changes and child reaping.
package process

import (
	"os"
	"sort"
	"sync"
	"syscall"

	"github.com/containerd/errdefs"
	"github.com/moby/sys/reexec"
	"github.com/pkg/errors"
)

// MaxExecArgs is the largest number of arguments Exec accepts.
const MaxExecArgs = 30

// ErrTooManyArgs is returned by Exec when more than MaxExecArgs arguments
// are given.
var ErrTooManyArgs = errors.Wrapf(errdefs.ErrInvalidArgument, "more than %d arguments", MaxExecArgs)

// WaitStatus is the status of a waited-for child.
type WaitStatus = syscall.WaitStatus

// Exit describes a reaped child.
type Exit struct {
	Pid    int
	Status WaitStatus
}

// Env is an explicit process environment. A nil Env is an empty
// environment, not the ambient one.
type Env map[string]string

// List returns the environment as sorted KEY=value pairs. It never returns
// nil so that it can be assigned to exec.Cmd.Env without inheriting the
// parent's environment.
func (e Env) List() []string {
	l := make([]string, 0, len(e))
	for k, v := range e {
		l = append(l, k+"="+v)
	}
	sort.Strings(l)
	return l
}

// ForkOptions configures a forked worker.
type ForkOptions struct {
	// Args are passed to the initializer as os.Args[1:].
	Args []string
	Env  Env

	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
	// ExtraFiles appear in the child from fd 3 upward.
	ExtraFiles []*os.File
}

// GroupDB lists the groups a user belongs to. *identity.DB implements it.
type GroupDB interface {
	SupplementaryGroups(username string, gid int) ([]int, error)
}

var (
	initializersMu sync.Mutex
	initializers   = map[string]struct{}{}
)

// Register makes initializer runnable in a child started with Fork(name, ...).
func Register(name string, initializer func()) {
	reexec.Register(name, initializer)

	initializersMu.Lock()
	initializers[name] = struct{}{}
	initializersMu.Unlock()
}

// registered reports whether name was passed to Register. A child forked
// under any other name would fall through to main.
func registered(name string) bool {
	initializersMu.Lock()
	defer initializersMu.Unlock()
	_, ok := initializers[name]
	return ok
}

// Init runs the initializer the current process was forked into, if any.
// It must be the first thing main does; when it returns true the caller
// should exit.
func Init() bool {
	return reexec.Init()
}

// ExitNow terminates the process immediately without running deferred calls.
func ExitNow(code int) {
	os.Exit(code)
}

func checkPid(pid int) error {
	if pid <= 0 {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "invalid pid %d", pid)
	}
	return nil
}

func notImplemented(op string) error {
	return errors.Wrapf(errdefs.ErrNotImplemented, "%s is not supported on this platform", op)
}
