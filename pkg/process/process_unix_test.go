//go:build !windows

package process

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/osglue/osglue/pkg/identity"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"
	"gotest.tools/v3/poll"
	"gotest.tools/v3/skip"
)

func init() {
	Register("process-test-exit", func() {
		code, _ := strconv.Atoi(os.Args[1])
		ExitNow(code)
	})
	Register("process-test-exec", func() {
		if err := Exec("sh", []string{"sh", "-c", os.Args[1]}, nil); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		ExitNow(127)
	})
	Register("process-test-env", func() {
		fmt.Print(strings.Join(os.Environ(), "\n"))
		ExitNow(0)
	})
	Register("process-test-extra", func() {
		f := os.NewFile(3, "extra")
		_, _ = f.WriteString("from fd 3")
		ExitNow(0)
	})
	Register("process-test-sleep", func() {
		time.Sleep(time.Minute)
		ExitNow(0)
	})
	Register("process-test-drop", func() {
		uid, _ := strconv.Atoi(os.Args[2])
		gid, _ := strconv.Atoi(os.Args[3])
		db := &identity.DB{GroupPath: os.Args[4]}
		if err := DropPrivileges(db, identity.User{Name: os.Args[1], Uid: uid, Gid: gid}); err != nil {
			fmt.Fprintln(os.Stderr, err)
			ExitNow(1)
		}
		groups, _ := unix.Getgroups()
		sort.Ints(groups)
		fmt.Printf("%d %d %v", unix.Getuid(), unix.Getgid(), groups)
		ExitNow(0)
	})
	Register("process-test-drop-order", func() {
		if err := DropUser(65534); err != nil {
			ExitNow(1)
		}
		// Once the uid is gone, changing to another group must fail.
		err := DropGroup(65534)
		if err == nil {
			ExitNow(2)
		}
		if !errors.Is(err, unix.EPERM) {
			fmt.Fprintln(os.Stderr, err)
			ExitNow(3)
		}
		ExitNow(0)
	})
}

func forkAndWait(t *testing.T, name string, opts ForkOptions) WaitStatus {
	t.Helper()
	pid, err := Fork(name, opts)
	assert.NilError(t, err)
	assert.Check(t, pid > 0)
	ws, err := WaitFor(pid)
	assert.NilError(t, err)
	return ws
}

func forkOutput(t *testing.T, name string, opts ForkOptions) (string, WaitStatus) {
	t.Helper()
	r, w, err := os.Pipe()
	assert.NilError(t, err)
	defer r.Close()
	opts.Stdout = w
	pid, err := Fork(name, opts)
	w.Close()
	assert.NilError(t, err)
	out, err := io.ReadAll(r)
	assert.NilError(t, err)
	ws, err := WaitFor(pid)
	assert.NilError(t, err)
	return string(out), ws
}

func TestForkExitStatus(t *testing.T) {
	ws := forkAndWait(t, "process-test-exit", ForkOptions{Args: []string{"3"}})
	assert.Check(t, ws.Exited())
	assert.Check(t, is.Equal(ws.ExitStatus(), 3))
}

func TestForkThenExec(t *testing.T) {
	ws := forkAndWait(t, "process-test-exec", ForkOptions{Args: []string{"exit 7"}})
	assert.Check(t, ws.Exited())
	assert.Check(t, is.Equal(ws.ExitStatus(), 7))
}

func TestForkUnregisteredName(t *testing.T) {
	pid, err := Fork("process-test-unregistered", ForkOptions{})
	assert.Check(t, errdefs.IsNotFound(err), "unexpected error: %v", err)
	assert.Check(t, is.Equal(pid, -1))

	_, ok, err := ReapNonBlocking()
	assert.NilError(t, err)
	assert.Check(t, !ok)
}

func TestForkExplicitEnv(t *testing.T) {
	t.Setenv("OSGLUE_AMBIENT", "leaked")

	out, ws := forkOutput(t, "process-test-env", ForkOptions{Env: Env{"FOO": "bar"}})
	assert.Check(t, is.Equal(ws.ExitStatus(), 0))
	assert.Check(t, is.Equal(out, "FOO=bar"))

	out, _ = forkOutput(t, "process-test-env", ForkOptions{})
	assert.Check(t, is.Equal(out, ""))
}

func TestForkExtraFiles(t *testing.T) {
	r, w, err := os.Pipe()
	assert.NilError(t, err)
	defer r.Close()

	pid, err := Fork("process-test-extra", ForkOptions{ExtraFiles: []*os.File{w}})
	w.Close()
	assert.NilError(t, err)

	out, err := io.ReadAll(r)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(out), "from fd 3"))
	_, err = WaitFor(pid)
	assert.NilError(t, err)
}

func TestTerminate(t *testing.T) {
	pid, err := Fork("process-test-sleep", ForkOptions{})
	assert.NilError(t, err)
	assert.Check(t, Alive(pid))

	assert.NilError(t, Terminate(pid))
	ws, err := WaitFor(pid)
	assert.NilError(t, err)
	assert.Check(t, ws.Signaled())
	assert.Check(t, is.Equal(ws.Signal(), unix.SIGTERM))

	_, err = WaitFor(pid)
	assert.Check(t, errors.Is(err, unix.ECHILD), "unexpected error: %v", err)
}

func TestReapNonBlockingNothingReady(t *testing.T) {
	_, ok, err := ReapNonBlocking()
	assert.NilError(t, err)
	assert.Check(t, !ok)

	pid, err := Fork("process-test-sleep", ForkOptions{})
	assert.NilError(t, err)
	defer func() {
		_ = Terminate(pid)
		_, _ = WaitFor(pid)
	}()

	_, ok, err = ReapNonBlocking()
	assert.NilError(t, err)
	assert.Check(t, !ok)
}

func TestChildStopHandlerReaps(t *testing.T) {
	exits := make(chan Exit, 4)
	var reaped Flag
	trap, err := InstallChildStopHandler(Disposition{Reap: true, Exits: exits, Flag: &reaped})
	assert.NilError(t, err)
	defer trap.Stop()

	pid, err := Fork("process-test-exit", ForkOptions{Args: []string{"5"}})
	assert.NilError(t, err)

	select {
	case e := <-exits:
		assert.Check(t, is.Equal(e.Pid, pid))
		assert.Check(t, is.Equal(e.Status.ExitStatus(), 5))
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for child to be reaped")
	}
	<-reaped.Done()
	assert.Check(t, reaped.IsSet())

	_, err = WaitFor(pid)
	assert.Check(t, errors.Is(err, unix.ECHILD))
}

func TestChildStopHandlerCountsDroppedExits(t *testing.T) {
	// Nobody receives from exits, so every reaped child is dropped.
	exits := make(chan Exit)
	var dropped atomic.Uint64
	trap, err := InstallChildStopHandler(Disposition{Reap: true, Exits: exits, Dropped: &dropped})
	assert.NilError(t, err)
	defer trap.Stop()

	pid, err := Fork("process-test-exit", ForkOptions{Args: []string{"0"}})
	assert.NilError(t, err)

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if n := dropped.Load(); n != 1 {
			return poll.Continue("dropped exits: %d", n)
		}
		return poll.Success()
	}, poll.WithTimeout(10*time.Second))
	assert.Check(t, !Alive(pid))
}

func TestInstallHandlerSetsFlag(t *testing.T) {
	var f Flag
	trap, err := InstallHandler(unix.SIGUSR1, Disposition{Flag: &f})
	assert.NilError(t, err)

	assert.NilError(t, unix.Kill(os.Getpid(), unix.SIGUSR1))
	select {
	case <-f.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for flag")
	}
	trap.Stop()
	trap.Stop()
}

func TestExecTooManyArgs(t *testing.T) {
	args := make([]string, MaxExecArgs+1)
	for i := range args {
		args[i] = "x"
	}
	err := Exec("true", args, nil)
	assert.Check(t, errors.Is(err, ErrTooManyArgs), "unexpected error: %v", err)
	assert.Check(t, errdefs.IsInvalidArgument(err))
}

func TestExecNotFound(t *testing.T) {
	err := Exec("osglue-no-such-program", nil, Env{"PATH": t.TempDir()})
	assert.Check(t, errdefs.IsNotFound(err), "unexpected error: %v", err)

	dir := fs.NewDir(t, "exec", fs.WithFile("plain", "not executable", fs.WithMode(0o644)))
	defer dir.Remove()
	err = Exec(dir.Join("plain"), nil, nil)
	assert.Check(t, errors.Is(err, unix.EACCES), "unexpected error: %v", err)
}

func TestLookPath(t *testing.T) {
	dir := fs.NewDir(t, "lookpath",
		fs.WithFile("prog", "#!/bin/sh\n", fs.WithMode(0o755)),
		fs.WithDir("sub"),
	)
	defer dir.Remove()

	p, err := lookPath("prog", Env{"PATH": "/nonexistent:" + dir.Path()})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(p, dir.Join("prog")))

	_, err = lookPath("sub", Env{"PATH": dir.Path()})
	assert.Check(t, errdefs.IsNotFound(err))

	p, err = lookPath("sh", nil)
	assert.NilError(t, err)
	assert.Check(t, strings.HasSuffix(p, "/sh"))
}

func TestDropPrivileges(t *testing.T) {
	skip.If(t, os.Getuid() != 0, "requires root")

	group := fs.NewFile(t, "group", fs.WithContent("root:x:0:\nnogroup:x:65534:\ntsusers:x:1500:osglue-test\n"))
	defer group.Remove()

	out, ws := forkOutput(t, "process-test-drop", ForkOptions{
		Args: []string{"osglue-test", "65534", "65534", group.Path()},
	})
	assert.Check(t, is.Equal(ws.ExitStatus(), 0))
	assert.Check(t, is.Equal(out, "65534 65534 [1500 65534]"))
}

func TestDropUserBeforeGroupFails(t *testing.T) {
	skip.If(t, os.Getuid() != 0, "requires root")

	ws := forkAndWait(t, "process-test-drop-order", ForkOptions{})
	assert.Check(t, is.Equal(ws.ExitStatus(), 0))
}
