package process

import (
	"syscall"

	"github.com/osglue/osglue/pkg/identity"
	"golang.org/x/sys/windows"
)

// Windows has no fork, no uid/gid credentials and no SIGCHLD; those
// operations report errdefs.ErrNotImplemented.

func Fork(name string, _ ForkOptions) (int, error) { return -1, notImplemented("Fork") }

func Exec(string, []string, Env) error { return notImplemented("Exec") }

func ReapNonBlocking() (Exit, bool, error) { return Exit{}, false, nil }

func WaitFor(pid int) (WaitStatus, error) {
	if err := checkPid(pid); err != nil {
		return WaitStatus{}, err
	}
	return WaitStatus{}, notImplemented("WaitFor")
}

func Terminate(pid int) error { return Signal(pid, syscall.SIGTERM) }

func Signal(pid int, _ syscall.Signal) error {
	if err := checkPid(pid); err != nil {
		return err
	}
	return notImplemented("Signal")
}

// Alive reports whether a process with the given pid exists.
func Alive(pid int) bool {
	if pid < 1 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == 259 // STILL_ACTIVE
}

func DropGroup(int) error { return notImplemented("DropGroup") }

func DropUser(int) error { return notImplemented("DropUser") }

func InitSupplementaryGroups(GroupDB, string, int) error {
	return notImplemented("InitSupplementaryGroups")
}

func DropPrivileges(GroupDB, identity.User) error { return notImplemented("DropPrivileges") }

func InstallChildStopHandler(Disposition) (*Trap, error) {
	return nil, notImplemented("InstallChildStopHandler")
}
