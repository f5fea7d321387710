package process

import (
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// ClearSignalMask unblocks every signal on the calling thread. The calling
// goroutine is locked to its thread and stays locked, so a following Exec
// starts with an empty mask.
func ClearSignalMask() error {
	runtime.LockOSThread()
	var empty unix.Sigset_t
	return os.NewSyscallError("pthread_sigmask", unix.PthreadSigmask(unix.SIG_SETMASK, &empty, nil))
}
