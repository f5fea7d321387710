//go:build !windows

package sockets

import (
	"os"
	"syscall"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NewTCPSocket creates an IPv4 stream socket with Nagle's algorithm
// disabled, address reuse enabled and a 16 KiB send buffer. On failure it
// returns [NoHandle] and the platform error.
func NewTCPSocket(opts ...Option) (Handle, error) {
	o := newSocketOptions(opts)
	fd, err := socket(unix.AF_INET)
	if err != nil {
		return NoHandle, err
	}
	for _, opt := range []struct {
		name          string
		level, option int
		value         int
	}{
		{"setsockopt TCP_NODELAY", unix.IPPROTO_TCP, unix.TCP_NODELAY, 1},
		{"setsockopt SO_REUSEADDR", unix.SOL_SOCKET, unix.SO_REUSEADDR, 1},
		{"setsockopt SO_SNDBUF", unix.SOL_SOCKET, unix.SO_SNDBUF, o.sendBuffer},
	} {
		if err := unix.SetsockoptInt(fd, opt.level, opt.option, opt.value); err != nil {
			_ = unix.Close(fd)
			return NoHandle, os.NewSyscallError(opt.name, err)
		}
	}
	return Handle(fd), nil
}

// NewLocalSocket creates a Unix-domain stream socket.
func NewLocalSocket() (Handle, error) {
	fd, err := socket(unix.AF_UNIX)
	if err != nil {
		return NoHandle, err
	}
	return Handle(fd), nil
}

// socket creates a close-on-exec stream socket. Handles reach forked
// workers only when passed explicitly.
func socket(family int) (int, error) {
	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	unix.CloseOnExec(fd)
	return fd, nil
}

func connect4(h Handle, ip [4]byte, port int) error {
	return os.NewSyscallError("connect", unix.Connect(int(h), &unix.SockaddrInet4{Port: port, Addr: ip}))
}

// Bind binds h to port on all interfaces.
func Bind(h Handle, port string) error {
	p, err := parsePort(port)
	if err != nil {
		return err
	}
	return os.NewSyscallError("bind", unix.Bind(int(h), &unix.SockaddrInet4{Port: p}))
}

// BindLocal binds a Unix-domain socket to path. A path that does not fit
// in sun_path fails with EINVAL rather than being truncated.
func BindLocal(h Handle, path string) error {
	return os.NewSyscallError("bind", unix.Bind(int(h), &unix.SockaddrUnix{Name: path}))
}

// Listen marks h passive with [DefaultBacklog].
func Listen(h Handle) error {
	return ListenBacklog(h, DefaultBacklog)
}

// ListenBacklog marks h passive with the given backlog.
func ListenBacklog(h Handle, backlog int) error {
	return os.NewSyscallError("listen", unix.Listen(int(h), backlog))
}

// Accept blocks until a connection arrives on h and returns its handle.
func Accept(h Handle) (Handle, error) {
	syscall.ForkLock.RLock()
	nfd, _, err := unix.Accept(int(h))
	if err == nil {
		unix.CloseOnExec(nfd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return NoHandle, os.NewSyscallError("accept", err)
	}
	return Handle(nfd), nil
}

// SetNonBlocking switches h to non-blocking mode. Subsequent [Recv] and
// [Send] calls that would block fail with an error matched by [IsWouldBlock].
func SetNonBlocking(h Handle) error {
	return os.NewSyscallError("setnonblock", unix.SetNonblock(int(h), true))
}

// Recv reads from h into buf with the given MSG_* flags.
func Recv(h Handle, buf []byte, flags int) (int, error) {
	n, _, err := unix.Recvfrom(int(h), buf, flags)
	if err != nil {
		return -1, os.NewSyscallError("recv", err)
	}
	return n, nil
}

// Send writes buf to h with the given MSG_* flags and returns the number of
// bytes the kernel accepted.
func Send(h Handle, buf []byte, flags int) (int, error) {
	n, err := unix.SendmsgN(int(h), buf, nil, nil, flags)
	if err != nil {
		return -1, os.NewSyscallError("send", err)
	}
	return n, nil
}

// IsWouldBlock reports whether err is the "operation would block" condition
// of a non-blocking socket.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// PollTwo checks, without waiting, whether a and/or b have data to read.
// Handles <= 0 are left out; when both are left out it returns 0 without
// entering the kernel. A hang-up or pending error counts as readable since
// the next read will not block.
func PollTwo(a, b Handle) (Ready, error) {
	var (
		fds  [2]unix.PollFd
		bits [2]Ready
		n    int
	)
	for _, c := range [2]struct {
		h   Handle
		bit Ready
	}{{a, ReadyFirst}, {b, ReadySecond}} {
		if !c.h.Valid() {
			continue
		}
		fds[n] = unix.PollFd{Fd: int32(c.h), Events: unix.POLLIN}
		bits[n] = c.bit
		n++
	}
	if n == 0 {
		return 0, nil
	}

	if _, err := unix.Poll(fds[:n], 0); err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("poll", err)
	}

	var r Ready
	for i := 0; i < n; i++ {
		ev := fds[i].Revents
		if ev&unix.POLLNVAL != 0 {
			return 0, os.NewSyscallError("poll", unix.EBADF)
		}
		if ev&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			r |= bits[i]
		}
	}
	return r, nil
}

// Close shuts down both directions of h and closes it, so a peer blocked
// on the connection is released immediately. Close is a no-op for handles
// <= 0.
func Close(h Handle) error {
	if !h.Valid() {
		return nil
	}
	if err := unix.Shutdown(int(h), unix.SHUT_RDWR); err != nil && err != unix.ENOTCONN {
		_ = unix.Close(int(h))
		return os.NewSyscallError("shutdown", err)
	}
	return os.NewSyscallError("close", unix.Close(int(h)))
}

// LocalPort returns the port a TCP handle is bound to.
func LocalPort(h Handle) (int, error) {
	sa, err := unix.Getsockname(int(h))
	if err != nil {
		return 0, os.NewSyscallError("getsockname", err)
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return sa.Port, nil
	case *unix.SockaddrInet6:
		return sa.Port, nil
	default:
		return 0, notImplemented("LocalPort for non-TCP sockets")
	}
}

// Inherited returns the listening sockets passed in by a service manager
// through socket activation (LISTEN_FDS). The activation variables are
// cleared so workers do not inherit them.
func Inherited() ([]Handle, error) {
	files := activation.Files(true)
	handles := make([]Handle, 0, len(files))
	for _, f := range files {
		// Keep the descriptor; f is only a view onto it.
		fd, err := unix.Dup(int(f.Fd()))
		_ = f.Close()
		if err != nil {
			return handles, os.NewSyscallError("dup", err)
		}
		unix.CloseOnExec(fd)
		handles = append(handles, Handle(fd))
	}
	return handles, nil
}
