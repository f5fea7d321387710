package sockets

import (
	"os"
	"sync"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// TCP sockets are backed by Winsock. Unix-domain sockets and socket
// activation are not available; those operations report
// errdefs.ErrNotImplemented.

const (
	fionbio = 0x8004667e

	pollErr    = 0x0001
	pollHup    = 0x0002
	pollNval   = 0x0004
	pollRdNorm = 0x0100
)

var (
	modws2_32 = windows.NewLazySystemDLL("ws2_32.dll")

	procAccept      = modws2_32.NewProc("accept")
	procIoctlsocket = modws2_32.NewProc("ioctlsocket")
	procWSAPoll     = modws2_32.NewProc("WSAPoll")

	wsaOnce sync.Once
	wsaErr  error
)

// wsaPollFd mirrors WSAPOLLFD.
type wsaPollFd struct {
	fd      windows.Handle
	events  int16
	revents int16
}

func startup() error {
	wsaOnce.Do(func() {
		var data windows.WSAData
		wsaErr = os.NewSyscallError("WSAStartup", windows.WSAStartup(uint32(0x202), &data))
	})
	return wsaErr
}

func fd(h Handle) windows.Handle { return windows.Handle(h) }

// lastErr turns the errno left by a raw ws2_32 call into an error.
func lastErr(e error) error {
	if errno, ok := e.(syscall.Errno); ok && errno != 0 {
		return errno
	}
	return windows.WSAEINVAL
}

// NewTCPSocket creates an IPv4 stream socket with Nagle's algorithm
// disabled, address reuse enabled and a 16 KiB send buffer.
func NewTCPSocket(opts ...Option) (Handle, error) {
	o := newSocketOptions(opts)
	if err := startup(); err != nil {
		return NoHandle, err
	}
	s, err := windows.Socket(windows.AF_INET, windows.SOCK_STREAM, windows.IPPROTO_TCP)
	if err != nil {
		return NoHandle, os.NewSyscallError("socket", err)
	}
	for _, opt := range []struct {
		name          string
		level, option int
		value         int
	}{
		{"setsockopt TCP_NODELAY", windows.IPPROTO_TCP, windows.TCP_NODELAY, 1},
		{"setsockopt SO_REUSEADDR", windows.SOL_SOCKET, windows.SO_REUSEADDR, 1},
		{"setsockopt SO_SNDBUF", windows.SOL_SOCKET, windows.SO_SNDBUF, o.sendBuffer},
	} {
		if err := windows.SetsockoptInt(s, opt.level, opt.option, opt.value); err != nil {
			_ = windows.Closesocket(s)
			return NoHandle, os.NewSyscallError(opt.name, err)
		}
	}
	return Handle(s), nil
}

func NewLocalSocket() (Handle, error) { return NoHandle, notImplemented("Unix-domain sockets") }

func connect4(h Handle, ip [4]byte, port int) error {
	return os.NewSyscallError("connect", windows.Connect(fd(h), &windows.SockaddrInet4{Port: port, Addr: ip}))
}

// Bind binds h to port on all interfaces.
func Bind(h Handle, port string) error {
	p, err := parsePort(port)
	if err != nil {
		return err
	}
	return os.NewSyscallError("bind", windows.Bind(fd(h), &windows.SockaddrInet4{Port: p}))
}

func BindLocal(Handle, string) error { return notImplemented("Unix-domain sockets") }

// Listen marks h passive with [DefaultBacklog].
func Listen(h Handle) error { return ListenBacklog(h, DefaultBacklog) }

// ListenBacklog marks h passive with the given backlog.
func ListenBacklog(h Handle, backlog int) error {
	return os.NewSyscallError("listen", windows.Listen(fd(h), backlog))
}

// Accept blocks until a connection arrives on h and returns its handle.
func Accept(h Handle) (Handle, error) {
	r, _, e := procAccept.Call(uintptr(h), 0, 0)
	if windows.Handle(r) == windows.InvalidHandle {
		return NoHandle, os.NewSyscallError("accept", lastErr(e))
	}
	return Handle(r), nil
}

// SetNonBlocking switches h to non-blocking mode.
func SetNonBlocking(h Handle) error {
	on := uint32(1)
	r, _, e := procIoctlsocket.Call(uintptr(h), fionbio, uintptr(unsafe.Pointer(&on)))
	if r != 0 {
		return os.NewSyscallError("ioctlsocket", lastErr(e))
	}
	return nil
}

// Recv reads from h into buf with the given MSG_* flags.
func Recv(h Handle, buf []byte, flags int) (int, error) {
	var (
		b = windows.WSABuf{Len: uint32(len(buf))}
		n uint32
		f = uint32(flags)
	)
	if len(buf) > 0 {
		b.Buf = &buf[0]
	}
	if err := windows.WSARecv(fd(h), &b, 1, &n, &f, nil, nil); err != nil {
		return -1, os.NewSyscallError("recv", err)
	}
	return int(n), nil
}

// Send writes buf to h with the given MSG_* flags and returns the number of
// bytes Winsock accepted.
func Send(h Handle, buf []byte, flags int) (int, error) {
	var (
		b = windows.WSABuf{Len: uint32(len(buf))}
		n uint32
	)
	if len(buf) > 0 {
		b.Buf = &buf[0]
	}
	if err := windows.WSASend(fd(h), &b, 1, &n, uint32(flags), nil, nil); err != nil {
		return -1, os.NewSyscallError("send", err)
	}
	return int(n), nil
}

// PollTwo checks, without waiting, whether a and/or b have data to read.
// A hang-up or pending error counts as readable.
func PollTwo(a, b Handle) (Ready, error) {
	var (
		fds  [2]wsaPollFd
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
		fds[n] = wsaPollFd{fd: fd(c.h), events: pollRdNorm}
		bits[n] = c.bit
		n++
	}
	if n == 0 {
		return 0, nil
	}

	r, _, e := procWSAPoll.Call(uintptr(unsafe.Pointer(&fds[0])), uintptr(n), 0)
	if int32(r) < 0 {
		return 0, os.NewSyscallError("WSAPoll", lastErr(e))
	}

	var ready Ready
	for i := 0; i < n; i++ {
		ev := fds[i].revents
		if ev&pollNval != 0 {
			return 0, os.NewSyscallError("WSAPoll", windows.WSAENOTSOCK)
		}
		if ev&(pollRdNorm|pollHup|pollErr) != 0 {
			ready |= bits[i]
		}
	}
	return ready, nil
}

// Close shuts down both directions of h and closes it. Close is a no-op
// for handles <= 0.
func Close(h Handle) error {
	if !h.Valid() {
		return nil
	}
	if err := windows.Shutdown(fd(h), windows.SHUT_RDWR); err != nil && !errors.Is(err, windows.WSAENOTCONN) {
		_ = windows.Closesocket(fd(h))
		return os.NewSyscallError("shutdown", err)
	}
	return os.NewSyscallError("closesocket", windows.Closesocket(fd(h)))
}

// LocalPort returns the port a TCP handle is bound to.
func LocalPort(h Handle) (int, error) {
	sa, err := windows.Getsockname(fd(h))
	if err != nil {
		return 0, os.NewSyscallError("getsockname", err)
	}
	switch sa := sa.(type) {
	case *windows.SockaddrInet4:
		return sa.Port, nil
	case *windows.SockaddrInet6:
		return sa.Port, nil
	default:
		return 0, notImplemented("LocalPort for non-TCP sockets")
	}
}

// Inherited always returns nothing; there is no socket activation here.
func Inherited() ([]Handle, error) { return nil, nil }

// IsWouldBlock reports whether err is the "operation would block" condition
// of a non-blocking socket.
func IsWouldBlock(err error) bool {
	return errors.Is(err, windows.WSAEWOULDBLOCK)
}
