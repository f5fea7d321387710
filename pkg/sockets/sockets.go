// Package sockets provides thin wrappers around raw stream socket handles:
// TCP/IPv4 and Unix-domain socket setup, a connect that falls back to a
// hostname lookup, and a zero-timeout readiness poll over two handles.
//
// Errors returned by this package carry the platform error unmodified
// (wrapped in an [os.SyscallError]). Nothing here retries or logs; callers
// own retry policy.
package sockets

import (
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

// Handle is an OS-level socket descriptor.
type Handle int

// NoHandle is the sentinel for "no socket". Every handle value <= 0 is
// treated as absent by [Close] and [PollTwo].
const NoHandle Handle = -1

// Valid reports whether h refers to a socket.
func (h Handle) Valid() bool {
	return h > 0
}

const (
	// DefaultBacklog is the listen backlog used by [Listen]. The daemon is
	// expected to accept promptly, so the queue is kept deliberately short.
	DefaultBacklog = 2

	// DefaultSendBuffer is the SO_SNDBUF size applied to new TCP sockets.
	DefaultSendBuffer = 8192 * 2
)

// Ready is the readiness bitmask returned by [PollTwo].
type Ready uint8

const (
	// ReadyFirst is set when the first handle has data to read.
	ReadyFirst Ready = 1 << iota
	// ReadySecond is set when the second handle has data to read.
	ReadySecond
)

// First reports whether the first polled handle is readable.
func (r Ready) First() bool { return r&ReadyFirst != 0 }

// Second reports whether the second polled handle is readable.
func (r Ready) Second() bool { return r&ReadySecond != 0 }

type socketOptions struct {
	sendBuffer int
}

// Option tunes a socket created by [NewTCPSocket].
type Option func(*socketOptions)

// WithSendBuffer overrides the SO_SNDBUF size. Values <= 0 keep the default.
func WithSendBuffer(size int) Option {
	return func(o *socketOptions) {
		if size > 0 {
			o.sendBuffer = size
		}
	}
}

func newSocketOptions(opts []Option) socketOptions {
	o := socketOptions{sendBuffer: DefaultSendBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// parsePort converts a decimal port string.
func parsePort(port string) (int, error) {
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return 0, errors.Wrapf(errdefs.ErrInvalidArgument, "invalid port %q", port)
	}
	return p, nil
}

func notImplemented(op string) error {
	return errors.Wrapf(errdefs.ErrNotImplemented, "%s is not supported on this platform", op)
}
