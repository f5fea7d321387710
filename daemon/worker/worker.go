// Package worker implements the per-connection child process. The daemon
// forks one worker per accepted connection; the worker drops privileges and
// either relays the connection to a backend or replaces itself with a
// program that talks to the client on stdin/stdout.
package worker

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/osglue/osglue/daemon/config"
	"github.com/osglue/osglue/pkg/identity"
	"github.com/osglue/osglue/pkg/process"
	"github.com/osglue/osglue/pkg/sockets"
	"github.com/pkg/errors"
)

const (
	// Name is the initializer the daemon forks into.
	Name = "osglue-worker"
	// EnvKey carries the JSON encoded Spec in the worker's environment.
	EnvKey = "OSGLUE_WORKER"

	// ClientFD is the descriptor the client connection has in a relay worker.
	ClientFD = 3
)

// relayIdle is how long the relay sleeps when neither side is readable.
var relayIdle = 10 * time.Millisecond

// Spec is everything a worker needs to know. It is passed through the
// environment because a forked worker shares no memory with the daemon.
type Spec struct {
	ID   string `json:"id"`
	Mode string `json:"mode"`

	BackendAddress string   `json:"backend-address,omitempty"`
	BackendPort    string   `json:"backend-port,omitempty"`
	DNS            []string `json:"dns,omitempty"`
	SendBuffer     int      `json:"send-buffer,omitempty"`

	Program string            `json:"program,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	User       string `json:"user,omitempty"`
	PasswdFile string `json:"passwd-file,omitempty"`
	GroupFile  string `json:"group-file,omitempty"`

	LogLevel  string `json:"log-level,omitempty"`
	LogFormat string `json:"log-format,omitempty"`
}

// NewSpec derives a worker Spec from the daemon configuration.
func NewSpec(id string, cfg *config.Config) (Spec, error) {
	size, err := cfg.SendBufferBytes()
	if err != nil {
		return Spec{}, err
	}
	return Spec{
		ID:             id,
		Mode:           cfg.Mode,
		BackendAddress: cfg.BackendAddress,
		BackendPort:    cfg.BackendPort,
		DNS:            cfg.DNS,
		SendBuffer:     size,
		Program:        cfg.Program,
		Args:           cfg.Args,
		Env:            cfg.Env,
		User:           cfg.User,
		PasswdFile:     cfg.PasswdFile,
		GroupFile:      cfg.GroupFile,
		LogLevel:       cfg.LogLevel,
		LogFormat:      cfg.LogFormat,
	}, nil
}

// Environ returns the explicit environment a worker is forked with.
func (s Spec) Environ() (process.Env, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return process.Env{EnvKey: string(b)}, nil
}

func init() {
	process.Register(Name, workerMain)
}

func workerMain() {
	ctx := context.Background()

	var spec Spec
	if err := json.Unmarshal([]byte(os.Getenv(EnvKey)), &spec); err != nil {
		log.G(ctx).WithError(err).Error("worker started without a valid spec")
		process.ExitNow(2)
	}
	configureLogging(spec)
	ctx = log.WithLogger(ctx, log.G(ctx).WithFields(log.Fields{
		"worker": spec.ID,
		"pid":    os.Getpid(),
	}))

	client := sockets.Handle(ClientFD)
	if spec.Mode == config.ModeExec {
		client = sockets.Handle(os.Stdin.Fd())
	}
	if err := Run(ctx, spec, client); err != nil {
		log.G(ctx).WithError(err).Error("worker failed")
		process.ExitNow(1)
	}
	process.ExitNow(0)
}

func configureLogging(spec Spec) {
	if spec.LogLevel != "" {
		_ = log.SetLevel(spec.LogLevel)
	}
	if spec.LogFormat == "json" {
		_ = log.SetFormat(log.JSONFormat)
	}
}

// Run performs the worker's job for the connection client. In exec mode it
// only returns on failure.
func Run(ctx context.Context, spec Spec, client sockets.Handle) error {
	if err := process.ClearSignalMask(); err != nil && !errdefs.IsNotImplemented(err) {
		return errors.Wrap(err, "clearing signal mask")
	}
	if spec.User != "" {
		if err := dropPrivileges(ctx, spec); err != nil {
			return err
		}
	}

	switch spec.Mode {
	case config.ModeExec:
		argv := append([]string{spec.Program}, spec.Args...)
		log.G(ctx).WithField("program", spec.Program).Debug("executing session program")
		return process.Exec(spec.Program, argv, spec.Env)
	case config.ModeRelay:
		defer sockets.Close(client)
		return relayToBackend(ctx, spec, client)
	default:
		return errors.Wrapf(errdefs.ErrInvalidArgument, "unknown worker mode %q", spec.Mode)
	}
}

func dropPrivileges(ctx context.Context, spec Spec) error {
	db := &identity.DB{PasswdPath: spec.PasswdFile, GroupPath: spec.GroupFile}
	u, err := db.LookupUser(spec.User)
	if err != nil {
		return err
	}
	if err := process.DropPrivileges(db, u); err != nil {
		return err
	}
	log.G(ctx).WithFields(log.Fields{"user": u.Name, "uid": u.Uid, "gid": u.Gid}).Debug("dropped privileges")
	return nil
}

func relayToBackend(ctx context.Context, spec Spec, client sockets.Handle) error {
	backend, err := sockets.NewTCPSocket(sockets.WithSendBuffer(spec.SendBuffer))
	if err != nil {
		return err
	}
	defer sockets.Close(backend)

	d := &sockets.Dialer{}
	if len(spec.DNS) > 0 {
		d.Resolver = &sockets.DNSResolver{Servers: spec.DNS}
	}
	if err := d.Connect(ctx, backend, spec.BackendAddress, spec.BackendPort); err != nil {
		return errors.Wrapf(err, "connecting to backend %s", net.JoinHostPort(spec.BackendAddress, spec.BackendPort))
	}
	log.G(ctx).WithField("backend", net.JoinHostPort(spec.BackendAddress, spec.BackendPort)).Debug("relaying")
	return Relay(ctx, client, backend)
}

// Relay copies bytes in both directions between a and b until either side
// reaches end of file, an error occurs or ctx is done. It does not close
// the handles.
func Relay(ctx context.Context, a, b sockets.Handle) error {
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := sockets.PollTwo(a, b)
		if err != nil {
			return err
		}
		if r == 0 {
			time.Sleep(relayIdle)
			continue
		}
		if r.First() {
			if eof, err := forward(a, b, buf); eof || err != nil {
				return err
			}
		}
		if r.Second() {
			if eof, err := forward(b, a, buf); eof || err != nil {
				return err
			}
		}
	}
}

// forward moves one read's worth of data from src to dst.
func forward(src, dst sockets.Handle, buf []byte) (eof bool, _ error) {
	n, err := sockets.Recv(src, buf, 0)
	if err != nil {
		if sockets.IsWouldBlock(err) {
			return false, nil
		}
		return false, err
	}
	if n == 0 {
		return true, nil
	}
	for sent := 0; sent < n; {
		m, err := sockets.Send(dst, buf[sent:n], 0)
		if err != nil {
			if sockets.IsWouldBlock(err) {
				continue
			}
			return false, err
		}
		sent += m
	}
	return false, nil
}
