// Package listeners creates the daemon's listening handle.
package listeners

import (
	"context"
	"os"
	"strconv"

	"github.com/containerd/log"
	"github.com/osglue/osglue/daemon/config"
	"github.com/osglue/osglue/pkg/identity"
	"github.com/osglue/osglue/pkg/sockets"
	"github.com/pkg/errors"
)

// Init returns a listening handle for cfg. A socket passed by systemd socket
// activation takes precedence; otherwise a Unix-domain socket is created when
// cfg.Socket is set, and a TCP socket on cfg.Port when it is not.
func Init(ctx context.Context, cfg *config.Config) (sockets.Handle, error) {
	inherited, err := sockets.Inherited()
	if err != nil {
		return sockets.NoHandle, err
	}
	if len(inherited) > 0 {
		for _, h := range inherited[1:] {
			log.G(ctx).WithField("fd", int(h)).Warn("ignoring extra socket-activated listener")
			_ = sockets.Close(h)
		}
		log.G(ctx).WithField("fd", int(inherited[0])).Info("using socket-activated listener")
		return inherited[0], nil
	}
	if cfg.Socket != "" {
		return listenLocal(ctx, cfg)
	}
	return listenTCP(ctx, cfg)
}

func listenTCP(ctx context.Context, cfg *config.Config) (sockets.Handle, error) {
	size, err := cfg.SendBufferBytes()
	if err != nil {
		return sockets.NoHandle, err
	}
	h, err := sockets.NewTCPSocket(sockets.WithSendBuffer(size))
	if err != nil {
		return sockets.NoHandle, err
	}
	if err := sockets.Bind(h, cfg.Port); err != nil {
		_ = sockets.Close(h)
		return sockets.NoHandle, errors.Wrapf(err, "binding port %s", cfg.Port)
	}
	if err := sockets.ListenBacklog(h, cfg.Backlog); err != nil {
		_ = sockets.Close(h)
		return sockets.NoHandle, err
	}
	port, _ := sockets.LocalPort(h)
	log.G(ctx).WithFields(log.Fields{"port": port, "backlog": cfg.Backlog}).Info("listening on tcp")
	return h, nil
}

func listenLocal(ctx context.Context, cfg *config.Config) (sockets.Handle, error) {
	if err := os.Remove(cfg.Socket); err != nil && !os.IsNotExist(err) {
		return sockets.NoHandle, errors.Wrap(err, "removing stale socket")
	}
	h, err := sockets.NewLocalSocket()
	if err != nil {
		return sockets.NoHandle, err
	}
	if err := sockets.BindLocal(h, cfg.Socket); err != nil {
		_ = sockets.Close(h)
		return sockets.NoHandle, errors.Wrapf(err, "binding %s", cfg.Socket)
	}
	if cfg.SocketGroup != "" {
		if err := setSocketGroup(cfg.IdentityDB(), cfg.Socket, cfg.SocketGroup); err != nil {
			_ = sockets.Close(h)
			return sockets.NoHandle, err
		}
	}
	if err := sockets.ListenBacklog(h, cfg.Backlog); err != nil {
		_ = sockets.Close(h)
		return sockets.NoHandle, err
	}
	log.G(ctx).WithFields(log.Fields{"path": cfg.Socket, "backlog": cfg.Backlog}).Info("listening on unix socket")
	return h, nil
}

func setSocketGroup(db *identity.DB, path, group string) error {
	gid, err := lookupGID(db, group)
	if err != nil {
		return err
	}
	if err := os.Chown(path, -1, gid); err != nil {
		return errors.Wrapf(err, "setting group of %s", path)
	}
	return os.Chmod(path, 0o660)
}

func lookupGID(db *identity.DB, name string) (int, error) {
	gid, err := db.LookupGroup(name)
	if err == nil {
		return gid, nil
	}
	gid, err = strconv.Atoi(name)
	if err == nil {
		return gid, nil
	}
	return -1, errors.Errorf("group %s not found", name)
}
