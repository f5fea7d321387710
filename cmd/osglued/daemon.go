package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/containerd/log"
	"github.com/docker/go-metrics"
	"github.com/osglue/osglue/daemon"
	"github.com/osglue/osglue/daemon/config"
	"github.com/osglue/osglue/pkg/pidfile"
	"github.com/osglue/osglue/pkg/process"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// daemonCLI represents the daemon CLI.
type daemonCLI struct {
	*daemonOptions
	Config *config.Config
}

func newDaemonCLI(opts *daemonOptions) *daemonCLI {
	return &daemonCLI{daemonOptions: opts}
}

func (cli *daemonCLI) start(ctx context.Context) (err error) {
	conf, err := loadDaemonCliConfig(cli.daemonOptions)
	if err != nil {
		return err
	}
	if err := configureDaemonLogs(conf); err != nil {
		return err
	}
	cli.Config = conf

	log.G(ctx).WithField("version", version).Info("starting osglued")

	if err := setDefaultUmask(); err != nil {
		return err
	}

	if conf.Pidfile != "" {
		if err := pidfile.Write(conf.Pidfile, os.Getpid()); err != nil {
			return errors.Wrapf(err, "failed to start daemon, ensure osglued is not running or delete %s", conf.Pidfile)
		}
		defer func() {
			if err := pidfile.Remove(conf.Pidfile); err != nil {
				log.G(ctx).WithError(err).Error("failed to remove pidfile")
			}
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopTraps, err := trapShutdown(ctx, cancel)
	if err != nil {
		return err
	}
	defer stopTraps()

	d, err := daemon.New(ctx, conf)
	if err != nil {
		return errors.Wrap(err, "failed to start daemon")
	}

	g, gctx := errgroup.WithContext(ctx)
	if conf.MetricsAddress != "" {
		if err := startMetricsServer(gctx, g, conf.MetricsAddress); err != nil {
			return err
		}
	}
	g.Go(func() error {
		return d.Serve(gctx)
	})

	notifyReady()
	err = g.Wait()
	notifyStopping()
	if err != nil {
		log.G(ctx).WithError(err).Error("daemon exited with error")
		return err
	}
	log.G(ctx).Info("osglued shutdown complete")
	return nil
}

// trapShutdown cancels the daemon context on SIGINT or SIGTERM.
func trapShutdown(ctx context.Context, cancel context.CancelFunc) (func(), error) {
	var stop process.Flag
	var traps []*process.Trap
	for _, sig := range shutdownSignals {
		t, err := process.InstallHandler(sig, process.Disposition{Flag: &stop})
		if err != nil {
			for _, t := range traps {
				t.Stop()
			}
			return nil, err
		}
		traps = append(traps, t)
	}
	go func() {
		select {
		case <-stop.Done():
			log.G(ctx).Info("processing signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()
	return func() {
		for _, t := range traps {
			t.Stop()
		}
	}, nil
}

func startMetricsServer(ctx context.Context, g *errgroup.Group, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "failed to listen for metrics")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Minute, // "G112: Potential Slowloris Attack (gosec)"; not a real concern for our use, so setting a long timeout.
	}
	log.G(ctx).Infof("metrics API listening on %s", l.Addr())
	g.Go(func() error {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "metrics server")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return nil
}

func loadDaemonCliConfig(opts *daemonOptions) (*config.Config, error) {
	conf := opts.daemonConfig
	flags := opts.flags

	if opts.configFile != "" {
		c, err := config.MergeDaemonConfigurations(conf, flags, opts.configFile)
		if err != nil {
			if flags.Changed(flagDaemonConfigFile) || !os.IsNotExist(err) {
				return nil, errors.Wrapf(err, "unable to configure the daemon with file %s", opts.configFile)
			}
		}
		// the merged configuration can be nil if the config file didn't exist.
		// leave the current configuration as it is if when that happens.
		if c != nil {
			conf = c
		}
	}

	if err := config.Validate(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// configureDaemonLogs sets the logging level and formatting.
func configureDaemonLogs(conf *config.Config) error {
	switch conf.LogFormat {
	case "json":
		if err := log.SetFormat(log.JSONFormat); err != nil {
			return err
		}
	case "text", "":
		log.L.Logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: log.RFC3339NanoFixed,
			FullTimestamp:   true,
		})
	default:
		return errors.Errorf("unknown log format: %s", conf.LogFormat)
	}
	if conf.LogLevel == "" {
		return log.SetLevel(config.DefaultLogLevel)
	}
	if err := log.SetLevel(conf.LogLevel); err != nil {
		return errors.Wrap(err, "unable to set log level")
	}
	return nil
}
