package main

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/containerd/log"
	"github.com/osglue/osglue/daemon/config"
	"github.com/osglue/osglue/pkg/process"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"
	"gotest.tools/v3/poll"
	"gotest.tools/v3/skip"
)

func TestMain(m *testing.M) {
	if process.Init() {
		return
	}
	os.Exit(m.Run())
}

func defaultOptions(t *testing.T, configFile string) *daemonOptions {
	cfg := config.New()
	opts := newDaemonOptions(cfg)
	opts.flags = &pflag.FlagSet{}
	opts.flags.StringVar(&opts.configFile, flagDaemonConfigFile, defaultDaemonConfigFile(), "")
	installConfigFlags(cfg, opts.flags)

	if configFile != "" {
		assert.Check(t, opts.flags.Set(flagDaemonConfigFile, configFile))
	}
	return opts
}

func TestLoadDaemonCliConfigWithoutOverriding(t *testing.T) {
	opts := defaultOptions(t, "")
	opts.configFile = filepath.Join(t.TempDir(), "missing.json")

	loadedConfig, err := loadDaemonCliConfig(opts)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(loadedConfig.Port, config.DefaultPort))
	assert.Check(t, is.Equal(loadedConfig.Mode, config.ModeRelay))
}

func TestLoadDaemonCliConfigWithMissingExplicitFile(t *testing.T) {
	opts := defaultOptions(t, filepath.Join(t.TempDir(), "missing.json"))

	_, err := loadDaemonCliConfig(opts)
	assert.Check(t, is.ErrorContains(err, "unable to configure the daemon with file"))
}

func TestLoadDaemonCliConfigWithConflicts(t *testing.T) {
	tempFile := fs.NewFile(t, "config", fs.WithContent(`{"port": "4000"}`))
	defer tempFile.Remove()
	configFile := tempFile.Path()

	opts := defaultOptions(t, configFile)
	flags := opts.flags

	assert.Check(t, flags.Set("port", "5000"))

	_, err := loadDaemonCliConfig(opts)
	assert.Check(t, is.ErrorContains(err, "the following directives are specified both as a flag and in the configuration file: port: (from flag: 5000, from file: 4000)"))
}

func TestLoadDaemonCliConfigWithUnknownKey(t *testing.T) {
	tempFile := fs.NewFile(t, "config", fs.WithContent(`{"prot": "4000"}`))
	defer tempFile.Remove()

	opts := defaultOptions(t, tempFile.Path())
	_, err := loadDaemonCliConfig(opts)
	assert.Check(t, is.ErrorContains(err, "the following directives don't match any configuration option: prot"))
}

func TestLoadDaemonCliConfigMergesFileAndFlags(t *testing.T) {
	tempFile := fs.NewFile(t, "config", fs.WithContent(`{"mode": "exec", "program": "/bin/cat"}`))
	defer tempFile.Remove()

	opts := defaultOptions(t, tempFile.Path())
	assert.Check(t, opts.flags.Set("port", "4000"))
	assert.Check(t, opts.flags.Set("args", "-u"))

	loadedConfig, err := loadDaemonCliConfig(opts)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(loadedConfig.Port, "4000"))
	assert.Check(t, is.Equal(loadedConfig.Mode, config.ModeExec))
	assert.Check(t, is.Equal(loadedConfig.Program, "/bin/cat"))
	assert.Check(t, is.DeepEqual(loadedConfig.Args, []string{"-u"}))
	assert.Check(t, is.Equal(loadedConfig.Backlog, 2))
}

func TestLoadDaemonCliConfigWithTOML(t *testing.T) {
	// The loader picks the format by extension, so the name must end in .toml.
	dir := fs.NewDir(t, "config", fs.WithFile("osglued.toml", "port = \"4001\"\nbackend-address = \"vnc.example\"\n"))
	defer dir.Remove()

	opts := defaultOptions(t, "")
	opts.configFile = dir.Join("osglued.toml")

	loadedConfig, err := loadDaemonCliConfig(opts)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(loadedConfig.Port, "4001"))
	assert.Check(t, is.Equal(loadedConfig.BackendAddress, "vnc.example"))
}

func TestLoadDaemonCliConfigInvalid(t *testing.T) {
	tempFile := fs.NewFile(t, "config", fs.WithContent(`{"mode": "exec"}`))
	defer tempFile.Remove()

	opts := defaultOptions(t, tempFile.Path())
	_, err := loadDaemonCliConfig(opts)
	assert.Check(t, is.ErrorContains(err, "program"))
}

func TestLoadDaemonCliConfigFromFlags(t *testing.T) {
	opts := defaultOptions(t, "")
	opts.configFile = ""
	assert.Check(t, opts.flags.Set("dns", "10.0.0.53,10.0.0.54:5353"))
	assert.Check(t, opts.flags.Set("env", "DISPLAY=:10"))
	assert.Check(t, opts.flags.Set("log-level", "debug"))

	loadedConfig, err := loadDaemonCliConfig(opts)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(loadedConfig.DNS, []string{"10.0.0.53", "10.0.0.54:5353"}))
	assert.Check(t, is.DeepEqual(loadedConfig.Env, map[string]string{"DISPLAY": ":10"}))
	assert.Check(t, is.Equal(loadedConfig.LogLevel, "debug"))
}

func TestConfigureDaemonLogs(t *testing.T) {
	defer func() {
		assert.NilError(t, log.SetLevel("info"))
		log.L.Logger.SetFormatter(&logrus.TextFormatter{})
	}()

	conf := config.New()
	conf.LogLevel = "warn"
	assert.NilError(t, configureDaemonLogs(conf))
	assert.Check(t, is.Equal(log.GetLevel(), log.WarnLevel))

	conf.LogFormat = "json"
	assert.NilError(t, configureDaemonLogs(conf))
	_, ok := log.L.Logger.Formatter.(*logrus.JSONFormatter)
	assert.Check(t, ok)

	conf.LogFormat = "xml"
	assert.Check(t, is.ErrorContains(configureDaemonLogs(conf), "unknown log format: xml"))
}

func TestNewDaemonCommandFlags(t *testing.T) {
	cmd := newDaemonCommand()
	flags := cmd.Flags()

	for _, name := range []string{"port", "socket", "mode", "program", "args", "env", "user", "dns", "pidfile", "metrics-addr", "log-level", "shutdown-timeout", flagDaemonConfigFile} {
		assert.Check(t, flags.Lookup(name) != nil, "missing flag %s", name)
	}
	assert.Check(t, is.Equal(flags.ShorthandLookup("p").Name, "port"))
	assert.Check(t, is.Equal(flags.ShorthandLookup("u").Name, "user"))
	assert.Check(t, is.Equal(flags.ShorthandLookup("l").Name, "log-level"))
}

func TestStartWritesAndRemovesPidfile(t *testing.T) {
	skip.If(t, runtime.GOOS == "windows", "workers are forked and fork is not implemented on windows")
	defer func() {
		assert.NilError(t, log.SetLevel("info"))
		log.L.Logger.SetFormatter(&logrus.TextFormatter{})
	}()

	dir := t.TempDir()
	pidPath := filepath.Join(dir, "run", "osglued.pid")

	opts := defaultOptions(t, "")
	opts.configFile = ""
	assert.Check(t, opts.flags.Set("port", "0"))
	assert.Check(t, opts.flags.Set("pidfile", pidPath))
	assert.Check(t, opts.flags.Set("metrics-addr", "127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- newDaemonCLI(opts).start(ctx) }()

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if _, err := os.Stat(pidPath); err != nil {
			return poll.Continue("waiting for pidfile: %v", err)
		}
		return poll.Success()
	}, poll.WithTimeout(10*time.Second))

	cancel()
	select {
	case err := <-errc:
		assert.NilError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("timeout waiting for daemon to stop")
	}

	_, err := os.Stat(pidPath)
	assert.Check(t, os.IsNotExist(err))
}
