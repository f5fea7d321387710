package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"dario.cat/mergo"
	"github.com/docker/go-units"
	"github.com/moby/sys/signal"
	"github.com/osglue/osglue/pkg/identity"
	"github.com/osglue/osglue/pkg/process"
	"github.com/osglue/osglue/pkg/sockets"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// Worker modes.
const (
	// ModeRelay copies bytes between the client and a backend address.
	ModeRelay = "relay"
	// ModeExec runs a program with the client connection as stdin/stdout.
	ModeExec = "exec"
)

const (
	DefaultPort           = "3350"
	DefaultBackendAddress = "127.0.0.1"
	DefaultBackendPort    = "5900"
	DefaultStopSignal     = "SIGTERM"
	DefaultSendBuffer     = "16KiB"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
)

// DefaultShutdownTimeout is the number of seconds workers get to exit after
// the stop signal before they are killed.
const DefaultShutdownTimeout = 15

// Config holds the daemon configuration. The JSON keys double as flag names
// so that a key set both on the command line and in a file can be detected.
type Config struct {
	Port        string `json:"port,omitempty" toml:"port,omitempty"`
	Socket      string `json:"socket,omitempty" toml:"socket,omitempty"`
	SocketGroup string `json:"socket-group,omitempty" toml:"socket-group,omitempty"`
	Backlog     int    `json:"backlog,omitempty" toml:"backlog,omitempty"`
	SendBuffer  string `json:"send-buffer,omitempty" toml:"send-buffer,omitempty"`

	Mode           string            `json:"mode,omitempty" toml:"mode,omitempty"`
	BackendAddress string            `json:"backend-address,omitempty" toml:"backend-address,omitempty"`
	BackendPort    string            `json:"backend-port,omitempty" toml:"backend-port,omitempty"`
	Program        string            `json:"program,omitempty" toml:"program,omitempty"`
	Args           []string          `json:"args,omitempty" toml:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty" toml:"env,omitempty"`
	User           string            `json:"user,omitempty" toml:"user,omitempty"`
	PasswdFile     string            `json:"passwd-file,omitempty" toml:"passwd-file,omitempty"`
	GroupFile      string            `json:"group-file,omitempty" toml:"group-file,omitempty"`
	DNS            []string          `json:"dns,omitempty" toml:"dns,omitempty"`
	StopSignal     string            `json:"stop-signal,omitempty" toml:"stop-signal,omitempty"`

	// ShutdownTimeout is in seconds; -1 waits for workers indefinitely.
	ShutdownTimeout int `json:"shutdown-timeout,omitempty" toml:"shutdown-timeout,omitempty"`

	Pidfile        string `json:"pidfile,omitempty" toml:"pidfile,omitempty"`
	MetricsAddress string `json:"metrics-addr,omitempty" toml:"metrics-addr,omitempty"`
	LogLevel       string `json:"log-level,omitempty" toml:"log-level,omitempty"`
	LogFormat      string `json:"log-format,omitempty" toml:"log-format,omitempty"`
}

// New returns a Config populated with the defaults.
func New() *Config {
	c := &Config{
		Port:            DefaultPort,
		Backlog:         sockets.DefaultBacklog,
		SendBuffer:      DefaultSendBuffer,
		Mode:            ModeRelay,
		BackendAddress:  DefaultBackendAddress,
		BackendPort:     DefaultBackendPort,
		Env:             map[string]string{},
		StopSignal:      DefaultStopSignal,
		ShutdownTimeout: DefaultShutdownTimeout,
		LogLevel:        DefaultLogLevel,
		LogFormat:       DefaultLogFormat,
	}
	setPlatformDefaults(c)
	return c
}

// SendBufferBytes returns the parsed send-buffer size.
func (c *Config) SendBufferBytes() (int, error) {
	n, err := units.RAMInBytes(c.SendBuffer)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid send-buffer %q", c.SendBuffer)
	}
	if n <= 0 || n > 1<<30 {
		return 0, errors.Errorf("invalid send-buffer %q: must be between 1B and 1GiB", c.SendBuffer)
	}
	return int(n), nil
}

// Signal returns the parsed stop-signal.
func (c *Config) Signal() (syscall.Signal, error) {
	s, err := signal.ParseSignal(c.StopSignal)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid stop-signal %q", c.StopSignal)
	}
	return s, nil
}

// IdentityDB returns the user database named by passwd-file and group-file.
func (c *Config) IdentityDB() *identity.DB {
	return &identity.DB{PasswdPath: c.PasswdFile, GroupPath: c.GroupFile}
}

// MergeDaemonConfigurations reads the configuration file and merges it with
// the configuration built from flags. Directives set both in the file and as
// a flag are rejected.
func MergeDaemonConfigurations(flagsConfig *Config, flags *pflag.FlagSet, configFile string) (*Config, error) {
	fileConfig, err := getConflictFreeConfiguration(configFile, flags)
	if err != nil {
		return nil, err
	}

	// merge flags configuration on top of the file configuration
	if err := mergo.Merge(fileConfig, flagsConfig); err != nil {
		return nil, err
	}

	if err := Validate(fileConfig); err != nil {
		return nil, errors.Wrap(err, "merged configuration validation from file and command line flags failed")
	}
	return fileConfig, nil
}

// getConflictFreeConfiguration loads the configuration from a JSON or TOML
// file, chosen by extension. It compares the file keys with the flags that
// were set explicitly and returns an error if any directive appears in both.
func getConflictFreeConfiguration(configFile string, flags *pflag.FlagSet) (*Config, error) {
	b, err := os.ReadFile(configFile)
	if err != nil {
		return nil, err
	}
	b = bytes.TrimPrefix(b, []byte("\xef\xbb\xbf"))

	var (
		config  Config
		fileMap map[string]interface{}
	)
	if len(bytes.TrimSpace(b)) == 0 {
		return &config, nil
	}
	switch strings.ToLower(filepath.Ext(configFile)) {
	case ".toml":
		tree, err := toml.LoadBytes(b)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %s", configFile)
		}
		fileMap = tree.ToMap()
		if err := tree.Unmarshal(&config); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", configFile)
		}
	default:
		if err := json.Unmarshal(b, &fileMap); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &config); err != nil {
			return nil, err
		}
	}

	if flags != nil {
		if err := findConfigurationConflicts(fileMap, flags); err != nil {
			return nil, err
		}
	}
	return &config, nil
}

// findConfigurationConflicts iterates over the provided flags searching for
// duplicated configurations and unknown keys. It returns an error with all the
// conflicts if it finds any.
func findConfigurationConflicts(config map[string]interface{}, flags *pflag.FlagSet) error {
	// 1. Search keys from the file that we don't recognize as flags.
	var unknownKeys []string
	for key := range config {
		if flags.Lookup(key) == nil {
			unknownKeys = append(unknownKeys, key)
		}
	}
	if len(unknownKeys) > 0 {
		sort.Strings(unknownKeys)
		return errors.Errorf("the following directives don't match any configuration option: %s", strings.Join(unknownKeys, ", "))
	}

	// 2. Search keys that are present as a flag and as a file option.
	var conflicts []string
	flags.Visit(func(f *pflag.Flag) {
		if value, ok := config[f.Name]; ok {
			conflicts = append(conflicts, fmt.Sprintf("%s: (from flag: %v, from file: %v)", f.Name, f.Value.String(), value))
		}
	})
	if len(conflicts) > 0 {
		return errors.Errorf("the following directives are specified both as a flag and in the configuration file: %s", strings.Join(conflicts, ", "))
	}
	return nil
}

// Validate validates some specific configs.
func Validate(config *Config) error {
	if config.Socket == "" {
		if err := validatePort("port", config.Port); err != nil {
			return err
		}
	}
	if config.Backlog <= 0 {
		return errors.Errorf("invalid backlog %d: must be positive", config.Backlog)
	}
	if _, err := config.SendBufferBytes(); err != nil {
		return err
	}

	switch config.Mode {
	case ModeRelay:
		if config.BackendAddress == "" {
			return errors.New("relay mode requires a backend-address")
		}
		if err := validatePort("backend-port", config.BackendPort); err != nil {
			return err
		}
	case ModeExec:
		if config.Program == "" {
			return errors.New("exec mode requires a program")
		}
		if len(config.Args)+1 > process.MaxExecArgs {
			return errors.Errorf("too many args: %d, at most %d are allowed", len(config.Args), process.MaxExecArgs-1)
		}
	default:
		return errors.Errorf("invalid mode %q: must be %q or %q", config.Mode, ModeRelay, ModeExec)
	}

	for _, server := range config.DNS {
		if _, err := netip.ParseAddr(server); err == nil {
			continue
		}
		if _, err := netip.ParseAddrPort(server); err != nil {
			return errors.Errorf("invalid dns server %q: must be an IP address, optionally with a port", server)
		}
	}

	if _, err := config.Signal(); err != nil {
		return err
	}
	if config.ShutdownTimeout < -1 {
		return errors.Errorf("invalid shutdown-timeout %d: must be -1 or more", config.ShutdownTimeout)
	}

	if config.LogLevel != "" {
		if _, err := logrus.ParseLevel(config.LogLevel); err != nil {
			return errors.Errorf("invalid log-level %q", config.LogLevel)
		}
	}
	switch config.LogFormat {
	case "", "text", "json":
	default:
		return errors.Errorf("invalid log-format %q: must be \"text\" or \"json\"", config.LogFormat)
	}
	return nil
}

func validatePort(key, port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return errors.Errorf("invalid %s %q: must be a number between 0 and 65535", key, port)
	}
	return nil
}
