package main

import (
	"github.com/osglue/osglue/daemon/config"
	"github.com/spf13/pflag"
)

// installConfigFlags adds flags to the pflag.FlagSet to configure the daemon.
// Flag names match the configuration file keys.
func installConfigFlags(conf *config.Config, flags *pflag.FlagSet) {
	flags.StringVarP(&conf.Port, "port", "p", conf.Port, "TCP port to listen on")
	flags.StringVar(&conf.Socket, "socket", conf.Socket, "Listen on a Unix-domain socket at this path instead of TCP")
	flags.StringVar(&conf.SocketGroup, "socket-group", conf.SocketGroup, "Group to own the Unix-domain socket")
	flags.IntVar(&conf.Backlog, "backlog", conf.Backlog, "Listen backlog")
	flags.StringVar(&conf.SendBuffer, "send-buffer", conf.SendBuffer, "Socket send buffer size")

	flags.StringVar(&conf.Mode, "mode", conf.Mode, `Worker mode, "relay" or "exec"`)
	flags.StringVar(&conf.BackendAddress, "backend-address", conf.BackendAddress, "Backend host for relay mode")
	flags.StringVar(&conf.BackendPort, "backend-port", conf.BackendPort, "Backend port for relay mode")
	flags.StringVar(&conf.Program, "program", conf.Program, "Program to run in exec mode")
	flags.StringArrayVar(&conf.Args, "args", conf.Args, "Argument for the exec mode program (repeatable)")
	flags.StringToStringVar(&conf.Env, "env", conf.Env, "Environment variable for the exec mode program (KEY=value, repeatable)")
	flags.StringVarP(&conf.User, "user", "u", conf.User, "User the worker switches to")
	flags.StringVar(&conf.PasswdFile, "passwd-file", conf.PasswdFile, "User database")
	flags.StringVar(&conf.GroupFile, "group-file", conf.GroupFile, "Group database")
	flags.StringSliceVar(&conf.DNS, "dns", conf.DNS, "DNS server used to resolve the backend")
	flags.StringVar(&conf.StopSignal, "stop-signal", conf.StopSignal, "Signal sent to workers on shutdown")
	flags.IntVar(&conf.ShutdownTimeout, "shutdown-timeout", conf.ShutdownTimeout, "Seconds to wait for workers after the stop signal before killing them (-1 waits forever)")

	flags.StringVar(&conf.Pidfile, "pidfile", conf.Pidfile, "Path to use for daemon PID file")
	flags.StringVar(&conf.MetricsAddress, "metrics-addr", conf.MetricsAddress, "Set default address and port to serve the metrics api on")
	flags.StringVarP(&conf.LogLevel, "log-level", "l", conf.LogLevel, `Set the logging level ("debug"|"info"|"warn"|"error"|"fatal")`)
	flags.StringVar(&conf.LogFormat, "log-format", conf.LogFormat, `Set the logging format ("text"|"json")`)
}
