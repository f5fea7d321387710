package main

import (
	"context"
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/osglue/osglue/daemon/config"
	"github.com/osglue/osglue/pkg/process"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const flagDaemonConfigFile = "config-file"

type daemonOptions struct {
	version      bool
	configFile   string
	daemonConfig *config.Config
	flags        *pflag.FlagSet
}

func newDaemonOptions(cfg *config.Config) *daemonOptions {
	return &daemonOptions{daemonConfig: cfg}
}

func newDaemonCommand() *cobra.Command {
	opts := newDaemonOptions(config.New())

	cmd := &cobra.Command{
		Use:           "osglued [OPTIONS]",
		Short:         "Accepts connections and hands each one to a worker process.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.flags = cmd.Flags()
			return runDaemon(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&opts.version, "version", "v", false, "Print version information and quit")
	flags.StringVar(&opts.configFile, flagDaemonConfigFile, defaultDaemonConfigFile(), "Daemon configuration file (.json or .toml)")
	installConfigFlags(opts.daemonConfig, flags)

	return cmd
}

func runDaemon(ctx context.Context, opts *daemonOptions) error {
	if opts.version {
		showVersion()
		return nil
	}
	return newDaemonCLI(opts).start(ctx)
}

func showVersion() {
	fmt.Printf("osglued version %s\n", version)
}

func main() {
	// Forked workers run their initializer here and never reach the CLI.
	if process.Init() {
		return
	}

	log.L.Logger.SetOutput(os.Stderr)

	cmd := newDaemonCommand()
	cmd.SetOut(os.Stdout)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
