package main

import (
	"os"
	"path/filepath"
)

var shutdownSignals = []os.Signal{os.Interrupt}

func defaultDaemonConfigFile() string {
	return filepath.Join(os.Getenv("programdata"), "osglue", "osglued.json")
}

func setDefaultUmask() error { return nil }
