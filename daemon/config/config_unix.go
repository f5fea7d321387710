//go:build !windows

package config

import "github.com/moby/sys/user"

func setPlatformDefaults(c *Config) {
	if p, err := user.GetPasswdPath(); err == nil {
		c.PasswdFile = p
	}
	if p, err := user.GetGroupPath(); err == nil {
		c.GroupFile = p
	}
}
