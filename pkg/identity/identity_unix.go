//go:build !windows

package identity

import "github.com/moby/sys/user"

// Default returns a DB backed by the platform's passwd and group files.
func Default() (*DB, error) {
	passwd, err := user.GetPasswdPath()
	if err != nil {
		return nil, err
	}
	group, err := user.GetGroupPath()
	if err != nil {
		return nil, err
	}
	return &DB{PasswdPath: passwd, GroupPath: group}, nil
}
