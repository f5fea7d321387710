// Package identity answers read-only questions about the platform user and
// group databases: who a user is, what id a group has, and whether a user
// is listed as a member of a group.
package identity

import (
	"github.com/containerd/errdefs"
	"github.com/moby/sys/user"
	"github.com/pkg/errors"
)

var (
	// ErrUserNotFound is returned when no passwd entry matches.
	ErrUserNotFound = errors.Wrap(errdefs.ErrNotFound, "no such user")
	// ErrGroupNotFound is returned when no group entry matches.
	ErrGroupNotFound = errors.Wrap(errdefs.ErrNotFound, "no such group")
)

// User is a passwd entry.
type User struct {
	Name  string
	Uid   int
	Gid   int
	Shell string
	Home  string
	// Gecos is the display name field.
	Gecos string
}

// DB reads users and groups from passwd(5) and group(5) formatted files.
type DB struct {
	PasswdPath string
	GroupPath  string
}

// LookupUser returns the passwd entry for username.
func (db *DB) LookupUser(username string) (User, error) {
	users, err := user.ParsePasswdFileFilter(db.PasswdPath, func(u user.User) bool {
		return u.Name == username
	})
	if err != nil {
		return User{}, errors.Wrapf(err, "reading %s", db.PasswdPath)
	}
	if len(users) == 0 {
		return User{}, errors.Wrapf(ErrUserNotFound, "user %q", username)
	}
	u := users[0]
	return User{
		Name:  u.Name,
		Uid:   u.Uid,
		Gid:   u.Gid,
		Shell: u.Shell,
		Home:  u.Home,
		Gecos: u.Gecos,
	}, nil
}

// LookupGroup returns the id of the group called groupname.
func (db *DB) LookupGroup(groupname string) (int, error) {
	g, err := db.findGroup(func(g user.Group) bool { return g.Name == groupname })
	if err != nil {
		return -1, errors.Wrapf(err, "group %q", groupname)
	}
	return g.Gid, nil
}

// IsUserInGroup reports whether username is listed in the member list of
// the group with id gid. A gid with no group entry is an error, which is
// distinct from the user not being a member.
//
// Only the explicit member list is consulted: a user whose primary group is
// gid but who is not listed is reported as not a member.
func (db *DB) IsUserInGroup(username string, gid int) (bool, error) {
	g, err := db.findGroup(func(g user.Group) bool { return g.Gid == gid })
	if err != nil {
		return false, errors.Wrapf(err, "gid %d", gid)
	}
	for _, member := range g.List {
		if member == username {
			return true, nil
		}
	}
	return false, nil
}

// SupplementaryGroups returns gid followed by the ids of every other group
// listing username as a member, the list initgroups(3) would install.
func (db *DB) SupplementaryGroups(username string, gid int) ([]int, error) {
	groups, err := user.ParseGroupFileFilter(db.GroupPath, func(g user.Group) bool {
		if g.Gid == gid {
			return false
		}
		for _, member := range g.List {
			if member == username {
				return true
			}
		}
		return false
	})
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", db.GroupPath)
	}
	gids := make([]int, 0, len(groups)+1)
	gids = append(gids, gid)
	seen := map[int]struct{}{gid: {}}
	for _, g := range groups {
		if _, ok := seen[g.Gid]; ok {
			continue
		}
		seen[g.Gid] = struct{}{}
		gids = append(gids, g.Gid)
	}
	return gids, nil
}

func (db *DB) findGroup(filter func(user.Group) bool) (user.Group, error) {
	groups, err := user.ParseGroupFileFilter(db.GroupPath, filter)
	if err != nil {
		return user.Group{}, errors.Wrapf(err, "reading %s", db.GroupPath)
	}
	if len(groups) == 0 {
		return user.Group{}, ErrGroupNotFound
	}
	return groups[0], nil
}
