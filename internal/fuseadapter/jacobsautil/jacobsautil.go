// Package jacobsautil provides utility functions for working with jacobsa/fuse types
package jacobsautil

import (
	"github.com/NBISweden/fuse3compat/internal/fuseadapter"
	"github.com/jacobsa/fuse/fuseops"
)

// Attributes converts a Stat to jacobsa's inode attributes
func Attributes(st *fuseadapter.Stat) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  uint64(max(st.Size, 0)),
		Nlink: st.Nlink,
		Mode:  st.FileMode(),
		Rdev:  uint32(st.Rdev),
		Uid:   st.Uid,
		Gid:   st.Gid,
		Atime: st.Atim.Time(),
		Mtime: st.Mtim.Time(),
		Ctime: st.Ctim.Time(),
	}
}

// Stat converts jacobsa's inode attributes to a Stat
func Stat(attrs fuseops.InodeAttributes) fuseadapter.Stat {
	return fuseadapter.Stat{
		Size:  int64(attrs.Size),
		Nlink: attrs.Nlink,
		Mode:  fuseadapter.FileModeToMode(attrs.Mode),
		Rdev:  uint64(attrs.Rdev),
		Uid:   attrs.Uid,
		Gid:   attrs.Gid,
		Atim:  fuseadapter.NewTimespec(attrs.Atime),
		Mtim:  fuseadapter.NewTimespec(attrs.Mtime),
		Ctim:  fuseadapter.NewTimespec(attrs.Ctime),
	}
}
