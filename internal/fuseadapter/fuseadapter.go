// Package fuseadapter holds the kernel facing value types shared by the v2
// and v3 filesystem APIs and by the host runtimes that drive them.
package fuseadapter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"syscall"
	"time"
)

// InodeID represents a unique identifier for an inode in the filesystem
type InodeID uint64

// HandleID represents a unique identifier for an open file handle
type HandleID uint64

// RootInodeID is the constant representing the root directory inode
const RootInodeID InodeID = 1

// File type and permission bits, as used in Stat.Mode. The values are the
// POSIX ones so they are the same on every platform we build for.
const (
	S_IFMT   = 0o170000
	S_IFBLK  = 0o060000
	S_IFCHR  = 0o020000
	S_IFIFO  = 0o010000
	S_IFREG  = 0o100000
	S_IFDIR  = 0o040000
	S_IFLNK  = 0o120000
	S_IFSOCK = 0o140000

	S_ISUID = 0o4000
	S_ISGID = 0o2000
	S_ISVTX = 0o1000
)

// Open flags access mode, see open(2).
const (
	O_RDONLY  = 0
	O_WRONLY  = 1
	O_RDWR    = 2
	O_ACCMODE = 3
)

// Timespec is a point in time with nanosecond resolution
type Timespec struct {
	Sec  int64
	Nsec int64
}

// NewTimespec converts a time.Time
func NewTimespec(t time.Time) Timespec {
	if t.IsZero() {
		return Timespec{}
	}
	return Timespec{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

// Time converts back to a time.Time, the zero Timespec gives the zero time
func (ts Timespec) Time() time.Time {
	if ts.Sec == 0 && ts.Nsec == 0 {
		return time.Time{}
	}
	return time.Unix(ts.Sec, ts.Nsec)
}

// Stat contains the attributes of a filesystem node, see stat(2)
type Stat struct {
	Dev     uint64
	Ino     uint64
	Mode    uint32
	Nlink   uint32
	Uid     uint32
	Gid     uint32
	Rdev    uint64
	Size    int64
	Atim    Timespec
	Mtim    Timespec
	Ctim    Timespec
	Blksize int64
	Blocks  int64
}

// IsDir reports whether the stat describes a directory
func (s *Stat) IsDir() bool {
	return s.Mode&S_IFMT == S_IFDIR
}

// FileMode returns the mode in os.FileMode form
func (s *Stat) FileMode() os.FileMode {
	return ModeToFileMode(s.Mode)
}

// Statvfs contains filesystem statistics, see statvfs(3)
type Statvfs struct {
	Bsize   uint64
	Frsize  uint64
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Favail  uint64
	Fsid    uint64
	Flag    uint64
	Namemax uint64
}

// Flock describes a POSIX record lock, see fcntl(2)
type Flock struct {
	Type   int16
	Whence int16
	Start  int64
	Len    int64
	Pid    int32
}

// ModeToFileMode converts unix mode bits into os.FileMode
func ModeToFileMode(mode uint32) os.FileMode {
	m := os.FileMode(mode & 0o777)

	switch mode & S_IFMT {
	case S_IFDIR:
		m |= os.ModeDir
	case S_IFLNK:
		m |= os.ModeSymlink
	case S_IFIFO:
		m |= os.ModeNamedPipe
	case S_IFSOCK:
		m |= os.ModeSocket
	case S_IFCHR:
		m |= os.ModeDevice | os.ModeCharDevice
	case S_IFBLK:
		m |= os.ModeDevice
	}

	if mode&S_ISUID != 0 {
		m |= os.ModeSetuid
	}
	if mode&S_ISGID != 0 {
		m |= os.ModeSetgid
	}
	if mode&S_ISVTX != 0 {
		m |= os.ModeSticky
	}
	return m
}

// FileModeToMode converts os.FileMode into unix mode bits
func FileModeToMode(m os.FileMode) uint32 {
	mode := uint32(m.Perm())

	switch {
	case m&os.ModeDir != 0:
		mode |= S_IFDIR
	case m&os.ModeSymlink != 0:
		mode |= S_IFLNK
	case m&os.ModeNamedPipe != 0:
		mode |= S_IFIFO
	case m&os.ModeSocket != 0:
		mode |= S_IFSOCK
	case m&os.ModeCharDevice != 0:
		mode |= S_IFCHR
	case m&os.ModeDevice != 0:
		mode |= S_IFBLK
	default:
		mode |= S_IFREG
	}

	if m&os.ModeSetuid != 0 {
		mode |= S_ISUID
	}
	if m&os.ModeSetgid != 0 {
		mode |= S_ISGID
	}
	if m&os.ModeSticky != 0 {
		mode |= S_ISVTX
	}
	return mode
}

// Common error values
var (
	ErrNotImplemented = syscall.ENOSYS
	ErrNoEntry        = syscall.ENOENT
	ErrIO             = syscall.EIO
	ErrInvalid        = syscall.EINVAL
	ErrAccess         = syscall.EACCES
	ErrExist          = syscall.EEXIST
	ErrBadHandle      = syscall.EBADF
	ErrNotDir         = syscall.ENOTDIR
	ErrPermission     = syscall.EPERM
)

// Status turns an errno into the negative int returned by operation callbacks
func Status(e syscall.Errno) int {
	return -int(e)
}

// ErrnoOf turns a callback status back into an errno, non-negative statuses
// give 0
func ErrnoOf(status int) syscall.Errno {
	if status >= 0 {
		return 0
	}
	return syscall.Errno(-status)
}

// MapError maps a Go error to the status a callback should return
func MapError(err error) int {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	switch {
	case errors.As(err, &errno):
		return Status(errno)
	case errors.Is(err, fs.ErrNotExist):
		return Status(ErrNoEntry)
	case errors.Is(err, fs.ErrPermission):
		return Status(ErrAccess)
	case errors.Is(err, fs.ErrExist):
		return Status(ErrExist)
	case errors.Is(err, fs.ErrInvalid):
		return Status(ErrInvalid)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Status(syscall.EINTR)
	}

	return Status(ErrIO)
}

// MountConfig contains configuration for mounting a filesystem
type MountConfig struct {
	ReadOnly                  bool
	DisableDefaultPermissions bool
	AllowOther                bool
	Debug                     bool
	FSName                    string
	VolumeName                string
	Options                   map[string]string
}

// ParseMountOptions builds a MountConfig from "-o" style option strings,
// each of which may hold a comma separated list of key or key=value items.
// Options the config has a field for are lifted out of the map.
func ParseMountOptions(opts []string) (*MountConfig, error) {
	config := &MountConfig{Options: make(map[string]string)}

	for _, o := range opts {
		for _, item := range strings.Split(o, ",") {
			if item == "" {
				continue
			}
			key, value, _ := strings.Cut(item, "=")
			if key == "" {
				return nil, fmt.Errorf("bad mount option %q", item)
			}

			switch key {
			case "ro":
				config.ReadOnly = true
			case "rw":
				config.ReadOnly = false
			case "allow_other":
				config.AllowOther = true
			case "debug":
				config.Debug = true
			case "fsname":
				config.FSName = value
			case "volname":
				config.VolumeName = value
			default:
				config.Options[key] = value
			}
		}
	}

	return config, nil
}

// OptionStrings renders the config back into "-o" values, in a stable order
func (c *MountConfig) OptionStrings() []string {
	var opts []string

	if c.ReadOnly {
		opts = append(opts, "ro")
	}
	if c.AllowOther {
		opts = append(opts, "allow_other")
	}
	if c.Debug {
		opts = append(opts, "debug")
	}
	if c.FSName != "" {
		opts = append(opts, "fsname="+c.FSName)
	}
	if c.VolumeName != "" {
		opts = append(opts, "volname="+c.VolumeName)
	}

	keys := make([]string, 0, len(c.Options))
	for k := range c.Options {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if v := c.Options[k]; v != "" {
			opts = append(opts, k+"="+v)
		} else {
			opts = append(opts, k)
		}
	}

	return opts
}
