//go:build (cgo && !darwin && !(linux && arm64)) || windows

// On windows, cgofuse is supported without cgo

package cgofuseadapter

import (
	"syscall"

	"github.com/NBISweden/fuse3compat/internal/fuseadapter"
	"github.com/winfsp/cgofuse/fuse"
)

func CGOFuseAvailable() bool {
	return true
}

type Stat_t = fuse.Stat_t
type Statfs_t = fuse.Statfs_t

type filesystembase = fuse.FileSystemBase
type hostType = fuse.FileSystemHost

// hostErrnos maps our errnos to the ones cgofuse reports, they differ on
// windows
var hostErrnos = map[syscall.Errno]int{
	syscall.EPERM:     fuse.EPERM,
	syscall.ENOENT:    fuse.ENOENT,
	syscall.EINTR:     fuse.EINTR,
	syscall.EIO:       fuse.EIO,
	syscall.EBADF:     fuse.EBADF,
	syscall.EAGAIN:    fuse.EAGAIN,
	syscall.EACCES:    fuse.EACCES,
	syscall.EEXIST:    fuse.EEXIST,
	syscall.ENOTDIR:   fuse.ENOTDIR,
	syscall.EISDIR:    fuse.EISDIR,
	syscall.EINVAL:    fuse.EINVAL,
	syscall.EROFS:     fuse.EROFS,
	syscall.ENOSYS:    fuse.ENOSYS,
	syscall.ENOTEMPTY: fuse.ENOTEMPTY,
}

func hostStatus(status int) int {
	if status >= 0 {
		return status
	}

	if e, ok := hostErrnos[fuseadapter.ErrnoOf(status)]; ok {
		return -e
	}
	return -fuse.EIO
}

func callerContext() (uint32, uint32, uint32) {
	uid, gid, pid := fuse.Getcontext()
	return uid, gid, uint32(pid)
}

// mountHost mounts a, it only returns once the filesystem is unmounted
func mountHost(a *Adapter) bool {
	host := fuse.NewFileSystemHost(a)

	a.mu.Lock()
	a.host = host
	a.mu.Unlock()

	mounted := host.Mount(a.mountpoint, a.options)
	if !mounted {
		a.log.Info("cgofuse mount failed for unknown reason")
	}

	return mounted
}

func unmountHost(h *hostType) {
	h.Unmount()
}

func statToHost(s *fuseadapter.Stat, st *Stat_t) {
	st.Dev = s.Dev
	st.Ino = s.Ino
	st.Mode = s.Mode
	st.Nlink = s.Nlink
	st.Uid = s.Uid
	st.Gid = s.Gid
	st.Rdev = s.Rdev
	st.Size = s.Size
	st.Atim = fuse.Timespec{Sec: s.Atim.Sec, Nsec: s.Atim.Nsec}
	st.Mtim = fuse.Timespec{Sec: s.Mtim.Sec, Nsec: s.Mtim.Nsec}
	st.Ctim = fuse.Timespec{Sec: s.Ctim.Sec, Nsec: s.Ctim.Nsec}
	st.Blksize = s.Blksize
	st.Blocks = s.Blocks
}
