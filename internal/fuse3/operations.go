package fuse3

import (
	"context"

	"github.com/NBISweden/fuse3compat/internal/fuseadapter"
)

// OpName names one entry of the operations table
type OpName string

// Operation names, in table order
const (
	OpGetattr       OpName = "getattr"
	OpReadlink      OpName = "readlink"
	OpMknod         OpName = "mknod"
	OpMkdir         OpName = "mkdir"
	OpUnlink        OpName = "unlink"
	OpRmdir         OpName = "rmdir"
	OpSymlink       OpName = "symlink"
	OpRename        OpName = "rename"
	OpLink          OpName = "link"
	OpChmod         OpName = "chmod"
	OpChown         OpName = "chown"
	OpTruncate      OpName = "truncate"
	OpOpen          OpName = "open"
	OpRead          OpName = "read"
	OpWrite         OpName = "write"
	OpStatfs        OpName = "statfs"
	OpFlush         OpName = "flush"
	OpRelease       OpName = "release"
	OpFsync         OpName = "fsync"
	OpSetxattr      OpName = "setxattr"
	OpGetxattr      OpName = "getxattr"
	OpListxattr     OpName = "listxattr"
	OpRemovexattr   OpName = "removexattr"
	OpOpendir       OpName = "opendir"
	OpReaddir       OpName = "readdir"
	OpReleasedir    OpName = "releasedir"
	OpFsyncdir      OpName = "fsyncdir"
	OpInit          OpName = "init"
	OpDestroy       OpName = "destroy"
	OpAccess        OpName = "access"
	OpCreate        OpName = "create"
	OpLock          OpName = "lock"
	OpUtimens       OpName = "utimens"
	OpBmap          OpName = "bmap"
	OpIoctl         OpName = "ioctl"
	OpPoll          OpName = "poll"
	OpWriteBuf      OpName = "write_buf"
	OpReadBuf       OpName = "read_buf"
	OpFlock         OpName = "flock"
	OpFallocate     OpName = "fallocate"
	OpCopyFileRange OpName = "copy_file_range"
	OpLseek         OpName = "lseek"
)

// AllOps lists every operation name in table order
var AllOps = []OpName{
	OpGetattr, OpReadlink, OpMknod, OpMkdir, OpUnlink, OpRmdir, OpSymlink,
	OpRename, OpLink, OpChmod, OpChown, OpTruncate, OpOpen, OpRead, OpWrite,
	OpStatfs, OpFlush, OpRelease, OpFsync, OpSetxattr, OpGetxattr,
	OpListxattr, OpRemovexattr, OpOpendir, OpReaddir, OpReleasedir,
	OpFsyncdir, OpInit, OpDestroy, OpAccess, OpCreate, OpLock, OpUtimens,
	OpBmap, OpIoctl, OpPoll, OpWriteBuf, OpReadBuf, OpFlock, OpFallocate,
	OpCopyFileRange, OpLseek,
}

// PollHandle identifies a pending poll request
type PollHandle struct {
	Kh uint64
}

// Operations is the table of filesystem callbacks. Every entry is optional,
// a nil entry means the filesystem does not implement the operation.
//
// Callbacks return 0 on success, a byte count for the data transferring
// ones, or a negative errno.
type Operations struct {
	Getattr  func(ctx context.Context, path string, stat *fuseadapter.Stat, fi *FileInfo) int
	Readlink func(ctx context.Context, path string, buf []byte) int
	Mknod    func(ctx context.Context, path string, mode uint32, rdev uint64) int
	Mkdir    func(ctx context.Context, path string, mode uint32) int
	Unlink   func(ctx context.Context, path string) int
	Rmdir    func(ctx context.Context, path string) int
	Symlink  func(ctx context.Context, target string, path string) int
	Rename   func(ctx context.Context, oldpath string, newpath string, flags uint32) int
	Link     func(ctx context.Context, oldpath string, newpath string) int
	Chmod    func(ctx context.Context, path string, mode uint32, fi *FileInfo) int
	Chown    func(ctx context.Context, path string, uid uint32, gid uint32, fi *FileInfo) int
	Truncate func(ctx context.Context, path string, size int64, fi *FileInfo) int

	Open    func(ctx context.Context, path string, fi *FileInfo) int
	Read    func(ctx context.Context, path string, buf []byte, off int64, fi *FileInfo) int
	Write   func(ctx context.Context, path string, data []byte, off int64, fi *FileInfo) int
	Statfs  func(ctx context.Context, path string, stat *fuseadapter.Statvfs) int
	Flush   func(ctx context.Context, path string, fi *FileInfo) int
	Release func(ctx context.Context, path string, fi *FileInfo) int
	Fsync   func(ctx context.Context, path string, datasync bool, fi *FileInfo) int

	Setxattr    func(ctx context.Context, path string, name string, value []byte, flags int) int
	Getxattr    func(ctx context.Context, path string, name string, buf []byte) int
	Listxattr   func(ctx context.Context, path string, buf []byte) int
	Removexattr func(ctx context.Context, path string, name string) int

	Opendir    func(ctx context.Context, path string, fi *FileInfo) int
	Readdir    func(ctx context.Context, path string, fill FillDir, off int64, fi *FileInfo, flags ReaddirFlags) int
	Releasedir func(ctx context.Context, path string, fi *FileInfo) int
	Fsyncdir   func(ctx context.Context, path string, datasync bool, fi *FileInfo) int

	// Init returns the private data for later calls
	Init    func(ctx context.Context, conn *ConnInfo, cfg *Config) any
	Destroy func(privateData any)

	Access  func(ctx context.Context, path string, mask uint32) int
	Create  func(ctx context.Context, path string, mode uint32, fi *FileInfo) int
	Lock    func(ctx context.Context, path string, fi *FileInfo, cmd int, lock *fuseadapter.Flock) int
	Utimens func(ctx context.Context, path string, tv [2]fuseadapter.Timespec, fi *FileInfo) int
	Bmap    func(ctx context.Context, path string, blocksize uint64, idx *uint64) int
	Ioctl   func(ctx context.Context, path string, cmd uint32, arg uint64, fi *FileInfo, flags uint32, data []byte) int
	Poll    func(ctx context.Context, path string, fi *FileInfo, ph *PollHandle, revents *uint32) int

	WriteBuf func(ctx context.Context, path string, buf *Bufvec, off int64, fi *FileInfo) int
	// ReadBuf returns the buffers holding the data along with the status
	ReadBuf func(ctx context.Context, path string, size int, off int64, fi *FileInfo) (*Bufvec, int)

	Flock         func(ctx context.Context, path string, fi *FileInfo, op int) int
	Fallocate     func(ctx context.Context, path string, mode int, off int64, length int64, fi *FileInfo) int
	CopyFileRange func(ctx context.Context, pathIn string, fiIn *FileInfo, offIn int64, pathOut string, fiOut *FileInfo, offOut int64, size int, flags int) int

	// Lseek returns the new offset or a negative errno
	Lseek func(ctx context.Context, path string, off int64, whence int, fi *FileInfo) int64
}

// Has reports whether the table supplies the named operation. Unknown
// names are never supplied.
func (o *Operations) Has(name OpName) bool {
	if o == nil {
		return false
	}

	switch name {
	case OpGetattr:
		return o.Getattr != nil
	case OpReadlink:
		return o.Readlink != nil
	case OpMknod:
		return o.Mknod != nil
	case OpMkdir:
		return o.Mkdir != nil
	case OpUnlink:
		return o.Unlink != nil
	case OpRmdir:
		return o.Rmdir != nil
	case OpSymlink:
		return o.Symlink != nil
	case OpRename:
		return o.Rename != nil
	case OpLink:
		return o.Link != nil
	case OpChmod:
		return o.Chmod != nil
	case OpChown:
		return o.Chown != nil
	case OpTruncate:
		return o.Truncate != nil
	case OpOpen:
		return o.Open != nil
	case OpRead:
		return o.Read != nil
	case OpWrite:
		return o.Write != nil
	case OpStatfs:
		return o.Statfs != nil
	case OpFlush:
		return o.Flush != nil
	case OpRelease:
		return o.Release != nil
	case OpFsync:
		return o.Fsync != nil
	case OpSetxattr:
		return o.Setxattr != nil
	case OpGetxattr:
		return o.Getxattr != nil
	case OpListxattr:
		return o.Listxattr != nil
	case OpRemovexattr:
		return o.Removexattr != nil
	case OpOpendir:
		return o.Opendir != nil
	case OpReaddir:
		return o.Readdir != nil
	case OpReleasedir:
		return o.Releasedir != nil
	case OpFsyncdir:
		return o.Fsyncdir != nil
	case OpInit:
		return o.Init != nil
	case OpDestroy:
		return o.Destroy != nil
	case OpAccess:
		return o.Access != nil
	case OpCreate:
		return o.Create != nil
	case OpLock:
		return o.Lock != nil
	case OpUtimens:
		return o.Utimens != nil
	case OpBmap:
		return o.Bmap != nil
	case OpIoctl:
		return o.Ioctl != nil
	case OpPoll:
		return o.Poll != nil
	case OpWriteBuf:
		return o.WriteBuf != nil
	case OpReadBuf:
		return o.ReadBuf != nil
	case OpFlock:
		return o.Flock != nil
	case OpFallocate:
		return o.Fallocate != nil
	case OpCopyFileRange:
		return o.CopyFileRange != nil
	case OpLseek:
		return o.Lseek != nil
	}

	return false
}

// Supplied lists the operations present in the table, in table order
func (o *Operations) Supplied() []OpName {
	var names []OpName

	for _, name := range AllOps {
		if o.Has(name) {
			names = append(names, name)
		}
	}

	return names
}
