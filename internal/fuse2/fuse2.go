// Package fuse2 describes the v2 host API: the narrower callback table a
// host runtime dispatches to and the interfaces a host runtime provides.
package fuse2

import (
	"context"

	"github.com/NBISweden/fuse3compat/internal/fuseadapter"
)

// Bit positions of the behavioural flags of a FileInfo within its flag word
const (
	BitDirectIO uint32 = 1 << iota
	BitKeepCache
	BitFlush
	BitNonSeekable
)

// FileInfo is the per call descriptor of the host
type FileInfo struct {
	Flags       int32
	DirectIO    bool
	KeepCache   bool
	Flush       bool
	NonSeekable bool
	Fh          uint64
	LockOwner   uint64
}

// Bits packs the behavioural flags into their flag word
func (fi FileInfo) Bits() uint32 {
	var b uint32

	if fi.DirectIO {
		b |= BitDirectIO
	}
	if fi.KeepCache {
		b |= BitKeepCache
	}
	if fi.Flush {
		b |= BitFlush
	}
	if fi.NonSeekable {
		b |= BitNonSeekable
	}

	return b
}

// Operations is the table the host dispatches to. Only these ten
// operations are ever requested by a host; a nil entry makes the host
// answer ENOSYS itself.
type Operations struct {
	Getattr  func(ctx context.Context, path string, stat *fuseadapter.Stat) int
	Readlink func(ctx context.Context, path string, buf []byte) int
	Mknod    func(ctx context.Context, path string, mode uint32, rdev uint64) int
	Mkdir    func(ctx context.Context, path string, mode uint32) int
	Unlink   func(ctx context.Context, path string) int
	Rmdir    func(ctx context.Context, path string) int
	Open     func(ctx context.Context, path string, fi *FileInfo) int
	Read     func(ctx context.Context, path string, buf []byte, off int64, fi *FileInfo) int
	Write    func(ctx context.Context, path string, data []byte, off int64, fi *FileInfo) int
	Release  func(ctx context.Context, path string, fi *FileInfo) int
}

// Names of the host operations
const (
	OpGetattr  = "getattr"
	OpReadlink = "readlink"
	OpMknod    = "mknod"
	OpMkdir    = "mkdir"
	OpUnlink   = "unlink"
	OpRmdir    = "rmdir"
	OpOpen     = "open"
	OpRead     = "read"
	OpWrite    = "write"
	OpRelease  = "release"
)

// AllOps lists the host operation names in table order
var AllOps = []string{
	OpGetattr, OpReadlink, OpMknod, OpMkdir, OpUnlink, OpRmdir,
	OpOpen, OpRead, OpWrite, OpRelease,
}

// Installed lists the names of the entries present in the table
func (o *Operations) Installed() []string {
	if o == nil {
		return nil
	}

	present := map[string]bool{
		OpGetattr:  o.Getattr != nil,
		OpReadlink: o.Readlink != nil,
		OpMknod:    o.Mknod != nil,
		OpMkdir:    o.Mkdir != nil,
		OpUnlink:   o.Unlink != nil,
		OpRmdir:    o.Rmdir != nil,
		OpOpen:     o.Open != nil,
		OpRead:     o.Read != nil,
		OpWrite:    o.Write != nil,
		OpRelease:  o.Release != nil,
	}

	var names []string
	for _, name := range AllOps {
		if present[name] {
			names = append(names, name)
		}
	}
	return names
}

// Args is an argument list, the program name first
type Args struct {
	Argv []string
}

// Chan is an open channel to the kernel for one mountpoint
type Chan interface {
	Mountpoint() string
}

// Fuse is a host filesystem handle
type Fuse interface {
	// Loop dispatches requests to the operations table until the
	// filesystem is unmounted. It returns nil on a clean unmount.
	Loop() error

	// Destroy releases the handle
	Destroy()
}

// Runtime is a host runtime: it owns the kernel channel and the dispatch
// loop
type Runtime interface {
	// Mount opens a channel at mountpoint
	Mount(mountpoint string, args *Args) (Chan, error)

	// Unmount closes a channel opened by Mount
	Unmount(mountpoint string, ch Chan)

	// New creates a filesystem handle dispatching to ops on ch.
	// privateData is made available to callbacks through the per call
	// context.
	New(ch Chan, args *Args, ops *Operations, privateData any) (Fuse, error)
}

// Context describes the caller of the current operation
type Context struct {
	Uid         uint32
	Gid         uint32
	Pid         uint32
	Umask       uint32
	PrivateData any
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying c
func NewContext(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// GetContext returns the caller of the current operation or nil when ctx
// does not carry one
func GetContext(ctx context.Context) *Context {
	c, _ := ctx.Value(contextKey{}).(*Context)
	return c
}

// BasicChan is a Chan that only knows its mountpoint
type BasicChan string

// Mountpoint returns the mountpoint
func (c BasicChan) Mountpoint() string {
	return string(c)
}
