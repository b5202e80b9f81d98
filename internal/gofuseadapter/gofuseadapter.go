// Package gofuseadapter provides a host runtime on top of hanwen/go-fuse.
// Each kernel inode is a node in go-fuse's tree and its path is what the
// operations table is called with.
package gofuseadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"
	"syscall"
	"time"

	"github.com/NBISweden/fuse3compat/internal/fuse2"
	"github.com/NBISweden/fuse3compat/internal/fuseadapter"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// readlinkSize is the buffer handed to readlink
const readlinkSize = 4096

// Runtime implements fuse2.Runtime using go-fuse
type Runtime struct {
	log *slog.Logger

	// Cache timeouts handed to go-fuse, zero disables caching
	EntryTimeout time.Duration
	AttrTimeout  time.Duration

	mount func(dir string, root gofuse.InodeEmbedder, options *gofuse.Options) (server, error)
}

// server is the part of fuse.Server we use
type server interface {
	Wait()
	Unmount() error
}

// NewRuntime creates a new go-fuse runtime
func NewRuntime(log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}

	return &Runtime{
		log:          log.With("runtime", "go-fuse"),
		EntryTimeout: time.Second,
		AttrTimeout:  time.Second,
		mount: func(dir string, root gofuse.InodeEmbedder, options *gofuse.Options) (server, error) {
			return gofuse.Mount(dir, root, options)
		},
	}
}

// channel carries the mount options until New mounts
type channel struct {
	mountpoint string
	options    fuse.MountOptions

	mu     sync.Mutex
	server server
}

func (c *channel) Mountpoint() string {
	return c.mountpoint
}

// Mount checks the mountpoint and prepares the go-fuse options from the
// -o options in args
func (r *Runtime) Mount(mountpoint string, args *fuse2.Args) (fuse2.Chan, error) {
	st, err := os.Stat(mountpoint)
	if err != nil {
		return nil, fmt.Errorf("could not stat mountpoint %s: %w", mountpoint, err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("mountpoint %s is not a directory", mountpoint)
	}

	opts, err := fuseadapter.ParseMountOptions(fuse2.MountOptions(args))
	if err != nil {
		return nil, err
	}

	return &channel{mountpoint: mountpoint, options: mountOptions(opts)}, nil
}

func mountOptions(opts *fuseadapter.MountConfig) fuse.MountOptions {
	mo := fuse.MountOptions{
		AllowOther: opts.AllowOther,
		FsName:     opts.FSName,
		Name:       "fuse3compat",
		Debug:      opts.Debug,
	}

	if opts.ReadOnly {
		mo.Options = append(mo.Options, "ro")
	}
	if !opts.DisableDefaultPermissions {
		mo.Options = append(mo.Options, "default_permissions")
	}

	rest := &fuseadapter.MountConfig{Options: opts.Options}
	mo.Options = append(mo.Options, rest.OptionStrings()...)

	return mo
}

// Unmount unmounts the filesystem if New mounted it
func (r *Runtime) Unmount(mountpoint string, ch fuse2.Chan) {
	c, ok := ch.(*channel)
	if !ok {
		return
	}

	c.mu.Lock()
	s := c.server
	c.server = nil
	c.mu.Unlock()

	if s == nil {
		return
	}
	if err := s.Unmount(); err != nil {
		r.log.Debug("unmount failed", "mountpoint", mountpoint, "error", err)
	}
}

// New mounts the filesystem, from now on the kernel may send requests
func (r *Runtime) New(ch fuse2.Chan, args *fuse2.Args, ops *fuse2.Operations, privateData any) (fuse2.Fuse, error) {
	c, ok := ch.(*channel)
	if !ok || c == nil {
		return nil, errors.New("channel not opened by this runtime")
	}

	b := &bridge{ops: ops, private: privateData, log: r.log}
	entry, attr := r.EntryTimeout, r.AttrTimeout

	s, err := r.mount(c.mountpoint, &node{b: b}, &gofuse.Options{
		EntryTimeout: &entry,
		AttrTimeout:  &attr,
		MountOptions: c.options,
	})
	if err != nil {
		return nil, fmt.Errorf("go-fuse mount failed: %w", err)
	}

	c.mu.Lock()
	c.server = s
	c.mu.Unlock()

	return &handle{server: s}, nil
}

type handle struct {
	server server
}

// Loop waits for the filesystem to be unmounted
func (h *handle) Loop() error {
	h.server.Wait()
	return nil
}

func (h *handle) Destroy() {
}

// bridge calls the operations table with paths
type bridge struct {
	ops     *fuse2.Operations
	private any
	log     *slog.Logger
}

// fileHandle is what go-fuse hands back on reads, writes and release
type fileHandle struct {
	fi fuse2.FileInfo
}

func (b *bridge) context(ctx context.Context) context.Context {
	c := &fuse2.Context{PrivateData: b.private}

	if caller, ok := fuse.FromContext(ctx); ok {
		c.Uid = caller.Uid
		c.Gid = caller.Gid
		c.Pid = caller.Pid
	}

	return fuse2.NewContext(ctx, c)
}

func errno(status int) syscall.Errno {
	return fuseadapter.ErrnoOf(status)
}

func (b *bridge) getattr(ctx context.Context, p string, out *fuse.Attr) syscall.Errno {
	if b.ops.Getattr == nil {
		return fuseadapter.ErrNotImplemented
	}

	var st fuseadapter.Stat
	if e := errno(b.ops.Getattr(b.context(ctx), p, &st)); e != 0 {
		return e
	}

	fillAttr(&st, out)
	return 0
}

func fillAttr(st *fuseadapter.Stat, out *fuse.Attr) {
	out.Ino = st.Ino
	out.Size = uint64(max(st.Size, 0))
	out.Blocks = uint64(max(st.Blocks, 0))
	out.Mode = st.Mode
	out.Nlink = st.Nlink
	out.Uid = st.Uid
	out.Gid = st.Gid
	out.Rdev = uint32(st.Rdev)
	out.Blksize = uint32(max(st.Blksize, 0))
	out.Atime, out.Atimensec = uint64(st.Atim.Sec), uint32(st.Atim.Nsec)
	out.Mtime, out.Mtimensec = uint64(st.Mtim.Sec), uint32(st.Mtim.Nsec)
	out.Ctime, out.Ctimensec = uint64(st.Ctim.Sec), uint32(st.Ctim.Nsec)
}

func (b *bridge) readlink(ctx context.Context, p string) ([]byte, syscall.Errno) {
	if b.ops.Readlink == nil {
		return nil, fuseadapter.ErrNotImplemented
	}

	buf := make([]byte, readlinkSize)
	if e := errno(b.ops.Readlink(b.context(ctx), p, buf)); e != 0 {
		return nil, e
	}

	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return buf[:n], 0
}

func (b *bridge) mknod(ctx context.Context, p string, mode uint32, dev uint64) syscall.Errno {
	if b.ops.Mknod == nil {
		return fuseadapter.ErrNotImplemented
	}
	return errno(b.ops.Mknod(b.context(ctx), p, mode, dev))
}

func (b *bridge) mkdir(ctx context.Context, p string, mode uint32) syscall.Errno {
	if b.ops.Mkdir == nil {
		return fuseadapter.ErrNotImplemented
	}
	return errno(b.ops.Mkdir(b.context(ctx), p, mode))
}

func (b *bridge) unlink(ctx context.Context, p string) syscall.Errno {
	if b.ops.Unlink == nil {
		return fuseadapter.ErrNotImplemented
	}
	return errno(b.ops.Unlink(b.context(ctx), p))
}

func (b *bridge) rmdir(ctx context.Context, p string) syscall.Errno {
	if b.ops.Rmdir == nil {
		return fuseadapter.ErrNotImplemented
	}
	return errno(b.ops.Rmdir(b.context(ctx), p))
}

func (b *bridge) open(ctx context.Context, p string, flags uint32) (*fileHandle, uint32, syscall.Errno) {
	if b.ops.Open == nil {
		return nil, 0, fuseadapter.ErrNotImplemented
	}

	fh := &fileHandle{fi: fuse2.FileInfo{Flags: int32(flags)}}
	if e := errno(b.ops.Open(b.context(ctx), p, &fh.fi)); e != 0 {
		return nil, 0, e
	}

	var fuseFlags uint32
	if fh.fi.DirectIO {
		fuseFlags |= fuse.FOPEN_DIRECT_IO
	}
	if fh.fi.KeepCache {
		fuseFlags |= fuse.FOPEN_KEEP_CACHE
	}
	if fh.fi.NonSeekable {
		fuseFlags |= fuse.FOPEN_NONSEEKABLE
	}

	return fh, fuseFlags, 0
}

// fileInfo returns a copy of the file info kept at open, requests on one
// handle may run concurrently and each gets its own
func fileInfo(f gofuse.FileHandle) (*fuse2.FileInfo, syscall.Errno) {
	fh, ok := f.(*fileHandle)
	if !ok || fh == nil {
		return nil, fuseadapter.ErrBadHandle
	}
	fi := fh.fi
	return &fi, 0
}

func (b *bridge) read(ctx context.Context, p string, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if b.ops.Read == nil {
		return nil, fuseadapter.ErrNotImplemented
	}

	fi, e := fileInfo(f)
	if e != 0 {
		return nil, e
	}

	status := b.ops.Read(b.context(ctx), p, dest, off, fi)
	if status < 0 {
		return nil, errno(status)
	}

	return fuse.ReadResultData(dest[:min(status, len(dest))]), 0
}

func (b *bridge) write(ctx context.Context, p string, f gofuse.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	if b.ops.Write == nil {
		return 0, fuseadapter.ErrNotImplemented
	}

	fi, e := fileInfo(f)
	if e != 0 {
		return 0, e
	}

	status := b.ops.Write(b.context(ctx), p, data, off, fi)
	if status < 0 {
		return 0, errno(status)
	}

	return uint32(status), 0
}

func (b *bridge) release(ctx context.Context, p string, f gofuse.FileHandle) syscall.Errno {
	fi, e := fileInfo(f)
	if e != 0 {
		return e
	}
	if b.ops.Release == nil {
		return 0
	}

	return errno(b.ops.Release(b.context(ctx), p, fi))
}

// node is one inode of the go-fuse tree
type node struct {
	gofuse.Inode
	b *bridge
}

var _ gofuse.InodeEmbedder = (*node)(nil)
var _ gofuse.NodeGetattrer = (*node)(nil)
var _ gofuse.NodeLookuper = (*node)(nil)
var _ gofuse.NodeReadlinker = (*node)(nil)
var _ gofuse.NodeMknoder = (*node)(nil)
var _ gofuse.NodeMkdirer = (*node)(nil)
var _ gofuse.NodeUnlinker = (*node)(nil)
var _ gofuse.NodeRmdirer = (*node)(nil)
var _ gofuse.NodeOpener = (*node)(nil)
var _ gofuse.NodeReader = (*node)(nil)
var _ gofuse.NodeWriter = (*node)(nil)
var _ gofuse.NodeReleaser = (*node)(nil)

// path is the absolute path of the node, go-fuse gives it relative to the
// root
func (n *node) path() string {
	return "/" + n.Path(nil)
}

func (n *node) child(name string) string {
	return path.Join(n.path(), name)
}

// newChild looks p up and adds the inode for it
func (n *node) newChild(ctx context.Context, p string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	if e := n.b.getattr(ctx, p, &out.Attr); e != 0 {
		return nil, e
	}

	child := n.NewInode(ctx, &node{b: n.b}, gofuse.StableAttr{
		Mode: out.Attr.Mode & fuseadapter.S_IFMT,
		Ino:  out.Attr.Ino,
	})
	return child, 0
}

func (n *node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	return n.b.getattr(ctx, n.path(), &out.Attr)
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	return n.newChild(ctx, n.child(name), out)
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	return n.b.readlink(ctx, n.path())
}

func (n *node) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	p := n.child(name)
	if e := n.b.mknod(ctx, p, mode, uint64(dev)); e != 0 {
		return nil, e
	}
	return n.newChild(ctx, p, out)
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	p := n.child(name)
	if e := n.b.mkdir(ctx, p, mode); e != 0 {
		return nil, e
	}
	return n.newChild(ctx, p, out)
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.b.unlink(ctx, n.child(name))
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.b.rmdir(ctx, n.child(name))
}

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	fh, fuseFlags, e := n.b.open(ctx, n.path(), flags)
	if e != 0 {
		return nil, 0, e
	}
	return fh, fuseFlags, 0
}

func (n *node) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	return n.b.read(ctx, n.path(), f, dest, off)
}

func (n *node) Write(ctx context.Context, f gofuse.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	return n.b.write(ctx, n.path(), f, data, off)
}

func (n *node) Release(ctx context.Context, f gofuse.FileHandle) syscall.Errno {
	return n.b.release(ctx, n.path(), f)
}
