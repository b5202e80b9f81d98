// Package jacobsa provides a host runtime on top of jacobsa/fuse. The
// kernel talks inodes and handles to it, the operations table gets paths.
package jacobsa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"

	"github.com/NBISweden/fuse3compat/internal/fuse2"
	"github.com/NBISweden/fuse3compat/internal/fuseadapter"
	"github.com/NBISweden/fuse3compat/internal/fuseadapter/jacobsautil"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
)

// readlinkSize is the buffer handed to readlink
const readlinkSize = 4096

// Runtime implements fuse2.Runtime using jacobsa/fuse
type Runtime struct {
	log *slog.Logger

	// Functions managed as struct fields to simplify testing
	mount   func(dir string, server fuse.Server, config *fuse.MountConfig) (*fuse.MountedFileSystem, error)
	unmount func(dir string) error
}

// NewRuntime creates a new jacobsa/fuse runtime
func NewRuntime(log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}

	return &Runtime{
		log:     log.With("runtime", "jacobsa"),
		mount:   fuse.Mount,
		unmount: fuse.Unmount,
	}
}

// channel carries the mount configuration until New mounts
type channel struct {
	mountpoint string
	config     *fuse.MountConfig

	mu      sync.Mutex
	mounted bool
}

func (c *channel) Mountpoint() string {
	return c.mountpoint
}

// Mount checks the mountpoint and prepares the mount configuration from
// the -o options in args
func (r *Runtime) Mount(mountpoint string, args *fuse2.Args) (fuse2.Chan, error) {
	st, err := os.Stat(mountpoint)
	if err != nil {
		return nil, fmt.Errorf("could not stat mountpoint %s: %w", mountpoint, err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("mountpoint %s is not a directory", mountpoint)
	}

	config, err := r.mountConfig(args)
	if err != nil {
		return nil, err
	}

	return &channel{mountpoint: mountpoint, config: config}, nil
}

func (r *Runtime) mountConfig(args *fuse2.Args) (*fuse.MountConfig, error) {
	opts, err := fuseadapter.ParseMountOptions(fuse2.MountOptions(args))
	if err != nil {
		return nil, err
	}

	config := &fuse.MountConfig{
		ReadOnly:                  opts.ReadOnly,
		DisableDefaultPermissions: opts.DisableDefaultPermissions,
		FSName:                    opts.FSName,
		VolumeName:                opts.VolumeName,
		FuseImpl:                  fuse.FUSEImplMacFUSE,
		ErrorLogger:               slog.NewLogLogger(r.log.Handler(), slog.LevelError),
		Options:                   opts.Options,
	}

	if opts.AllowOther {
		config.Options["allow_other"] = ""
	}
	if opts.Debug {
		config.DebugLogger = slog.NewLogLogger(r.log.Handler(), slog.LevelDebug)
	}

	return config, nil
}

// Unmount unmounts the filesystem at the channel's mountpoint if New
// mounted it
func (r *Runtime) Unmount(mountpoint string, ch fuse2.Chan) {
	c, ok := ch.(*channel)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.mounted {
		return
	}
	c.mounted = false

	if err := r.unmount(mountpoint); err != nil {
		// Already gone when the loop ended with an external unmount
		r.log.Debug("unmount failed", "mountpoint", mountpoint, "error", err)
	}
}

// New mounts the filesystem, from now on the kernel may send requests
func (r *Runtime) New(ch fuse2.Chan, args *fuse2.Args, ops *fuse2.Operations, privateData any) (fuse2.Fuse, error) {
	c, ok := ch.(*channel)
	if !ok || c == nil {
		return nil, errors.New("channel not opened by this runtime")
	}

	bridge := newBridge(ops, privateData, r.log)
	server := fuseutil.NewFileSystemServer(bridge)

	mfs, err := r.mount(c.mountpoint, server, c.config)
	if err != nil {
		return nil, fmt.Errorf("jacobsa mount failed: %w", err)
	}

	c.mu.Lock()
	c.mounted = true
	c.mu.Unlock()

	return &handle{mfs: mfs, bridge: bridge}, nil
}

// handle wraps jacobsa's MountedFileSystem
type handle struct {
	mfs    *fuse.MountedFileSystem
	bridge *fileSystemBridge
}

// Loop waits for the filesystem to be unmounted
func (h *handle) Loop() error {
	return h.mfs.Join(context.Background())
}

// Destroy drops the inode and handle tables
func (h *handle) Destroy() {
	h.bridge.reset()
}

// openFile is what a handle refers to
type openFile struct {
	path string
	fi   fuse2.FileInfo
}

// fileSystemBridge bridges the host operations table to jacobsa's
// fuseutil.FileSystem
type fileSystemBridge struct {
	fuseutil.NotImplementedFileSystem

	ops     *fuse2.Operations
	private any
	log     *slog.Logger

	mu         sync.Mutex
	paths      map[fuseops.InodeID]string
	inodes     map[string]fuseops.InodeID
	lookups    map[fuseops.InodeID]uint64
	nextInode  fuseops.InodeID
	handles    map[fuseops.HandleID]*openFile
	nextHandle fuseops.HandleID
}

func newBridge(ops *fuse2.Operations, privateData any, log *slog.Logger) *fileSystemBridge {
	b := &fileSystemBridge{ops: ops, private: privateData, log: log}
	b.reset()
	return b
}

func (b *fileSystemBridge) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.paths = map[fuseops.InodeID]string{fuseops.RootInodeID: "/"}
	b.inodes = map[string]fuseops.InodeID{"/": fuseops.RootInodeID}
	b.lookups = make(map[fuseops.InodeID]uint64)
	b.nextInode = fuseops.RootInodeID + 1
	b.handles = make(map[fuseops.HandleID]*openFile)
	b.nextHandle = 1
}

// context returns ctx carrying the caller for the operations table
func (b *fileSystemBridge) context(ctx context.Context, opCtx fuseops.OpContext) context.Context {
	return fuse2.NewContext(ctx, &fuse2.Context{
		Uid:         opCtx.Uid,
		Pid:         opCtx.Pid,
		PrivateData: b.private,
	})
}

func (b *fileSystemBridge) pathOf(inode fuseops.InodeID) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.paths[inode]
	if !ok {
		return "", fuseadapter.ErrNoEntry
	}
	return p, nil
}

func (b *fileSystemBridge) childPath(parent fuseops.InodeID, name string) (string, error) {
	p, err := b.pathOf(parent)
	if err != nil {
		return "", err
	}
	return path.Join(p, name), nil
}

// inodeFor returns the inode of p, allocating one if needed, and counts a
// kernel lookup
func (b *fileSystemBridge) inodeFor(p string) fuseops.InodeID {
	b.mu.Lock()
	defer b.mu.Unlock()

	inode, ok := b.inodes[p]
	if !ok {
		inode = b.nextInode
		b.nextInode++
		b.inodes[p] = inode
		b.paths[inode] = p
	}
	b.lookups[inode]++

	return inode
}

func (b *fileSystemBridge) forgetPath(p string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	inode, ok := b.inodes[p]
	if !ok || inode == fuseops.RootInodeID {
		return
	}
	delete(b.inodes, p)
	delete(b.paths, inode)
	delete(b.lookups, inode)
}

// statusError turns a negative status into an error
func statusError(status int) error {
	if status < 0 {
		return fuseadapter.ErrnoOf(status)
	}
	return nil
}

func (b *fileSystemBridge) getattr(ctx context.Context, p string) (fuseops.InodeAttributes, error) {
	if b.ops.Getattr == nil {
		return fuseops.InodeAttributes{}, fuseadapter.ErrNotImplemented
	}

	var st fuseadapter.Stat
	if err := statusError(b.ops.Getattr(ctx, p, &st)); err != nil {
		return fuseops.InodeAttributes{}, err
	}

	return jacobsautil.Attributes(&st), nil
}

// entry fills a child entry for p after a lookup or a creation
func (b *fileSystemBridge) entry(ctx context.Context, p string, e *fuseops.ChildInodeEntry) error {
	attrs, err := b.getattr(ctx, p)
	if err != nil {
		return err
	}

	e.Child = b.inodeFor(p)
	e.Attributes = attrs
	return nil
}

// StatFS reports empty statistics, the operations table has no statfs
func (b *fileSystemBridge) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	return nil
}

// LookUpInode bridges to getattr on the child path
func (b *fileSystemBridge) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	p, err := b.childPath(op.Parent, op.Name)
	if err != nil {
		return err
	}

	return b.entry(b.context(ctx, op.OpContext), p, &op.Entry)
}

// GetInodeAttributes bridges to getattr
func (b *fileSystemBridge) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	p, err := b.pathOf(op.Inode)
	if err != nil {
		return err
	}

	attrs, err := b.getattr(b.context(ctx, op.OpContext), p)
	if err != nil {
		return err
	}
	op.Attributes = attrs

	return nil
}

// ForgetInode drops the inode once the kernel holds no more references
func (b *fileSystemBridge) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if op.Inode == fuseops.RootInodeID {
		return nil
	}

	n := b.lookups[op.Inode]
	if op.N < n {
		b.lookups[op.Inode] = n - op.N
		return nil
	}

	if p, ok := b.paths[op.Inode]; ok {
		delete(b.inodes, p)
	}
	delete(b.paths, op.Inode)
	delete(b.lookups, op.Inode)

	return nil
}

// ReadSymlink bridges to readlink
func (b *fileSystemBridge) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	if b.ops.Readlink == nil {
		return fuseadapter.ErrNotImplemented
	}

	p, err := b.pathOf(op.Inode)
	if err != nil {
		return err
	}

	buf := make([]byte, readlinkSize)
	if err := statusError(b.ops.Readlink(b.context(ctx, op.OpContext), p, buf)); err != nil {
		return err
	}

	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	op.Target = string(buf[:n])

	return nil
}

// MkDir bridges to mkdir
func (b *fileSystemBridge) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	if b.ops.Mkdir == nil {
		return fuseadapter.ErrNotImplemented
	}

	p, err := b.childPath(op.Parent, op.Name)
	if err != nil {
		return err
	}

	ctx = b.context(ctx, op.OpContext)
	if err := statusError(b.ops.Mkdir(ctx, p, uint32(op.Mode.Perm()))); err != nil {
		return err
	}

	return b.entry(ctx, p, &op.Entry)
}

// MkNode bridges to mknod
func (b *fileSystemBridge) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	if b.ops.Mknod == nil {
		return fuseadapter.ErrNotImplemented
	}

	p, err := b.childPath(op.Parent, op.Name)
	if err != nil {
		return err
	}

	ctx = b.context(ctx, op.OpContext)
	mode := fuseadapter.FileModeToMode(op.Mode)
	if err := statusError(b.ops.Mknod(ctx, p, mode, uint64(op.Rdev))); err != nil {
		return err
	}

	return b.entry(ctx, p, &op.Entry)
}

// Unlink bridges to unlink
func (b *fileSystemBridge) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	if b.ops.Unlink == nil {
		return fuseadapter.ErrNotImplemented
	}

	p, err := b.childPath(op.Parent, op.Name)
	if err != nil {
		return err
	}

	if err := statusError(b.ops.Unlink(b.context(ctx, op.OpContext), p)); err != nil {
		return err
	}
	b.forgetPath(p)

	return nil
}

// RmDir bridges to rmdir
func (b *fileSystemBridge) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	if b.ops.Rmdir == nil {
		return fuseadapter.ErrNotImplemented
	}

	p, err := b.childPath(op.Parent, op.Name)
	if err != nil {
		return err
	}

	if err := statusError(b.ops.Rmdir(b.context(ctx, op.OpContext), p)); err != nil {
		return err
	}
	b.forgetPath(p)

	return nil
}

// OpenFile bridges to open and hands out a handle for the result
func (b *fileSystemBridge) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	if b.ops.Open == nil {
		return fuseadapter.ErrNotImplemented
	}

	p, err := b.pathOf(op.Inode)
	if err != nil {
		return err
	}

	fi := fuse2.FileInfo{Flags: int32(op.OpenFlags)}
	if err := statusError(b.ops.Open(b.context(ctx, op.OpContext), p, &fi)); err != nil {
		return err
	}

	b.mu.Lock()
	op.Handle = b.nextHandle
	b.nextHandle++
	b.handles[op.Handle] = &openFile{path: p, fi: fi}
	b.mu.Unlock()

	op.KeepPageCache = fi.KeepCache
	op.UseDirectIO = fi.DirectIO

	return nil
}

func (b *fileSystemBridge) openFile(h fuseops.HandleID) (*openFile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	of, ok := b.handles[h]
	if !ok {
		return nil, fuseadapter.ErrBadHandle
	}
	return of, nil
}

// ReadFile bridges to read
func (b *fileSystemBridge) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	if b.ops.Read == nil {
		return fuseadapter.ErrNotImplemented
	}

	of, err := b.openFile(op.Handle)
	if err != nil {
		return err
	}

	dst := op.Dst
	if dst == nil {
		dst = make([]byte, op.Size)
	}

	fi := of.fi
	n := b.ops.Read(b.context(ctx, op.OpContext), of.path, dst, op.Offset, &fi)
	if err := statusError(n); err != nil {
		return err
	}
	n = min(n, len(dst))

	op.BytesRead = n
	if op.Dst == nil {
		op.Data = [][]byte{dst[:n]}
	}

	return nil
}

// WriteFile bridges to write, a short write is an error
func (b *fileSystemBridge) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	if b.ops.Write == nil {
		return fuseadapter.ErrNotImplemented
	}

	of, err := b.openFile(op.Handle)
	if err != nil {
		return err
	}

	fi := of.fi
	n := b.ops.Write(b.context(ctx, op.OpContext), of.path, op.Data, op.Offset, &fi)
	if err := statusError(n); err != nil {
		return err
	}
	if n != len(op.Data) {
		b.log.Debug("short write", "path", of.path, "wanted", len(op.Data), "written", n)
		return fuseadapter.ErrIO
	}

	return nil
}

// ReleaseFileHandle bridges to release and forgets the handle
func (b *fileSystemBridge) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	b.mu.Lock()
	of, ok := b.handles[op.Handle]
	delete(b.handles, op.Handle)
	b.mu.Unlock()

	if !ok {
		return fuseadapter.ErrBadHandle
	}
	if b.ops.Release == nil {
		return nil
	}

	fi := of.fi
	return statusError(b.ops.Release(b.context(ctx, op.OpContext), of.path, &fi))
}
