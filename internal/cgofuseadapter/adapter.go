// Package cgofuseadapter provides a host runtime on top of cgofuse. It is
// the one used on Windows (WinFsp) and wherever jacobsa/fuse does not
// work. cgofuse is path based already, so the operations table is called
// more or less directly.
package cgofuseadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/NBISweden/fuse3compat/internal/fuse2"
	"github.com/NBISweden/fuse3compat/internal/fuseadapter"
)

// readlinkSize is the buffer handed to readlink
const readlinkSize = 4096

// ErrUnavailable is returned by Mount when cgofuse was not built in
var ErrUnavailable = errors.New("cgofuse is not available in this build")

// Runtime implements fuse2.Runtime using cgofuse
type Runtime struct {
	log *slog.Logger
}

// NewRuntime creates a new cgofuse runtime
func NewRuntime(log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}

	return &Runtime{log: log.With("runtime", "cgofuse")}
}

// channel carries the mount options until the loop mounts
type channel struct {
	mountpoint string
	options    []string

	mu      sync.Mutex
	adapter *Adapter
}

func (c *channel) Mountpoint() string {
	return c.mountpoint
}

// Mount prepares the cgofuse options from the -o options in args. The
// mount itself happens when the loop starts since cgofuse does both in
// one blocking call.
func (r *Runtime) Mount(mountpoint string, args *fuse2.Args) (fuse2.Chan, error) {
	if !CGOFuseAvailable() {
		return nil, ErrUnavailable
	}

	if strings.TrimSpace(mountpoint) == "" {
		return nil, fmt.Errorf("empty mountpoint")
	}

	opts, err := fuseadapter.ParseMountOptions(fuse2.MountOptions(args))
	if err != nil {
		return nil, err
	}

	var options []string
	if o := opts.OptionStrings(); len(o) > 0 {
		options = []string{"-o", strings.Join(o, ",")}
	}

	return &channel{mountpoint: mountpoint, options: options}, nil
}

// Unmount asks cgofuse to unmount, which makes a running loop return
func (r *Runtime) Unmount(mountpoint string, ch fuse2.Chan) {
	c, ok := ch.(*channel)
	if !ok {
		return
	}

	c.mu.Lock()
	a := c.adapter
	c.adapter = nil
	c.mu.Unlock()

	if a != nil {
		a.unmount()
	}
}

// New creates the cgofuse filesystem for ch
func (r *Runtime) New(ch fuse2.Chan, args *fuse2.Args, ops *fuse2.Operations, privateData any) (fuse2.Fuse, error) {
	c, ok := ch.(*channel)
	if !ok || c == nil {
		return nil, errors.New("channel not opened by this runtime")
	}
	if ops == nil {
		return nil, errors.New("no operations")
	}

	a := newAdapter(ops, privateData, c.mountpoint, c.options, r.log)

	c.mu.Lock()
	c.adapter = a
	c.mu.Unlock()

	return a, nil
}

// openFile is what a handle given to cgofuse refers to
type openFile struct {
	fi fuse2.FileInfo
}

// Adapter is the cgofuse filesystem, it bridges to the operations table
type Adapter struct {
	ops        *fuse2.Operations
	private    any
	mountpoint string
	options    []string
	log        *slog.Logger

	mu         sync.Mutex
	host       *hostType
	handles    map[uint64]*openFile
	nextHandle uint64

	filesystembase
}

func newAdapter(ops *fuse2.Operations, privateData any, mountpoint string, options []string, log *slog.Logger) *Adapter {
	return &Adapter{
		ops:        ops,
		private:    privateData,
		mountpoint: mountpoint,
		options:    options,
		log:        log,
		handles:    make(map[uint64]*openFile),
		nextHandle: 1,
	}
}

// Loop mounts and serves until the filesystem is unmounted
func (a *Adapter) Loop() error {
	if !mountHost(a) {
		return fmt.Errorf("cgofuse mount of %s failed", a.mountpoint)
	}
	return nil
}

// Destroy unmounts if still mounted and drops all handles
func (a *Adapter) Destroy() {
	a.unmount()

	a.mu.Lock()
	a.handles = make(map[uint64]*openFile)
	a.mu.Unlock()
}

func (a *Adapter) unmount() {
	a.mu.Lock()
	h := a.host
	a.host = nil
	a.mu.Unlock()

	if h != nil {
		unmountHost(h)
	}
}

// context returns a context carrying the caller for the operations table
func (a *Adapter) context() context.Context {
	uid, gid, pid := callerContext()

	return fuse2.NewContext(context.Background(), &fuse2.Context{
		Uid:         uid,
		Gid:         gid,
		Pid:         pid,
		PrivateData: a.private,
	})
}

// status converts a callback status for cgofuse and logs failures
func (a *Adapter) status(op, path string, status int) int {
	if status < 0 {
		a.log.Debug("operation failed", "op", op, "path", path,
			"errno", fuseadapter.ErrnoOf(status))
		return hostStatus(status)
	}
	return status
}

func (a *Adapter) notImplemented() int {
	return hostStatus(fuseadapter.Status(fuseadapter.ErrNotImplemented))
}

// fileInfo returns a copy of the file info kept for fh, so concurrent
// requests on one handle each get their own
func (a *Adapter) fileInfo(fh uint64) (fuse2.FileInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, ok := a.handles[fh]
	if !ok {
		return fuse2.FileInfo{}, false
	}
	return f.fi, true
}

// Getattr adapts Getattr between cgofuse and the operations table
func (a *Adapter) Getattr(path string, st *Stat_t, fh uint64) int {
	if a.ops.Getattr == nil {
		return a.notImplemented()
	}

	var s fuseadapter.Stat
	status := a.ops.Getattr(a.context(), path, &s)
	if status < 0 {
		return a.status("getattr", path, status)
	}

	statToHost(&s, st)
	return 0
}

// Statfs is answered without the operations table, it has no statfs
func (a *Adapter) Statfs(path string, st *Statfs_t) int {
	st.Bsize = 65536

	return 0
}

// Readlink adapts Readlink between cgofuse and the operations table
func (a *Adapter) Readlink(path string) (int, string) {
	if a.ops.Readlink == nil {
		return a.notImplemented(), ""
	}

	buf := make([]byte, readlinkSize)
	status := a.ops.Readlink(a.context(), path, buf)
	if status < 0 {
		return a.status("readlink", path, status), ""
	}

	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}

	return 0, string(buf[:n])
}

// Mknod adapts Mknod between cgofuse and the operations table
func (a *Adapter) Mknod(path string, mode uint32, dev uint64) int {
	if a.ops.Mknod == nil {
		return a.notImplemented()
	}

	return a.status("mknod", path, a.ops.Mknod(a.context(), path, mode, dev))
}

// Mkdir adapts Mkdir between cgofuse and the operations table
func (a *Adapter) Mkdir(path string, mode uint32) int {
	if a.ops.Mkdir == nil {
		return a.notImplemented()
	}

	return a.status("mkdir", path, a.ops.Mkdir(a.context(), path, mode))
}

// Unlink adapts Unlink between cgofuse and the operations table
func (a *Adapter) Unlink(path string) int {
	if a.ops.Unlink == nil {
		return a.notImplemented()
	}

	return a.status("unlink", path, a.ops.Unlink(a.context(), path))
}

// Rmdir adapts Rmdir between cgofuse and the operations table
func (a *Adapter) Rmdir(path string) int {
	if a.ops.Rmdir == nil {
		return a.notImplemented()
	}

	return a.status("rmdir", path, a.ops.Rmdir(a.context(), path))
}

// Open adapts Open between cgofuse and the operations table. The handle
// given to cgofuse is ours, the one set by the callback is kept in the
// file info a copy of which is passed on every later call.
func (a *Adapter) Open(path string, flags int) (int, uint64) {
	if a.ops.Open == nil {
		return a.notImplemented(), ^uint64(0)
	}

	f := &openFile{fi: fuse2.FileInfo{Flags: int32(flags)}}
	status := a.ops.Open(a.context(), path, &f.fi)
	if status < 0 {
		return a.status("open", path, status), ^uint64(0)
	}

	a.mu.Lock()
	fh := a.nextHandle
	a.nextHandle++
	a.handles[fh] = f
	a.mu.Unlock()

	return 0, fh
}

// Read adapts Read between cgofuse and the operations table
func (a *Adapter) Read(path string, buf []byte, offset int64, fh uint64) int {
	if a.ops.Read == nil {
		return a.notImplemented()
	}

	fi, ok := a.fileInfo(fh)
	if !ok {
		return hostStatus(fuseadapter.Status(fuseadapter.ErrBadHandle))
	}

	return a.status("read", path, a.ops.Read(a.context(), path, buf, offset, &fi))
}

// Write adapts Write between cgofuse and the operations table
func (a *Adapter) Write(path string, data []byte, offset int64, fh uint64) int {
	if a.ops.Write == nil {
		return a.notImplemented()
	}

	fi, ok := a.fileInfo(fh)
	if !ok {
		return hostStatus(fuseadapter.Status(fuseadapter.ErrBadHandle))
	}

	return a.status("write", path, a.ops.Write(a.context(), path, data, offset, &fi))
}

// Release adapts Release between cgofuse and the operations table. The
// handle is dropped whatever the callback says.
func (a *Adapter) Release(path string, fh uint64) int {
	a.mu.Lock()
	f, ok := a.handles[fh]
	delete(a.handles, fh)
	a.mu.Unlock()

	if !ok {
		return hostStatus(fuseadapter.Status(fuseadapter.ErrBadHandle))
	}
	if a.ops.Release == nil {
		return 0
	}

	return a.status("release", path, a.ops.Release(a.context(), path, &f.fi))
}
