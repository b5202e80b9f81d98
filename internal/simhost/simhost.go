// Package simhost provides a host runtime without a kernel behind it.
// Requests are fed in by the caller, either one at a time through Call or
// as a script run by Loop on a bounded pool of workers.
package simhost

import (
	"context"
	"fmt"
	"sync"

	"github.com/NBISweden/fuse3compat/internal/fuse2"
	"github.com/NBISweden/fuse3compat/internal/fuseadapter"
	"golang.org/x/sync/errgroup"
)

// DefaultReadlinkSize is the readlink buffer size used when a request
// gives none
const DefaultReadlinkSize = 4096

// Runtime is a simulated host runtime
type Runtime struct {
	// MountErr makes Mount fail
	MountErr error

	// NewErr makes New fail
	NewErr error

	// Workers bounds the number of requests Loop dispatches at the same
	// time, anything below 2 dispatches one at a time
	Workers int

	// Script holds the requests Loop dispatches
	Script []Request

	// LoopErr is returned by Loop once the script is done
	LoopErr error

	mu       sync.Mutex
	events   []string
	channels map[string]bool
	hosts    []*Host
}

// Request is one filesystem request
type Request struct {
	Op     string
	Path   string
	Mode   uint32
	Rdev   uint64
	Flags  int32
	Fh     uint64
	Offset int64
	Data   []byte
	Size   int
	Caller fuse2.Context
}

// Reply is the outcome of one request
type Reply struct {
	Status   int
	Stat     fuseadapter.Stat
	Data     []byte
	FileInfo fuse2.FileInfo
}

type channel struct {
	mountpoint string
}

func (c *channel) Mountpoint() string {
	return c.mountpoint
}

func (r *Runtime) record(format string, args ...any) {
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

// Mount opens a simulated channel
func (r *Runtime) Mount(mountpoint string, args *fuse2.Args) (fuse2.Chan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.MountErr != nil {
		r.record("mount %s failed", mountpoint)
		return nil, r.MountErr
	}

	if r.channels == nil {
		r.channels = make(map[string]bool)
	}
	if r.channels[mountpoint] {
		r.record("mount %s busy", mountpoint)
		return nil, fuseadapter.ErrExist
	}

	r.channels[mountpoint] = true
	r.record("mount %s", mountpoint)

	return &channel{mountpoint: mountpoint}, nil
}

// Unmount closes a channel opened by Mount
func (r *Runtime) Unmount(mountpoint string, ch fuse2.Chan) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.channels, mountpoint)
	r.record("unmount %s", mountpoint)
}

// New creates a simulated host filesystem handle
func (r *Runtime) New(ch fuse2.Chan, args *fuse2.Args, ops *fuse2.Operations, privateData any) (fuse2.Fuse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.NewErr != nil {
		r.record("new failed")
		return nil, r.NewErr
	}
	if ch == nil || !r.channels[ch.Mountpoint()] {
		r.record("new without channel")
		return nil, fuseadapter.ErrBadHandle
	}

	h := &Host{
		rt:      r,
		ch:      ch,
		ops:     ops,
		private: privateData,
		open:    make(map[uint64]int),
		calls:   make(map[string]int),
	}
	r.hosts = append(r.hosts, h)
	r.record("new %s", ch.Mountpoint())

	return h, nil
}

// Events returns what happened to the runtime, in order
func (r *Runtime) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.events...)
}

// OpenChannels returns the number of channels not yet unmounted
func (r *Runtime) OpenChannels() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.channels)
}

// LiveHosts returns the number of handles not yet destroyed
func (r *Runtime) LiveHosts() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, h := range r.hosts {
		if !h.isDestroyed() {
			n++
		}
	}
	return n
}

// Host returns the most recently created handle or nil
func (r *Runtime) Host() *Host {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.hosts) == 0 {
		return nil
	}
	return r.hosts[len(r.hosts)-1]
}

// Host is a simulated host filesystem handle
type Host struct {
	rt      *Runtime
	ch      fuse2.Chan
	ops     *fuse2.Operations
	private any

	mu        sync.Mutex
	open      map[uint64]int
	calls     map[string]int
	replies   []Reply
	destroyed bool
}

// Operations returns the table the host dispatches to
func (h *Host) Operations() *fuse2.Operations {
	return h.ops
}

// PrivateData returns what was given to New
func (h *Host) PrivateData() any {
	return h.private
}

// Calls returns how many requests for op reached the operations table
func (h *Host) Calls(op string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.calls[op]
}

// Replies returns the replies of the last Loop, in script order
func (h *Host) Replies() []Reply {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]Reply(nil), h.replies...)
}

func (h *Host) isDestroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.destroyed
}

// Loop dispatches the runtime's script and returns LoopErr
func (h *Host) Loop() error {
	g := new(errgroup.Group)
	g.SetLimit(max(h.rt.Workers, 1))

	replies := make([]Reply, len(h.rt.Script))
	for i, req := range h.rt.Script {
		g.Go(func() error {
			replies[i] = h.Call(req)
			return nil
		})
	}
	_ = g.Wait()

	h.mu.Lock()
	h.replies = replies
	h.mu.Unlock()

	return h.rt.LoopErr
}

// Destroy releases the handle, later requests fail with EIO
func (h *Host) Destroy() {
	h.mu.Lock()
	h.destroyed = true
	h.mu.Unlock()

	h.rt.mu.Lock()
	h.rt.record("destroy %s", h.ch.Mountpoint())
	h.rt.mu.Unlock()
}

// handleOpen reports whether fh came from a successful open
func (h *Host) handleOpen(fh uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.open[fh] > 0
}

func (h *Host) count(op string) {
	h.mu.Lock()
	h.calls[op]++
	h.mu.Unlock()
}

// Call dispatches one request the way a host would: unknown or missing
// operations get ENOSYS without reaching the table, read, write and
// release on a handle that was never opened get EBADF.
func (h *Host) Call(req Request) Reply {
	if h.isDestroyed() {
		return Reply{Status: fuseadapter.Status(fuseadapter.ErrIO)}
	}

	caller := req.Caller
	caller.PrivateData = h.private
	ctx := fuse2.NewContext(context.Background(), &caller)

	enosys := Reply{Status: fuseadapter.Status(fuseadapter.ErrNotImplemented)}
	ebadf := Reply{Status: fuseadapter.Status(fuseadapter.ErrBadHandle)}
	fi := fuse2.FileInfo{Flags: req.Flags, Fh: req.Fh}

	switch req.Op {
	case fuse2.OpGetattr:
		if h.ops.Getattr == nil {
			return enosys
		}
		h.count(req.Op)
		var st fuseadapter.Stat
		status := h.ops.Getattr(ctx, req.Path, &st)
		return Reply{Status: status, Stat: st}

	case fuse2.OpReadlink:
		if h.ops.Readlink == nil {
			return enosys
		}
		h.count(req.Op)
		size := req.Size
		if size <= 0 {
			size = DefaultReadlinkSize
		}
		buf := make([]byte, size)
		status := h.ops.Readlink(ctx, req.Path, buf)
		if status != 0 {
			return Reply{Status: status}
		}
		n := 0
		for n < len(buf) && buf[n] != 0 {
			n++
		}
		return Reply{Status: status, Data: buf[:n]}

	case fuse2.OpMknod:
		if h.ops.Mknod == nil {
			return enosys
		}
		h.count(req.Op)
		return Reply{Status: h.ops.Mknod(ctx, req.Path, req.Mode, req.Rdev)}

	case fuse2.OpMkdir:
		if h.ops.Mkdir == nil {
			return enosys
		}
		h.count(req.Op)
		return Reply{Status: h.ops.Mkdir(ctx, req.Path, req.Mode)}

	case fuse2.OpUnlink:
		if h.ops.Unlink == nil {
			return enosys
		}
		h.count(req.Op)
		return Reply{Status: h.ops.Unlink(ctx, req.Path)}

	case fuse2.OpRmdir:
		if h.ops.Rmdir == nil {
			return enosys
		}
		h.count(req.Op)
		return Reply{Status: h.ops.Rmdir(ctx, req.Path)}

	case fuse2.OpOpen:
		if h.ops.Open == nil {
			return enosys
		}
		h.count(req.Op)
		fi.Fh = 0
		status := h.ops.Open(ctx, req.Path, &fi)
		if status == 0 {
			h.mu.Lock()
			h.open[fi.Fh]++
			h.mu.Unlock()
		}
		return Reply{Status: status, FileInfo: fi}

	case fuse2.OpRead:
		if h.ops.Read == nil {
			return enosys
		}
		if !h.handleOpen(req.Fh) {
			return ebadf
		}
		h.count(req.Op)
		buf := make([]byte, req.Size)
		status := h.ops.Read(ctx, req.Path, buf, req.Offset, &fi)
		reply := Reply{Status: status, FileInfo: fi}
		if status > 0 {
			reply.Data = buf[:min(status, len(buf))]
		}
		return reply

	case fuse2.OpWrite:
		if h.ops.Write == nil {
			return enosys
		}
		if !h.handleOpen(req.Fh) {
			return ebadf
		}
		h.count(req.Op)
		status := h.ops.Write(ctx, req.Path, req.Data, req.Offset, &fi)
		return Reply{Status: status, FileInfo: fi}

	case fuse2.OpRelease:
		if h.ops.Release == nil {
			return enosys
		}
		if !h.handleOpen(req.Fh) {
			return ebadf
		}
		h.count(req.Op)
		status := h.ops.Release(ctx, req.Path, &fi)
		h.mu.Lock()
		h.open[req.Fh]--
		if h.open[req.Fh] <= 0 {
			delete(h.open, req.Fh)
		}
		h.mu.Unlock()
		return Reply{Status: status, FileInfo: fi}
	}

	return enosys
}
