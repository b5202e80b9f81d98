package compat

import (
	"context"
	"log/slog"

	"github.com/NBISweden/fuse3compat/internal/fuse2"
	"github.com/NBISweden/fuse3compat/internal/fuse3"
	"github.com/NBISweden/fuse3compat/internal/fuseadapter"
)

// adapterContext is what every call needs to reach the filesystem. It is
// not changed after construction.
type adapterContext struct {
	ops      *fuse3.Operations
	userData any
}

// wrappers holds the host operations forwarding to the v3 table
type wrappers struct {
	// resolve returns the context for the call in flight, nil before
	// construction has finished or after destroy
	resolve func() *adapterContext

	tr  translator
	log *slog.Logger
}

var (
	statusInvalid        = fuseadapter.Status(fuseadapter.ErrInvalid)
	statusNotImplemented = fuseadapter.Status(fuseadapter.ErrNotImplemented)
)

// callContext builds the context passed to the v3 callback from the host's
// caller information
func callContext(ctx context.Context, ac *adapterContext) context.Context {
	c := &fuse3.Context{PrivateData: ac.userData}

	if hc := fuse2.GetContext(ctx); hc != nil {
		c.Uid = hc.Uid
		c.Gid = hc.Gid
		c.Pid = hc.Pid
		c.Umask = hc.Umask
	}

	return fuse3.NewContext(ctx, c)
}

// withFileInfo runs call with the v3 form of fi and copies changes done by
// the callback back to fi
func (w *wrappers) withFileInfo(op fuse3.OpName, path string, fi *fuse2.FileInfo, call func(fi3 *fuse3.FileInfo) int) int {
	var fi3 fuse3.FileInfo

	if err := w.tr.widen(fi, &fi3); err != nil {
		w.log.Error("file info conversion failed", "op", op, "path", path, "error", err)
		return statusInvalid
	}

	ret := call(&fi3)

	if err := w.tr.narrow(&fi3, fi); err != nil {
		w.log.Error("file info conversion failed", "op", op, "path", path, "error", err)
	}

	return ret
}

func (w *wrappers) getattr(ctx context.Context, path string, stat *fuseadapter.Stat) int {
	ac := w.resolve()
	if ac == nil {
		return statusInvalid
	}
	if ac.ops.Getattr == nil {
		return statusNotImplemented
	}

	return ac.ops.Getattr(callContext(ctx, ac), path, stat, nil)
}

func (w *wrappers) readlink(ctx context.Context, path string, buf []byte) int {
	ac := w.resolve()
	if ac == nil {
		return statusInvalid
	}
	if ac.ops.Readlink == nil {
		return statusNotImplemented
	}

	return ac.ops.Readlink(callContext(ctx, ac), path, buf)
}

func (w *wrappers) mknod(ctx context.Context, path string, mode uint32, rdev uint64) int {
	ac := w.resolve()
	if ac == nil {
		return statusInvalid
	}
	if ac.ops.Mknod == nil {
		return statusNotImplemented
	}

	return ac.ops.Mknod(callContext(ctx, ac), path, mode, rdev)
}

func (w *wrappers) mkdir(ctx context.Context, path string, mode uint32) int {
	ac := w.resolve()
	if ac == nil {
		return statusInvalid
	}
	if ac.ops.Mkdir == nil {
		return statusNotImplemented
	}

	return ac.ops.Mkdir(callContext(ctx, ac), path, mode)
}

func (w *wrappers) unlink(ctx context.Context, path string) int {
	ac := w.resolve()
	if ac == nil {
		return statusInvalid
	}
	if ac.ops.Unlink == nil {
		return statusNotImplemented
	}

	return ac.ops.Unlink(callContext(ctx, ac), path)
}

func (w *wrappers) rmdir(ctx context.Context, path string) int {
	ac := w.resolve()
	if ac == nil {
		return statusInvalid
	}
	if ac.ops.Rmdir == nil {
		return statusNotImplemented
	}

	return ac.ops.Rmdir(callContext(ctx, ac), path)
}

func (w *wrappers) open(ctx context.Context, path string, fi *fuse2.FileInfo) int {
	ac := w.resolve()
	if ac == nil {
		return statusInvalid
	}
	if ac.ops.Open == nil {
		return statusNotImplemented
	}

	return w.withFileInfo(fuse3.OpOpen, path, fi, func(fi3 *fuse3.FileInfo) int {
		return ac.ops.Open(callContext(ctx, ac), path, fi3)
	})
}

func (w *wrappers) read(ctx context.Context, path string, buf []byte, off int64, fi *fuse2.FileInfo) int {
	ac := w.resolve()
	if ac == nil {
		return statusInvalid
	}
	if ac.ops.Read == nil {
		return statusNotImplemented
	}

	return w.withFileInfo(fuse3.OpRead, path, fi, func(fi3 *fuse3.FileInfo) int {
		return ac.ops.Read(callContext(ctx, ac), path, buf, off, fi3)
	})
}

func (w *wrappers) write(ctx context.Context, path string, data []byte, off int64, fi *fuse2.FileInfo) int {
	ac := w.resolve()
	if ac == nil {
		return statusInvalid
	}
	if ac.ops.Write == nil {
		return statusNotImplemented
	}

	return w.withFileInfo(fuse3.OpWrite, path, fi, func(fi3 *fuse3.FileInfo) int {
		return ac.ops.Write(callContext(ctx, ac), path, data, off, fi3)
	})
}

func (w *wrappers) release(ctx context.Context, path string, fi *fuse2.FileInfo) int {
	ac := w.resolve()
	if ac == nil {
		return statusInvalid
	}
	if ac.ops.Release == nil {
		return statusNotImplemented
	}

	return w.withFileInfo(fuse3.OpRelease, path, fi, func(fi3 *fuse3.FileInfo) int {
		return ac.ops.Release(callContext(ctx, ac), path, fi3)
	})
}
