package gofuseadapter

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/NBISweden/fuse3compat/internal/fuse2"
	"github.com/NBISweden/fuse3compat/internal/fuseadapter"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/require"
	"github.com/tj/assert"
)

type fakeServer struct {
	waited    int
	unmounted int
}

func (s *fakeServer) Wait() {
	s.waited++
}

func (s *fakeServer) Unmount() error {
	s.unmounted++
	return nil
}

func quietRuntime() *Runtime {
	return NewRuntime(slog.New(slog.DiscardHandler))
}

func TestMountOptions(t *testing.T) {
	opts, err := fuseadapter.ParseMountOptions([]string{"ro,allow_other,fsname=hello,max_read=4096"})
	require.NoError(t, err)

	mo := mountOptions(opts)
	assert.True(t, mo.AllowOther, "allow_other not passed")
	assert.Equal(t, "hello", mo.FsName, "fsname not passed")
	assert.Equal(t, []string{"ro", "default_permissions", "max_read=4096"}, mo.Options,
		"Unexpected options")
}

func TestRuntime(t *testing.T) {
	r := quietRuntime()
	dir := t.TempDir()

	_, err := r.Mount(filepath.Join(dir, "missing"), nil)
	assert.NotNil(t, err, "Missing mountpoint should fail")

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	_, err = r.Mount(file, nil)
	assert.NotNil(t, err, "File mountpoint should fail")

	ch, err := r.Mount(dir, &fuse2.Args{Argv: []string{"hello3", "-o", "ro", dir}})
	require.NoError(t, err)
	assert.Equal(t, dir, ch.Mountpoint(), "Wrong mountpoint")

	_, err = r.New(fuse2.BasicChan(dir), nil, &fuse2.Operations{}, nil)
	assert.NotNil(t, err, "Foreign channel should fail")

	r.mount = func(string, gofuse.InodeEmbedder, *gofuse.Options) (server, error) {
		return nil, errors.New("no fuse")
	}
	_, err = r.New(ch, nil, &fuse2.Operations{}, nil)
	assert.NotNil(t, err, "Mount failure should be returned")

	s := &fakeServer{}
	var gotOpts *gofuse.Options
	r.mount = func(_ string, _ gofuse.InodeEmbedder, o *gofuse.Options) (server, error) {
		gotOpts = o
		return s, nil
	}
	f, err := r.New(ch, nil, &fuse2.Operations{}, nil)
	require.NoError(t, err)
	assert.Contains(t, gotOpts.MountOptions.Options, "ro", "Options not passed to mount")

	assert.Nil(t, f.Loop(), "Unexpected loop error")
	assert.Equal(t, 1, s.waited, "Loop should wait for the server")

	r.Unmount(dir, ch)
	r.Unmount(dir, ch)
	assert.Equal(t, 1, s.unmounted, "Should unmount exactly once")
	f.Destroy()
}

func helloOps(seen *[]*fuse2.Context) *fuse2.Operations {
	return &fuse2.Operations{
		Getattr: func(ctx context.Context, path string, st *fuseadapter.Stat) int {
			*seen = append(*seen, fuse2.GetContext(ctx))
			switch path {
			case "/":
				st.Mode = fuseadapter.S_IFDIR | 0o755
			case "/hello":
				st.Mode = fuseadapter.S_IFREG | 0o444
				st.Size = 13
			default:
				return fuseadapter.Status(syscall.ENOENT)
			}
			return 0
		},
		Readlink: func(ctx context.Context, path string, buf []byte) int {
			copy(buf, "hello\x00")
			return 0
		},
		Open: func(ctx context.Context, path string, fi *fuse2.FileInfo) int {
			if fi.Flags&fuseadapter.O_ACCMODE != fuseadapter.O_RDONLY {
				return fuseadapter.Status(syscall.EACCES)
			}
			fi.Fh = 7
			fi.KeepCache = true
			return 0
		},
		Read: func(ctx context.Context, path string, buf []byte, off int64, fi *fuse2.FileInfo) int {
			if fi.Fh != 7 {
				return fuseadapter.Status(syscall.EBADF)
			}
			return copy(buf, "Hello World!\n"[off:])
		},
	}
}

func TestBridge(t *testing.T) {
	var seen []*fuse2.Context
	b := &bridge{ops: helloOps(&seen), private: "private", log: slog.New(slog.DiscardHandler)}
	ctx := context.Background()

	var attr fuse.Attr
	assert.Equal(t, syscall.Errno(0), b.getattr(ctx, "/hello", &attr), "Unexpected getattr errno")
	assert.Equal(t, uint64(13), attr.Size, "Wrong size")
	assert.Equal(t, uint32(fuseadapter.S_IFREG|0o444), attr.Mode, "Wrong mode")
	assert.Equal(t, syscall.ENOENT, b.getattr(ctx, "/nope", &attr), "Missing should be ENOENT")
	require.Len(t, seen, 2)
	assert.Equal(t, "private", seen[0].PrivateData, "Private data not passed")

	target, e := b.readlink(ctx, "/link")
	assert.Equal(t, syscall.Errno(0), e, "Unexpected readlink errno")
	assert.Equal(t, "hello", string(target), "Target should stop at NUL")

	assert.Equal(t, syscall.ENOSYS, b.mkdir(ctx, "/d", 0o755), "mkdir should not be implemented")
	assert.Equal(t, syscall.ENOSYS, b.mknod(ctx, "/n", 0o644, 0), "mknod should not be implemented")
	assert.Equal(t, syscall.ENOSYS, b.unlink(ctx, "/hello"), "unlink should not be implemented")
	assert.Equal(t, syscall.ENOSYS, b.rmdir(ctx, "/d"), "rmdir should not be implemented")

	_, _, e = b.open(ctx, "/hello", syscall.O_WRONLY)
	assert.Equal(t, syscall.EACCES, e, "Write open should be refused")

	fh, flags, e := b.open(ctx, "/hello", syscall.O_RDONLY)
	require.Equal(t, syscall.Errno(0), e)
	assert.Equal(t, uint32(fuse.FOPEN_KEEP_CACHE), flags, "Keep cache not passed")

	dest := make([]byte, 5)
	res, e := b.read(ctx, "/hello", fh, dest, 6)
	require.Equal(t, syscall.Errno(0), e)
	data, _ := res.Bytes(nil)
	assert.Equal(t, "World", string(data), "Unexpected read data")

	_, e = b.read(ctx, "/hello", nil, dest, 0)
	assert.Equal(t, syscall.EBADF, e, "Missing handle should be EBADF")

	_, e = b.write(ctx, "/hello", fh, []byte("x"), 0)
	assert.Equal(t, syscall.ENOSYS, e, "write should not be implemented")

	assert.Equal(t, syscall.Errno(0), b.release(ctx, "/hello", fh), "Release without callback is fine")
}

func TestBridgeConcurrentReads(t *testing.T) {
	ops := &fuse2.Operations{
		Open: func(ctx context.Context, path string, fi *fuse2.FileInfo) int {
			fi.Fh = 7
			return 0
		},
		Read: func(ctx context.Context, path string, buf []byte, off int64, fi *fuse2.FileInfo) int {
			if fi.Fh != 7 || fi.DirectIO {
				return fuseadapter.Status(syscall.EBADF)
			}
			// Callbacks may scribble on their file info
			fi.Fh = uint64(off)
			fi.DirectIO = true
			return copy(buf, "Hello World!\n"[off:])
		},
	}
	b := &bridge{ops: ops, private: "private", log: slog.New(slog.DiscardHandler)}
	ctx := context.Background()

	fh, _, e := b.open(ctx, "/hello", syscall.O_RDONLY)
	require.Equal(t, syscall.Errno(0), e)

	var failed atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			dest := make([]byte, 1)
			for i := 0; i < 100; i++ {
				if _, e := b.read(ctx, "/hello", fh, dest, int64(g)); e != 0 {
					failed.Add(1)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, int32(0), failed.Load(), "Every read should see the file info from open")
	assert.Equal(t, uint64(7), fh.fi.Fh, "Stored handle should be untouched")
	assert.False(t, fh.fi.DirectIO, "Stored flags should be untouched")
}
