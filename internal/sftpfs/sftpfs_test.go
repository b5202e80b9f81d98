package sftpfs

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/NBISweden/fuse3compat/internal/compat"
	"github.com/NBISweden/fuse3compat/internal/fuse2"
	"github.com/NBISweden/fuse3compat/internal/fuse3"
	"github.com/NBISweden/fuse3compat/internal/fuseadapter"
	"github.com/NBISweden/fuse3compat/internal/simhost"
	"github.com/stretchr/testify/require"
	"github.com/tj/assert"
)

func testFS(t *testing.T, logs *bytes.Buffer) *SFTPfs {
	c := DefaultConf()
	require.NoError(t, c.ParseTarget("alice@example.org:/data"))
	c.Debug = true
	c.CacheEntries = 1024

	log := slog.New(slog.DiscardHandler)
	if logs != nil {
		log = slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	s, err := NewSFTPfs(c, log)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s
}

func TestNewSFTPfs(t *testing.T) {
	_, err := NewSFTPfs(nil, nil)
	assert.NotNil(t, err, "Missing configuration should fail")

	_, err = NewSFTPfs(DefaultConf(), nil)
	assert.NotNil(t, err, "Invalid configuration should fail")
}

func TestCacheEntries(t *testing.T) {
	assert.Equal(t, int64(1024), cacheEntries(0), "Lower bound")
	assert.Equal(t, int64(16384), cacheEntries(1<<30), "1 GiB")
	assert.Equal(t, int64(1<<20), cacheEntries(1<<40), "Upper bound")
}

func TestInitDestroy(t *testing.T) {
	var logs bytes.Buffer
	s := testFS(t, &logs)

	cfg := &fuse3.Config{}
	assert.Equal(t, s, s.Init(context.Background(), &fuse3.ConnInfo{}, cfg),
		"Init should return the filesystem")
	assert.True(t, s.Connected(), "Init should connect")
	assert.Equal(t, DefaultAttrTimeout.Seconds(), cfg.AttrTimeout, "Attribute timeout not set")

	s.Destroy(s)
	assert.False(t, s.Connected(), "Destroy should disconnect")
	s.Destroy(s)

	assert.True(t, strings.Contains(logs.String(), "connecting"), "Connect not logged")
	assert.Equal(t, 1, strings.Count(logs.String(), "disconnecting"),
		"Disconnect should be logged once")
}

func TestGetattrCached(t *testing.T) {
	s := testFS(t, nil)
	ctx := context.Background()

	var st fuseadapter.Stat
	assert.Equal(t, 0, s.Getattr(ctx, "/", &st, nil), "Root getattr failed")
	assert.True(t, st.IsDir(), "Root should be a directory")

	assert.Equal(t, 0, s.Getattr(ctx, "/hello.txt", &st, nil), "File getattr failed")
	assert.Equal(t, int64(len("Hello from SSHFS v3!\n")), st.Size, "Wrong size")
	assert.Equal(t, uint32(fuseadapter.S_IFREG|0o644), st.Mode, "Wrong mode")

	s.attrs.Wait()
	cached, ok := s.attrs.Get("/hello.txt")
	assert.True(t, ok, "Attributes should be cached")
	assert.Equal(t, st, cached, "Cached attributes differ")

	assert.Equal(t, fuseadapter.Status(fuseadapter.ErrNoEntry),
		s.Getattr(ctx, "/missing", &st, nil), "Missing file")
}

func TestReaddirOpenRead(t *testing.T) {
	s := testFS(t, nil)
	ctx := context.Background()

	var names []string
	fill := func(name string, st *fuseadapter.Stat, off int64, flags fuse3.FillDirFlags) bool {
		names = append(names, name)
		return true
	}
	assert.Equal(t, 0, s.Readdir(ctx, "/", fill, 0, nil, 0), "Readdir failed")
	assert.Equal(t, []string{".", "..", "hello.txt", "readme.md"}, names, "Unexpected entries")
	assert.Equal(t, fuseadapter.Status(fuseadapter.ErrNoEntry),
		s.Readdir(ctx, "/hello.txt", fill, 0, nil, 0), "Files are not directories")

	fi := &fuse3.FileInfo{Flags: fuseadapter.O_WRONLY}
	assert.Equal(t, fuseadapter.Status(fuseadapter.ErrAccess), s.Open(ctx, "/readme.md", fi),
		"Write open should be refused")
	fi.Flags = fuseadapter.O_RDONLY
	assert.Equal(t, 0, s.Open(ctx, "/readme.md", fi), "Read open failed")

	buf := make([]byte, 4)
	assert.Equal(t, 4, s.Read(ctx, "/readme.md", buf, 2, fi), "Read count")
	assert.Equal(t, "SSHF", string(buf), "Read data")
	assert.Equal(t, 0, s.Read(ctx, "/readme.md", buf, 1000, fi), "Read past end")
}

func TestMutationsNotSupported(t *testing.T) {
	s := testFS(t, nil)
	ctx := context.Background()
	enosys := fuseadapter.Status(fuseadapter.ErrNotImplemented)

	fi := &fuse3.FileInfo{}
	assert.Equal(t, enosys, s.Create(ctx, "/new", 0o644, fi), "create")
	assert.Equal(t, enosys, s.Write(ctx, "/hello.txt", []byte("x"), 0, fi), "write")
	assert.Equal(t, enosys, s.Mkdir(ctx, "/dir", 0o755), "mkdir")
	assert.Equal(t, enosys, s.Unlink(ctx, "/hello.txt"), "unlink")
	assert.Equal(t, enosys, s.Rmdir(ctx, "/dir"), "rmdir")
	assert.Equal(t, enosys, s.Mknod(ctx, "/node", 0o644, 0), "mknod")
	assert.Equal(t, enosys, s.Rename(ctx, "/a", "/b", 0), "rename")
	assert.Equal(t, enosys, s.Truncate(ctx, "/hello.txt", 0, fi), "truncate")
	assert.Equal(t, enosys, s.Chmod(ctx, "/hello.txt", 0o600, fi), "chmod")
	assert.Equal(t, enosys, s.Chown(ctx, "/hello.txt", 0, 0, fi), "chown")
}

func TestThroughAdapter(t *testing.T) {
	s := testFS(t, nil)

	rt := &simhost.Runtime{Script: []simhost.Request{
		{Op: fuse2.OpGetattr, Path: "/readme.md"},
		{Op: fuse2.OpOpen, Path: "/hello.txt"},
		{Op: fuse2.OpRead, Path: "/hello.txt", Size: 5},
		{Op: fuse2.OpWrite, Path: "/hello.txt", Data: []byte("x")},
		{Op: fuse2.OpUnlink, Path: "/hello.txt"},
		{Op: fuse2.OpReadlink, Path: "/hello.txt"},
	}}

	var logs bytes.Buffer
	conf := &compat.Conf{Runtime: rt, Logger: slog.New(slog.NewTextHandler(&logs, nil))}
	f, err := compat.New(conf, fuse3.NewArgs("sshfs3", "/mnt"), s.Operations(), s)
	require.NoError(t, err)
	assert.Nil(t, f.Loop(), "Unexpected loop error")

	enosys := fuseadapter.Status(fuseadapter.ErrNotImplemented)
	replies := rt.Host().Replies()
	assert.Equal(t, 0, replies[0].Status, "getattr failed")
	assert.Equal(t, 0, replies[1].Status, "open failed")
	assert.Equal(t, "Hello", string(replies[2].Data), "read through the adapter")
	assert.Equal(t, enosys, replies[3].Status, "write should reach the table and be refused")
	assert.Equal(t, enosys, replies[4].Status, "unlink should reach the table and be refused")
	assert.Equal(t, enosys, replies[5].Status, "readlink is not supplied")

	for _, op := range []string{"create", "rename", "truncate", "chmod", "chown", "readdir", "init"} {
		assert.True(t, strings.Contains(logs.String(), op), "Unreachable %s should be reported", op)
	}

	f.Destroy()
}
