// Package sftpfs is a v3 filesystem presenting a remote ssh host. The
// connection is simulated: it serves a fixed set of read only files, and
// every call that would change the remote side answers ENOSYS.
package sftpfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync/atomic"
	"time"

	"github.com/NBISweden/fuse3compat/internal/fuse3"
	"github.com/NBISweden/fuse3compat/internal/fuseadapter"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/pbnjay/memory"
)

// remoteFile is one of the files the simulated remote serves
type remoteFile struct {
	name    string
	content []byte
	mode    uint32
}

var remoteFiles = []remoteFile{
	{name: "hello.txt", content: []byte("Hello from SSHFS v3!\n"), mode: fuseadapter.S_IFREG | 0o644},
	{name: "readme.md", content: []byte("# SSHFS v3 Demo\nServed through the v3 compatibility layer.\n"),
		mode: fuseadapter.S_IFREG | 0o644},
}

// SFTPfs is the filesystem state
type SFTPfs struct {
	conf *Conf
	log  *slog.Logger

	files     map[string]*remoteFile
	names     []string
	attrs     *ristretto.Cache[string, fuseadapter.Stat]
	mounted   fuseadapter.Timespec
	uid, gid  uint32
	connected atomic.Bool
}

// cacheEntries picks the attribute cache size from the machine memory:
// one entry per 64 KiB, between 1024 and a million
func cacheEntries(totalMemory uint64) int64 {
	return int64(min(max(totalMemory/(64*1024), 1024), 1<<20))
}

// NewSFTPfs creates the filesystem, it does not connect
func NewSFTPfs(conf *Conf, log *slog.Logger) (*SFTPfs, error) {
	if conf == nil {
		return nil, fmt.Errorf("no configuration provided")
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	entries := conf.CacheEntries
	if entries <= 0 {
		entries = cacheEntries(memory.TotalMemory())
	}

	attrs, err := ristretto.NewCache(&ristretto.Config[string, fuseadapter.Stat]{
		NumCounters: entries * 10,
		MaxCost:     entries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't set up attribute cache: %w", err)
	}

	s := &SFTPfs{
		conf:    conf,
		log:     log.With("target", conf.Target()),
		files:   make(map[string]*remoteFile),
		attrs:   attrs,
		mounted: fuseadapter.NewTimespec(time.Now()),
		uid:     uint32(max(os.Getuid(), 0)),
		gid:     uint32(max(os.Getgid(), 0)),
	}

	for i := range remoteFiles {
		f := &remoteFiles[i]
		s.files["/"+f.name] = f
		s.names = append(s.names, f.name)
	}

	return s, nil
}

// Operations returns the v3 table for the filesystem
func (s *SFTPfs) Operations() *fuse3.Operations {
	return &fuse3.Operations{
		Init:     s.Init,
		Destroy:  s.Destroy,
		Getattr:  s.Getattr,
		Readdir:  s.Readdir,
		Open:     s.Open,
		Read:     s.Read,
		Create:   s.Create,
		Write:    s.Write,
		Mkdir:    s.Mkdir,
		Unlink:   s.Unlink,
		Rmdir:    s.Rmdir,
		Mknod:    s.Mknod,
		Rename:   s.Rename,
		Truncate: s.Truncate,
		Chmod:    s.Chmod,
		Chown:    s.Chown,
	}
}

// Connect opens the (simulated) session to the remote host
func (s *SFTPfs) Connect() error {
	if s.connected.Swap(true) {
		return nil
	}

	s.log.Info("connecting", "user", s.conf.User, "host", s.conf.Host,
		"port", s.conf.Port, "reconnect", s.conf.Reconnect)

	if !s.conf.NoCheckRoot && s.conf.Root != "" {
		s.log.Debug("checking remote root", "root", s.conf.Root)
	}

	return nil
}

// Disconnect closes the session and drops cached attributes
func (s *SFTPfs) Disconnect() {
	if !s.connected.Swap(false) {
		return
	}

	s.log.Info("disconnecting from ssh")
	s.attrs.Clear()
}

// Connected reports whether a session is open
func (s *SFTPfs) Connected() bool {
	return s.connected.Load()
}

// Close releases the attribute cache
func (s *SFTPfs) Close() {
	s.Disconnect()
	s.attrs.Close()
}

// Init connects, the returned private data is the filesystem itself
func (s *SFTPfs) Init(ctx context.Context, conn *fuse3.ConnInfo, cfg *fuse3.Config) any {
	s.log.Debug("init")

	if err := s.Connect(); err != nil {
		s.log.Error("failed to connect to ssh server", "error", err)
		return nil
	}

	if cfg != nil {
		cfg.AttrTimeout = s.conf.AttrTimeout.Seconds()
		cfg.EntryTimeout = s.conf.AttrTimeout.Seconds()
	}

	return s
}

// Destroy disconnects
func (s *SFTPfs) Destroy(privateData any) {
	s.log.Debug("destroy")
	s.Disconnect()
}

func (s *SFTPfs) trace(op, p string, args ...any) {
	if s.conf.Debug {
		s.log.Debug(op, append([]any{"path", p}, args...)...)
	}
}

// stat computes the attributes of p
func (s *SFTPfs) stat(p string) (fuseadapter.Stat, bool) {
	st := fuseadapter.Stat{
		Uid:  s.uid,
		Gid:  s.gid,
		Atim: s.mounted,
		Mtim: s.mounted,
		Ctim: s.mounted,
	}

	if p == "/" {
		st.Mode = fuseadapter.S_IFDIR | 0o755
		st.Nlink = 2
		return st, true
	}

	f, ok := s.files[p]
	if !ok {
		return fuseadapter.Stat{}, false
	}

	st.Mode = f.mode
	st.Nlink = 1
	st.Size = int64(len(f.content))

	return st, true
}

// Getattr answers from the attribute cache, filling it on a miss
func (s *SFTPfs) Getattr(ctx context.Context, p string, st *fuseadapter.Stat, fi *fuse3.FileInfo) int {
	s.trace("getattr", p)
	p = path.Clean(p)

	if cached, ok := s.attrs.Get(p); ok {
		*st = cached
		return 0
	}

	computed, ok := s.stat(p)
	if !ok {
		return fuseadapter.Status(fuseadapter.ErrNoEntry)
	}

	s.attrs.SetWithTTL(p, computed, 1, s.conf.AttrTimeout)
	*st = computed

	return 0
}

// Readdir lists the root
func (s *SFTPfs) Readdir(ctx context.Context, p string, fill fuse3.FillDir, off int64, fi *fuse3.FileInfo, flags fuse3.ReaddirFlags) int {
	s.trace("readdir", p)

	if path.Clean(p) != "/" {
		return fuseadapter.Status(fuseadapter.ErrNoEntry)
	}

	for _, name := range append([]string{".", ".."}, s.names...) {
		if !fill(name, nil, 0, 0) {
			break
		}
	}

	return 0
}

// Open allows read only access to the remote files
func (s *SFTPfs) Open(ctx context.Context, p string, fi *fuse3.FileInfo) int {
	s.trace("open", p, "flags", fi.Flags)

	if _, ok := s.files[path.Clean(p)]; !ok {
		return fuseadapter.Status(fuseadapter.ErrNoEntry)
	}
	if fi.Flags&fuseadapter.O_ACCMODE != fuseadapter.O_RDONLY {
		return fuseadapter.Status(fuseadapter.ErrAccess)
	}

	return 0
}

// Read copies file content from off, clipped to the file size
func (s *SFTPfs) Read(ctx context.Context, p string, buf []byte, off int64, fi *fuse3.FileInfo) int {
	s.trace("read", p, "size", len(buf), "offset", off)

	f, ok := s.files[path.Clean(p)]
	if !ok {
		return fuseadapter.Status(fuseadapter.ErrNoEntry)
	}
	if off < 0 {
		return fuseadapter.Status(fuseadapter.ErrInvalid)
	}
	if off >= int64(len(f.content)) {
		return 0
	}

	return copy(buf, f.content[off:])
}

func (s *SFTPfs) notSupported(op, p string, args ...any) int {
	s.trace(op, p, args...)
	return fuseadapter.Status(fuseadapter.ErrNotImplemented)
}

// Create is not supported
func (s *SFTPfs) Create(ctx context.Context, p string, mode uint32, fi *fuse3.FileInfo) int {
	return s.notSupported("create", p, "mode", mode)
}

// Write is not supported
func (s *SFTPfs) Write(ctx context.Context, p string, data []byte, off int64, fi *fuse3.FileInfo) int {
	return s.notSupported("write", p, "size", len(data), "offset", off)
}

// Mkdir is not supported
func (s *SFTPfs) Mkdir(ctx context.Context, p string, mode uint32) int {
	return s.notSupported("mkdir", p, "mode", mode)
}

// Unlink is not supported
func (s *SFTPfs) Unlink(ctx context.Context, p string) int {
	return s.notSupported("unlink", p)
}

// Rmdir is not supported
func (s *SFTPfs) Rmdir(ctx context.Context, p string) int {
	return s.notSupported("rmdir", p)
}

// Mknod is not supported
func (s *SFTPfs) Mknod(ctx context.Context, p string, mode uint32, rdev uint64) int {
	return s.notSupported("mknod", p, "mode", mode)
}

// Rename is not supported
func (s *SFTPfs) Rename(ctx context.Context, oldpath string, newpath string, flags uint32) int {
	return s.notSupported("rename", oldpath, "to", newpath)
}

// Truncate is not supported
func (s *SFTPfs) Truncate(ctx context.Context, p string, size int64, fi *fuse3.FileInfo) int {
	return s.notSupported("truncate", p, "size", size)
}

// Chmod is not supported
func (s *SFTPfs) Chmod(ctx context.Context, p string, mode uint32, fi *fuse3.FileInfo) int {
	return s.notSupported("chmod", p, "mode", mode)
}

// Chown is not supported
func (s *SFTPfs) Chown(ctx context.Context, p string, uid uint32, gid uint32, fi *fuse3.FileInfo) int {
	return s.notSupported("chown", p, "uid", uid, "gid", gid)
}
