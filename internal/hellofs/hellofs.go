// Package hellofs is the smallest useful v3 filesystem: a root directory
// holding one read only file.
package hellofs

import (
	"context"
	"time"

	"github.com/NBISweden/fuse3compat/internal/fuse3"
	"github.com/NBISweden/fuse3compat/internal/fuseadapter"
)

// Default name and content of the file
const (
	DefaultName    = "hello"
	DefaultContent = "Hello World!\n"
)

// HelloFS serves one file below the root
type HelloFS struct {
	name    string
	content []byte
	mtime   fuseadapter.Timespec
}

// New creates a HelloFS with the default file
func New() *HelloFS {
	return NewWithContent(DefaultName, DefaultContent)
}

// NewWithContent creates a HelloFS serving content as /name
func NewWithContent(name, content string) *HelloFS {
	return &HelloFS{
		name:    name,
		content: []byte(content),
		mtime:   fuseadapter.NewTimespec(time.Now()),
	}
}

func (h *HelloFS) path() string {
	return "/" + h.name
}

// Operations returns the v3 table for the filesystem
func (h *HelloFS) Operations() *fuse3.Operations {
	return &fuse3.Operations{
		Getattr: h.Getattr,
		Readdir: h.Readdir,
		Open:    h.Open,
		Read:    h.Read,
	}
}

// Getattr describes the root and the file
func (h *HelloFS) Getattr(ctx context.Context, path string, st *fuseadapter.Stat, fi *fuse3.FileInfo) int {
	*st = fuseadapter.Stat{}

	switch path {
	case "/":
		st.Mode = fuseadapter.S_IFDIR | 0o755
		st.Nlink = 2
	case h.path():
		st.Mode = fuseadapter.S_IFREG | 0o444
		st.Nlink = 1
		st.Size = int64(len(h.content))
	default:
		return fuseadapter.Status(fuseadapter.ErrNoEntry)
	}

	if c := fuse3.GetContext(ctx); c != nil {
		st.Uid = c.Uid
		st.Gid = c.Gid
	}
	st.Mtim = h.mtime
	st.Ctim = h.mtime
	st.Atim = h.mtime

	return 0
}

// Readdir lists the root
func (h *HelloFS) Readdir(ctx context.Context, path string, fill fuse3.FillDir, off int64, fi *fuse3.FileInfo, flags fuse3.ReaddirFlags) int {
	if path != "/" {
		return fuseadapter.Status(fuseadapter.ErrNoEntry)
	}

	for _, name := range []string{".", "..", h.name} {
		if !fill(name, nil, 0, 0) {
			break
		}
	}

	return 0
}

// Open only allows reading the file
func (h *HelloFS) Open(ctx context.Context, path string, fi *fuse3.FileInfo) int {
	if path != h.path() {
		return fuseadapter.Status(fuseadapter.ErrNoEntry)
	}

	if fi.Flags&fuseadapter.O_ACCMODE != fuseadapter.O_RDONLY {
		return fuseadapter.Status(fuseadapter.ErrAccess)
	}
	fi.KeepCache = true

	return 0
}

// Read copies the file content from off, clipped to the file size
func (h *HelloFS) Read(ctx context.Context, path string, buf []byte, off int64, fi *fuse3.FileInfo) int {
	if path != h.path() {
		return fuseadapter.Status(fuseadapter.ErrNoEntry)
	}

	if off < 0 {
		return fuseadapter.Status(fuseadapter.ErrInvalid)
	}
	if off >= int64(len(h.content)) {
		return 0
	}

	return copy(buf, h.content[off:])
}
