// Package fuse3 describes the v3 filesystem API: the callback table a
// filesystem implements and the records passed to those callbacks.
package fuse3

import (
	"context"
	"strings"

	"github.com/NBISweden/fuse3compat/internal/fuseadapter"
)

// ReaddirFlags are passed to the readdir callback
type ReaddirFlags uint32

// ReaddirPlus asks readdir to fill in attributes as well
const ReaddirPlus ReaddirFlags = 1 << 0

// FillDirFlags are passed to the FillDir function
type FillDirFlags uint32

// FillDirPlus marks the attributes given to FillDir as complete
const FillDirPlus FillDirFlags = 1 << 1

// FillDir adds one entry to a directory listing. stat may be nil and off
// may be 0 when the filesystem does not track offsets. It returns false
// when the listing buffer is full.
type FillDir func(name string, stat *fuseadapter.Stat, off int64, flags FillDirFlags) bool

// Args is an argument list, the program name first
type Args struct {
	Argv []string
}

// NewArgs creates an argument list from a copy of argv
func NewArgs(argv ...string) *Args {
	return &Args{Argv: append([]string(nil), argv...)}
}

// Argc returns the number of arguments
func (a *Args) Argc() int {
	if a == nil {
		return 0
	}
	return len(a.Argv)
}

// Mountpoint returns the last argument, by convention the mount target.
// The program name alone does not give a mountpoint, neither does an
// option or the value of a trailing -o.
func (a *Args) Mountpoint() (string, bool) {
	n := a.Argc()
	if n < 2 {
		return "", false
	}

	mp := a.Argv[n-1]
	if mp == "" || strings.HasPrefix(mp, "-") {
		return "", false
	}
	if n > 2 && a.Argv[n-2] == "-o" {
		return "", false
	}
	return mp, true
}

// CmdlineOpts holds the options recognised by the command line parser
type CmdlineOpts struct {
	Foreground       bool
	Debug            bool
	NodefaultSubtype bool
	Mountpoint       string
	ShowVersion      bool
	ShowHelp         bool
	CloneFd          bool
	MaxIdleThreads   uint32
	Singlethread     bool
}

// DefaultMaxIdleThreads is the idle thread limit when none is given
const DefaultMaxIdleThreads = 10

// ConnInfo describes the capabilities of the connection
type ConnInfo struct {
	ProtoMajor          uint32
	ProtoMinor          uint32
	MaxWrite            uint32
	MaxRead             uint32
	MaxReadahead        uint32
	Capable             uint32
	Want                uint32
	MaxBackground       uint32
	CongestionThreshold uint32
	TimeGran            uint32

	// Reserved is kept zero and never interpreted
	Reserved [22]uint32
}

// Reset zeroes the record, reserved words included
func (c *ConnInfo) Reset() {
	*c = ConnInfo{}
}

// Config holds the filesystem wide settings init may adjust
type Config struct {
	SetGid           bool
	Gid              uint32
	SetUid           bool
	Uid              uint32
	SetMode          bool
	Umask            uint32
	EntryTimeout     float64
	NegativeTimeout  float64
	AttrTimeout      float64
	Intr             bool
	IntrSignal       int
	Remember         int
	HardRemove       bool
	UseIno           bool
	ReaddirIno       bool
	DirectIO         bool
	KernelCache      bool
	AutoCache        bool
	AcAttrTimeoutSet bool
	AcAttrTimeout    float64
	NullpathOk       bool
	ShowHelp         bool
	Modules          string
	Debug            bool
}

// Reset zeroes the record
func (c *Config) Reset() {
	*c = Config{}
}

// BufFlags describe where the data of a Buf lives
type BufFlags uint32

// Buffer flags
const (
	BufIsFd    BufFlags = 1 << 1
	BufFdSeek  BufFlags = 1 << 2
	BufFdRetry BufFlags = 1 << 3
)

// Buf is one data buffer, in memory or a file descriptor region
type Buf struct {
	Size  int
	Flags BufFlags
	Mem   []byte
	Fd    uintptr
	Pos   int64
}

// Bufvec is a list of buffers with a position. The first buffer is held
// inline, further ones in a tail addressed by Count.
type Bufvec struct {
	Count int
	Idx   int
	Off   int
	Buf   Buf

	tail []Buf
}

// NewBufvec creates a vector holding a single memory buffer
func NewBufvec(mem []byte) *Bufvec {
	return &Bufvec{Count: 1, Buf: Buf{Size: len(mem), Mem: mem}}
}

// At returns buffer i, or nil when the vector does not hold it. A Count
// beyond the buffers actually present does not make them exist.
func (v *Bufvec) At(i int) *Buf {
	if i < 0 || i >= v.Count {
		return nil
	}
	if i == 0 {
		return &v.Buf
	}
	if i-1 >= len(v.tail) {
		return nil
	}
	return &v.tail[i-1]
}

// Append adds a buffer after the last one present and sets Count to match
func (v *Bufvec) Append(b Buf) {
	if v.Count <= 0 {
		v.Buf = b
		v.tail = v.tail[:0]
		v.Count = 1
		return
	}
	n := min(v.Count-1, len(v.tail))
	v.tail = append(v.tail[:n], b)
	v.Count = n + 2
}

// Size returns the total size of all buffers
func (v *Bufvec) Size() int {
	size := 0
	for i := 0; i < v.Count; i++ {
		if b := v.At(i); b != nil {
			size += b.Size
		}
	}
	return size
}

// Bytes copies the memory buffers from the current position into one slice
func (v *Bufvec) Bytes() []byte {
	var out []byte

	for i := max(v.Idx, 0); i < v.Count; i++ {
		b := v.At(i)
		if b == nil || b.Flags&BufIsFd != 0 {
			continue
		}
		mem := b.Mem[:min(b.Size, len(b.Mem))]
		if i == v.Idx {
			mem = mem[min(v.Off, len(mem)):]
		}
		out = append(out, mem...)
	}

	return out
}

// Context describes the caller of the current operation
type Context struct {
	Uid   uint32
	Gid   uint32
	Pid   uint32
	Umask uint32

	// PrivateData is the user data given at construction
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
