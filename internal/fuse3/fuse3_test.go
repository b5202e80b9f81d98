package fuse3

import (
	"context"
	"testing"

	"github.com/NBISweden/fuse3compat/internal/fuseadapter"
	"github.com/tj/assert"
)

func TestFileInfoBits(t *testing.T) {
	fi := FileInfo{}
	assert.Equal(t, uint32(0), fi.Bits(), "Empty file info should have no bits")

	fi.DirectIO = true
	assert.Equal(t, uint32(1), fi.Bits(), "direct_io should be bit 0")

	fi = FileInfo{CacheReaddir: true}
	assert.Equal(t, uint32(1<<5), fi.Bits(), "cache_readdir should be bit 5")

	fi = FileInfo{DirectIO: true, KeepCache: true, Flush: true,
		NonSeekable: true, FlockRelease: true, CacheReaddir: true}
	assert.Equal(t, uint32(0x3f), fi.Bits(), "Unexpected bits with all flags set")

	assert.Equal(t, FlagWordBits, 6+FlagPaddingBits, "Flags and padding should fill the word")

	other := FileInfo{}
	other.SetBits(0xffffffff)
	assert.Equal(t, fi, other, "Padding bits should be ignored")
	assert.Equal(t, uint32(0x3f), other.Bits(), "Padding bits should never be set")

	other.SetBits(BitKeepCache | BitNonSeekable)
	assert.False(t, other.DirectIO, "direct_io should be cleared")
	assert.True(t, other.KeepCache, "keep_cache should be set")
	assert.False(t, other.Flush, "flush should be cleared")
	assert.True(t, other.NonSeekable, "nonseekable should be set")
}

func TestOperationsSupplied(t *testing.T) {
	var nilOps *Operations
	assert.Empty(t, nilOps.Supplied(), "nil table supplies nothing")
	assert.False(t, nilOps.Has(OpGetattr), "nil table supplies nothing")

	ops := &Operations{}
	assert.Empty(t, ops.Supplied(), "Empty table supplies nothing")

	ops.Readdir = func(context.Context, string, FillDir, int64, *FileInfo, ReaddirFlags) int { return 0 }
	ops.Getattr = func(context.Context, string, *fuseadapter.Stat, *FileInfo) int { return 0 }
	ops.Lseek = func(context.Context, string, int64, int, *FileInfo) int64 { return 0 }

	assert.Equal(t, []OpName{OpGetattr, OpReaddir, OpLseek}, ops.Supplied(),
		"Supplied should follow table order")
	assert.False(t, ops.Has(OpName("nonexistent")), "Unknown names are never supplied")
	assert.Equal(t, 42, len(AllOps), "Unexpected number of operations")
}

func TestArgs(t *testing.T) {
	var nilArgs *Args
	assert.Equal(t, 0, nilArgs.Argc(), "nil args have no arguments")
	_, ok := nilArgs.Mountpoint()
	assert.False(t, ok, "nil args have no mountpoint")

	argv := []string{"prog"}
	args := NewArgs(argv...)
	_, ok = args.Mountpoint()
	assert.False(t, ok, "Program name alone is no mountpoint")

	args = NewArgs("prog", "-f", "/mnt/point")
	mp, ok := args.Mountpoint()
	assert.True(t, ok, "Mountpoint not found")
	assert.Equal(t, "/mnt/point", mp, "Wrong mountpoint")
	assert.Equal(t, 3, args.Argc(), "Wrong argument count")

	_, ok = NewArgs("prog", "-o", "ro").Mountpoint()
	assert.False(t, ok, "Option value is no mountpoint")
	_, ok = NewArgs("prog", "-f").Mountpoint()
	assert.False(t, ok, "Option is no mountpoint")
	mp, ok = NewArgs("prog", "-o", "ro", "mnt").Mountpoint()
	assert.True(t, ok, "Relative mountpoint after options not found")
	assert.Equal(t, "mnt", mp, "Wrong mountpoint after options")

	argv = []string{"prog", "/mnt"}
	args = NewArgs(argv...)
	argv[1] = "/changed"
	mp, _ = args.Mountpoint()
	assert.Equal(t, "/mnt", mp, "NewArgs should copy argv")
}

func TestReset(t *testing.T) {
	conn := ConnInfo{ProtoMajor: 7, Want: 3}
	conn.Reserved[21] = 99
	conn.Reset()
	assert.Equal(t, ConnInfo{}, conn, "Reset should zero everything")

	cfg := Config{AttrTimeout: 1.5, Modules: "subdir"}
	cfg.Reset()
	assert.Equal(t, Config{}, cfg, "Reset should zero everything")
}

func TestBufvec(t *testing.T) {
	v := NewBufvec([]byte("hello"))
	assert.Equal(t, 1, v.Count, "New vector should hold one buffer")
	assert.Equal(t, 5, v.Size(), "Unexpected size")
	assert.Nil(t, v.At(1), "Out of range buffer should be nil")
	assert.Nil(t, v.At(-1), "Out of range buffer should be nil")

	v.Append(Buf{Size: 6, Mem: []byte(" world")})
	v.Append(Buf{Size: 10, Flags: BufIsFd, Fd: 3})
	v.Append(Buf{Size: 1, Mem: []byte("!")})

	assert.Equal(t, 4, v.Count, "Unexpected count")
	assert.Equal(t, 22, v.Size(), "Unexpected size")
	assert.Equal(t, &v.Buf, v.At(0), "First buffer should be inline")
	assert.Equal(t, uintptr(3), v.At(2).Fd, "Unexpected third buffer")
	assert.Equal(t, []byte("hello world!"), v.Bytes(), "Unexpected bytes")

	v.Off = 2
	assert.Equal(t, []byte("llo world!"), v.Bytes(), "Offset not honoured")

	v.Idx = 1
	v.Off = 1
	assert.Equal(t, []byte("world!"), v.Bytes(), "Index not honoured")

	empty := &Bufvec{}
	empty.Append(Buf{Size: 2, Mem: []byte("ab")})
	assert.Equal(t, 1, empty.Count, "Append to empty vector should fill inline buffer")
	assert.Equal(t, []byte("ab"), empty.Bytes(), "Unexpected bytes")
}

func TestBufvecCountBeyondBuffers(t *testing.T) {
	v := &Bufvec{Count: 2, Buf: Buf{Size: 2, Mem: []byte("ab")}}

	assert.NotPanics(t, func() { v.At(1) }, "Missing buffer should not panic")
	assert.Nil(t, v.At(1), "Missing buffer should be nil")
	assert.Equal(t, 2, v.Size(), "Missing buffer should add nothing")
	assert.Equal(t, []byte("ab"), v.Bytes(), "Missing buffer should add no bytes")

	assert.NotPanics(t, func() { v.Append(Buf{Size: 1, Mem: []byte("c")}) },
		"Append should not panic")
	assert.Equal(t, 2, v.Count, "Count should match the buffers present")
	assert.Equal(t, []byte("c"), v.At(1).Mem, "Appended buffer should follow the inline one")
	assert.Equal(t, []byte("abc"), v.Bytes(), "Unexpected bytes")

	v.Idx = -1
	assert.NotPanics(t, func() { v.Bytes() }, "Negative index should not panic")
}

func TestContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, GetContext(ctx), "Plain context should carry no caller")

	c := &Context{Uid: 1000, Gid: 100, Pid: 42, PrivateData: "data"}
	ctx = NewContext(ctx, c)
	assert.Equal(t, c, GetContext(ctx), "Caller not carried")
}
