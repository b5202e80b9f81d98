package fuse3

// Bit positions of the behavioural flags of a FileInfo within its flag word
const (
	BitDirectIO uint32 = 1 << iota
	BitKeepCache
	BitFlush
	BitNonSeekable
	BitFlockRelease
	BitCacheReaddir
)

const (
	// FlagWordBits is the total width of the flag word
	FlagWordBits = 32

	// FlagPaddingBits is the number of unused bits following the flags
	FlagPaddingBits = 26

	flagMask = BitDirectIO | BitKeepCache | BitFlush | BitNonSeekable |
		BitFlockRelease | BitCacheReaddir
)

// FileInfo is the per call descriptor handed to callbacks that work on open
// files. Callbacks may change it, e.g. to set Fh on open.
type FileInfo struct {
	// Open flags, see open(2)
	Flags int32

	// Legacy file handle, not used by anything
	FhOld uint32

	// Set when a write comes from the page cache
	Writepage int32

	// Bypass the page cache for this file
	DirectIO bool

	// Keep cached data on open
	KeepCache bool

	// Set on release when the file should be flushed
	Flush bool

	// The file does not support seeking
	NonSeekable bool

	// Release should also release flock locks
	FlockRelease bool

	// The kernel may cache readdir results
	CacheReaddir bool

	// File handle set by the filesystem on open, passed to later calls
	Fh uint64

	// Lock owner id, for flush and locking
	LockOwner uint64

	// Requested poll events
	PollEvents uint32
}

// Bits packs the behavioural flags into their flag word. The padding bits
// are always zero.
func (fi FileInfo) Bits() uint32 {
	var b uint32

	if fi.DirectIO {
		b |= BitDirectIO
	}
	if fi.KeepCache {
		b |= BitKeepCache
	}
	if fi.Flush {
		b |= BitFlush
	}
	if fi.NonSeekable {
		b |= BitNonSeekable
	}
	if fi.FlockRelease {
		b |= BitFlockRelease
	}
	if fi.CacheReaddir {
		b |= BitCacheReaddir
	}

	return b
}

// SetBits sets the behavioural flags from a flag word, padding bits are
// ignored
func (fi *FileInfo) SetBits(b uint32) {
	b &= flagMask

	fi.DirectIO = b&BitDirectIO != 0
	fi.KeepCache = b&BitKeepCache != 0
	fi.Flush = b&BitFlush != 0
	fi.NonSeekable = b&BitNonSeekable != 0
	fi.FlockRelease = b&BitFlockRelease != 0
	fi.CacheReaddir = b&BitCacheReaddir != 0
}
