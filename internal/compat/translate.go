package compat

import (
	"errors"

	"github.com/NBISweden/fuse3compat/internal/fuse2"
	"github.com/NBISweden/fuse3compat/internal/fuse3"
)

// ErrNilFileInfo is returned when a file info to convert is missing
var ErrNilFileInfo = errors.New("missing file info in conversion")

// Widen fills dst from the host file info src. dst is zeroed first, the
// fields the host does not have (FlockRelease, CacheReaddir, PollEvents,
// FhOld, Writepage) stay zero.
func Widen(src *fuse2.FileInfo, dst *fuse3.FileInfo) error {
	if src == nil || dst == nil {
		return ErrNilFileInfo
	}

	*dst = fuse3.FileInfo{
		Flags:       src.Flags,
		DirectIO:    src.DirectIO,
		KeepCache:   src.KeepCache,
		Flush:       src.Flush,
		NonSeekable: src.NonSeekable,
		Fh:          src.Fh,
		LockOwner:   src.LockOwner,
	}

	return nil
}

// Narrow fills the host file info dst from src. Fields of src the host
// has no room for are dropped.
func Narrow(src *fuse3.FileInfo, dst *fuse2.FileInfo) error {
	if src == nil || dst == nil {
		return ErrNilFileInfo
	}

	*dst = fuse2.FileInfo{
		Flags:       src.Flags,
		DirectIO:    src.DirectIO,
		KeepCache:   src.KeepCache,
		Flush:       src.Flush,
		NonSeekable: src.NonSeekable,
		Fh:          src.Fh,
		LockOwner:   src.LockOwner,
	}

	return nil
}

// translator holds the conversion functions used by the wrappers
type translator struct {
	widen  func(*fuse2.FileInfo, *fuse3.FileInfo) error
	narrow func(*fuse3.FileInfo, *fuse2.FileInfo) error
}

var defaultTranslator = translator{widen: Widen, narrow: Narrow}
