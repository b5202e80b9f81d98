package compat

import (
	"github.com/NBISweden/fuse3compat/internal/fuse2"
	"github.com/NBISweden/fuse3compat/internal/fuse3"
)

// reachable are the v3 operations a host can request
var reachable = map[fuse3.OpName]bool{
	fuse3.OpGetattr:  true,
	fuse3.OpReadlink: true,
	fuse3.OpMknod:    true,
	fuse3.OpMkdir:    true,
	fuse3.OpUnlink:   true,
	fuse3.OpRmdir:    true,
	fuse3.OpOpen:     true,
	fuse3.OpRead:     true,
	fuse3.OpWrite:    true,
	fuse3.OpRelease:  true,
}

// Reachable reports whether the host can ever request the operation
func Reachable(name fuse3.OpName) bool {
	return reachable[name]
}

// Unreachable lists the operations ops supplies that no host will request
func Unreachable(ops *fuse3.Operations) []fuse3.OpName {
	var names []fuse3.OpName

	for _, name := range ops.Supplied() {
		if !reachable[name] {
			names = append(names, name)
		}
	}

	return names
}

// mapOperations builds the host table, installing a wrapper for each host
// operation that ops supplies
func mapOperations(ops *fuse3.Operations, w *wrappers) *fuse2.Operations {
	host := &fuse2.Operations{}

	if ops.Getattr != nil {
		host.Getattr = w.getattr
	}
	if ops.Readlink != nil {
		host.Readlink = w.readlink
	}
	if ops.Mknod != nil {
		host.Mknod = w.mknod
	}
	if ops.Mkdir != nil {
		host.Mkdir = w.mkdir
	}
	if ops.Unlink != nil {
		host.Unlink = w.unlink
	}
	if ops.Rmdir != nil {
		host.Rmdir = w.rmdir
	}
	if ops.Open != nil {
		host.Open = w.open
	}
	if ops.Read != nil {
		host.Read = w.read
	}
	if ops.Write != nil {
		host.Write = w.write
	}
	if ops.Release != nil {
		host.Release = w.release
	}

	return host
}
