// Package compat runs a filesystem written against the v3 API on a host
// runtime that only speaks the v2 API.
//
// The host only ever requests getattr, readlink, mknod, mkdir, unlink,
// rmdir, open, read, write and release. Other callbacks in the v3 table are
// never called, New logs a warning naming them.
package compat

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/NBISweden/fuse3compat/internal/fuse2"
	"github.com/NBISweden/fuse3compat/internal/fuse3"
)

// Conf holds the settings for one filesystem instance
type Conf struct {
	// Runtime is the host runtime to run on
	Runtime fuse2.Runtime

	// Logger receives diagnostics, when nil a text logger on LogFile or
	// stderr is created
	Logger *slog.Logger

	// LogFile is opened in New and closed in Destroy
	LogFile string

	// Debug enables debug level diagnostics
	Debug bool
}

// Errors returned by the adapter
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNoMountpoint    = errors.New("no mountpoint in argument list")
	ErrNotConstructed  = errors.New("filesystem not constructed")
	ErrLooping         = errors.New("filesystem already looping")
	ErrDestroyed       = errors.New("filesystem destroyed")
)

type state int32

const (
	stateUninitialized state = iota
	stateConstructed
	stateLooping
	stateDestroyed
)

// Fuse is a v3 filesystem instance running on a host runtime
type Fuse struct {
	runtime    fuse2.Runtime
	mountpoint string
	ch         fuse2.Chan
	host       fuse2.Fuse
	diag       *diagnostics

	// live is cleared on destroy so late calls fail cleanly
	live  atomic.Pointer[adapterContext]
	state atomic.Int32
}

// Session is the session view of a Fuse
type Session Fuse

// New creates a filesystem instance serving ops. The mountpoint is the last
// element of args. The channel is opened and the host handle created right
// away, on failure everything acquired is released again and a nil *Fuse
// is returned.
func New(conf *Conf, args *fuse3.Args, ops *fuse3.Operations, userData any) (*Fuse, error) {
	if conf == nil || conf.Runtime == nil {
		return nil, fmt.Errorf("%w: no host runtime", ErrInvalidArgument)
	}
	if args == nil {
		return nil, fmt.Errorf("%w: no arguments", ErrInvalidArgument)
	}
	if ops == nil {
		return nil, fmt.Errorf("%w: no operations", ErrInvalidArgument)
	}

	mountpoint, ok := args.Mountpoint()
	if !ok {
		return nil, ErrNoMountpoint
	}

	diag, err := openDiagnostics(conf)
	if err != nil {
		return nil, err
	}
	log := diag.logger.With("mountpoint", mountpoint)

	f := &Fuse{
		runtime:    conf.Runtime,
		mountpoint: mountpoint,
		diag:       diag,
	}

	if unreachable := Unreachable(ops); len(unreachable) > 0 {
		log.Warn("supplied operations will never be called by the host",
			"operations", unreachable)
	}

	hostArgs := &fuse2.Args{Argv: append([]string(nil), args.Argv...)}

	ch, err := f.runtime.Mount(mountpoint, hostArgs)
	if err != nil {
		log.Error("could not open channel", "error", err)
		diag.close()
		return nil, fmt.Errorf("could not open channel at %s: %w", mountpoint, err)
	}
	f.ch = ch

	ac := &adapterContext{ops: ops, userData: userData}
	w := &wrappers{resolve: f.live.Load, tr: defaultTranslator, log: log}

	// Published before the handle exists since a host may dispatch as soon
	// as it is created.
	f.live.Store(ac)

	host, err := f.runtime.New(ch, hostArgs, mapOperations(ops, w), ac)
	if err != nil {
		f.live.Store(nil)
		log.Error("could not create host filesystem", "error", err)
		f.runtime.Unmount(mountpoint, ch)
		diag.close()
		return nil, fmt.Errorf("could not create host filesystem: %w", err)
	}
	f.host = host

	f.state.Store(int32(stateConstructed))
	log.Debug("filesystem constructed", "operations", ops.Supplied())

	return f, nil
}

// Mount exists for callers that mount separately from construction. The
// mount already happened in New, so it does nothing.
func (f *Fuse) Mount(mountpoint string) error {
	return nil
}

// Unmount does nothing, Destroy unmounts
func (f *Fuse) Unmount() {
}

// Loop runs the host dispatch loop until the filesystem is unmounted and
// returns what the host returned
func (f *Fuse) Loop() error {
	if f == nil {
		return ErrNotConstructed
	}

	if !f.state.CompareAndSwap(int32(stateConstructed), int32(stateLooping)) {
		switch state(f.state.Load()) {
		case stateLooping:
			return ErrLooping
		case stateDestroyed:
			return ErrDestroyed
		default:
			return ErrNotConstructed
		}
	}

	f.logger().Debug("dispatch loop starting")
	err := f.host.Loop()
	f.logger().Debug("dispatch loop finished", "error", err)

	f.state.CompareAndSwap(int32(stateLooping), int32(stateConstructed))

	return err
}

// Destroy releases the host handle, the channel and the diagnostics. It
// does nothing on a nil, never constructed or already destroyed Fuse.
func (f *Fuse) Destroy() {
	if f == nil {
		return
	}

	prev := state(f.state.Swap(int32(stateDestroyed)))
	if prev == stateDestroyed || prev == stateUninitialized {
		return
	}

	f.host.Destroy()
	f.runtime.Unmount(f.mountpoint, f.ch)
	f.live.Store(nil)

	f.logger().Debug("filesystem destroyed")
	f.diag.close()
}

// Session returns the session of f, which is f itself
func (f *Fuse) Session() *Session {
	return (*Session)(f)
}

// Loop runs the dispatch loop of the session's filesystem
func (s *Session) Loop() error {
	return (*Fuse)(s).Loop()
}

func (f *Fuse) logger() *slog.Logger {
	return f.diag.logger.With("mountpoint", f.mountpoint)
}

// diagnostics is the logging of one instance
type diagnostics struct {
	logger *slog.Logger
	file   *os.File
}

func openDiagnostics(conf *Conf) (*diagnostics, error) {
	level := slog.LevelInfo
	if conf.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	d := &diagnostics{}

	switch {
	case conf.Logger != nil:
		d.logger = conf.Logger
	case conf.LogFile != "":
		f, err := os.OpenFile(conf.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("could not open log file %s: %w", conf.LogFile, err)
		}
		d.file = f
		d.logger = slog.New(slog.NewTextHandler(f, opts))
	default:
		d.logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	d.logger = d.logger.With("component", "fuse3compat")
	return d, nil
}

func (d *diagnostics) close() {
	if d.file == nil {
		return
	}

	if err := d.file.Close(); err != nil {
		d.logger.Error("could not close log file", "error", err)
	}
	d.file = nil
}
