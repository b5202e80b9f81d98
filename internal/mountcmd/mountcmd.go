// Package mountcmd holds what the mount commands share: the common flags,
// logging, backend selection and running a filesystem until it is
// unmounted.
package mountcmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"

	"github.com/NBISweden/fuse3compat/internal/compat"
	"github.com/NBISweden/fuse3compat/internal/fuse2"
	"github.com/NBISweden/fuse3compat/internal/fuse3"
	"github.com/spf13/pflag"
)

// Options are the settings common to the mount commands
type Options struct {
	Name         string
	Backend      string
	LogFile      string
	Foreground   bool
	Debug        bool
	Singlethread bool
	ShowHelp     bool
	ShowVersion  bool
	MountOpts    []string
	Mountpoint   string
}

// FlagSet returns a flag set for the command name with the common flags
// registered against o
func (o *Options) FlagSet(name string) *pflag.FlagSet {
	o.Name = name

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.BoolVarP(&o.ShowHelp, "help", "h", false, "Print help")
	fs.BoolVarP(&o.ShowVersion, "version", "V", false, "Print version")
	fs.BoolVarP(&o.Debug, "debug", "d", false, "Enable debug output (implies -f)")
	fs.BoolVarP(&o.Foreground, "foreground", "f", false, "Do not detach")
	fs.BoolVarP(&o.Singlethread, "singlethread", "s", false, "Disable multi-threaded operation")
	fs.StringArrayVarP(&o.MountOpts, "option", "o", nil, "Mount options, comma separated")
	fs.StringVar(&o.Backend, "backend", DefaultBackend,
		fmt.Sprintf("FUSE library to use, one of %v", Backends))
	fs.StringVar(&o.LogFile, "log", "", "File to send logs to instead of stderr,"+
		" defaults to "+name+".log if detached")

	return fs
}

// Validate checks the backend and that a mountpoint was given
func (o *Options) Validate() error {
	if !slices.Contains(Backends, o.Backend) {
		return fmt.Errorf("unknown backend %q, expected one of %v", o.Backend, Backends)
	}
	if o.Mountpoint == "" {
		return fmt.Errorf("no mountpoint given")
	}
	return nil
}

// FuseArgs renders the options as a FUSE command line
func (o *Options) FuseArgs() *fuse3.Args {
	argv := []string{o.Name}

	for _, opt := range o.MountOpts {
		argv = append(argv, "-o", opt)
	}
	if o.Debug {
		argv = append(argv, "-d")
	}
	if o.Foreground {
		argv = append(argv, "-f")
	}
	if o.Singlethread {
		argv = append(argv, "-s")
	}

	return fuse3.NewArgs(append(argv, o.Mountpoint)...)
}

// EffectiveLogFile is the log file to use, a detached process always logs
// to a file
func (o *Options) EffectiveLogFile(foreground bool) string {
	if !foreground && o.LogFile == "" {
		return o.Name + ".log"
	}
	return o.LogFile
}

// SetupLogging points the default logger at logFile, or stderr when it is
// empty. The returned function closes the file.
func SetupLogging(logFile string, debug bool) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var w io.Writer = os.Stderr
	closer := func() {}

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("couldn't open requested log file %s: %w",
				logFile, err)
		}
		w = f
		closer = func() { _ = f.Close() }
	}

	log := slog.New(slog.NewTextHandler(w, opts))
	slog.SetDefault(log)

	return log, closer, nil
}

// stoppableRuntime remembers the channel so the filesystem can be
// unmounted from outside the dispatch loop
type stoppableRuntime struct {
	fuse2.Runtime

	mu         sync.Mutex
	mountpoint string
	ch         fuse2.Chan
}

func (r *stoppableRuntime) Mount(mountpoint string, args *fuse2.Args) (fuse2.Chan, error) {
	ch, err := r.Runtime.Mount(mountpoint, args)
	if err == nil {
		r.mu.Lock()
		r.mountpoint, r.ch = mountpoint, ch
		r.mu.Unlock()
	}
	return ch, err
}

// stop unmounts, which makes a running loop return
func (r *stoppableRuntime) stop() {
	r.mu.Lock()
	mountpoint, ch := r.mountpoint, r.ch
	r.mu.Unlock()

	if ch != nil {
		r.Runtime.Unmount(mountpoint, ch)
	}
}

// Run serves ops at the mountpoint in args until it is unmounted or the
// process gets SIGINT or SIGTERM
func Run(rt fuse2.Runtime, args *fuse3.Args, ops *fuse3.Operations, userData any, log *slog.Logger) error {
	srt := &stoppableRuntime{Runtime: rt}

	f, err := compat.New(&compat.Conf{Runtime: srt, Logger: log}, args, ops, userData)
	if err != nil {
		return err
	}
	defer f.Destroy()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(ch)

	done := make(chan struct{})
	defer close(done)
	go handleSignals(ch, done, srt, log)

	mountpoint, _ := args.Mountpoint()
	log.Info("filesystem ready", "mountpoint", mountpoint)

	if err := f.Loop(); err != nil {
		return fmt.Errorf("error while serving %s: %w", mountpoint, err)
	}

	log.Info("filesystem unmounted", "mountpoint", mountpoint)
	return nil
}

// handleSignals unmounts on a signal so the loop returns
func handleSignals(ch chan os.Signal, done chan struct{}, rt *stoppableRuntime, log *slog.Logger) {
	for {
		select {
		case s := <-ch:
			log.Info("received signal, unmounting", "signal", s)
			rt.stop()
		case <-done:
			return
		}
	}
}
