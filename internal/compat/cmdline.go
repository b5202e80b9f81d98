package compat

import (
	"fmt"

	"github.com/NBISweden/fuse3compat/internal/fuse2"
	"github.com/NBISweden/fuse3compat/internal/fuse3"
)

// ParseCmdline parses the generic options in args with the host parser and
// returns them as v3 command line options. args is replaced with what the
// host parser left of it: the program name, the mount options and the
// mountpoint, so it can be passed on to New.
func ParseCmdline(args *fuse3.Args) (*fuse3.CmdlineOpts, error) {
	if args == nil {
		return nil, fmt.Errorf("%w: no arguments", ErrInvalidArgument)
	}

	hostArgs := &fuse2.Args{Argv: append([]string(nil), args.Argv...)}

	res, err := fuse2.ParseCmdline(hostArgs)
	if err != nil {
		return nil, err
	}

	opts := &fuse3.CmdlineOpts{
		Foreground:     res.Foreground,
		Debug:          res.Debug,
		Mountpoint:     res.Mountpoint,
		ShowHelp:       res.ShowHelp,
		ShowVersion:    res.ShowVersion,
		Singlethread:   !res.Multithreaded,
		MaxIdleThreads: fuse3.DefaultMaxIdleThreads,
	}

	args.Argv = hostArgs.Argv

	return opts, nil
}
