package fuse2

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

// CmdlineResult holds what ParseCmdline recognised
type CmdlineResult struct {
	Mountpoint    string
	Multithreaded bool
	Foreground    bool
	Debug         bool
	ShowHelp      bool
	ShowVersion   bool

	// Options collects the values of all -o flags
	Options []string
}

// ErrBadCmdline is returned for command lines the parser does not accept
var ErrBadCmdline = errors.New("invalid command line")

// ParseCmdline parses the generic host options
//
//	-h, --help       print help
//	-V, --version    print version
//	-d, --debug      enable debug output (implies -f)
//	-f               foreground operation
//	-s               disable multi-threaded operation
//	-o opt,[opt...]  mount options
//
// The first positional argument is the mountpoint. On success args is
// rewritten to the program name, the mount options and the mountpoint
// (last), the form the host expects when creating the filesystem.
func ParseCmdline(args *Args) (*CmdlineResult, error) {
	if args == nil || len(args.Argv) == 0 {
		return nil, fmt.Errorf("%w: no arguments", ErrBadCmdline)
	}

	res := &CmdlineResult{}
	singlethread := false

	flags := pflag.NewFlagSet(args.Argv[0], pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.BoolVarP(&res.ShowHelp, "help", "h", false, "print help")
	flags.BoolVarP(&res.ShowVersion, "version", "V", false, "print version")
	flags.BoolVarP(&res.Debug, "debug", "d", false, "enable debug output")
	flags.BoolVarP(&res.Foreground, "foreground", "f", false, "foreground operation")
	flags.BoolVarP(&singlethread, "singlethread", "s", false, "disable multi-threaded operation")
	flags.StringArrayVarP(&res.Options, "options", "o", nil, "mount options")

	if err := flags.Parse(args.Argv[1:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCmdline, err)
	}

	positional := flags.Args()
	switch len(positional) {
	case 0:
	case 1:
		res.Mountpoint = positional[0]
	default:
		return nil, fmt.Errorf("%w: unexpected argument %q", ErrBadCmdline, positional[1])
	}

	res.Multithreaded = !singlethread

	if res.Debug {
		res.Foreground = true
		res.Options = append(res.Options, "debug")
	}

	argv := []string{args.Argv[0]}
	for _, o := range res.Options {
		argv = append(argv, "-o", o)
	}
	if res.Mountpoint != "" {
		argv = append(argv, res.Mountpoint)
	}
	args.Argv = argv

	return res, nil
}

// MountOptions returns the values of all -o flags found in args
func MountOptions(args *Args) []string {
	if args == nil {
		return nil
	}

	var opts []string
	for i := 1; i < len(args.Argv); i++ {
		a := args.Argv[i]
		switch {
		case a == "-o" && i+1 < len(args.Argv):
			opts = append(opts, args.Argv[i+1])
			i++
		case len(a) > 2 && a[:2] == "-o":
			opts = append(opts, a[2:])
		}
	}
	return opts
}
