package main

import (
	"fmt"
	"log"
	"os"

	"github.com/NBISweden/fuse3compat/internal/compat"
	"github.com/NBISweden/fuse3compat/internal/fuse3"
	"github.com/NBISweden/fuse3compat/internal/hellofs"
	"github.com/NBISweden/fuse3compat/internal/mountcmd"
	"github.com/spf13/pflag"
)

var version = "development"

type mainConfig struct {
	opts     mountcmd.Options
	flags    *pflag.FlagSet
	fuseArgs *fuse3.Args
	cmdline  *fuse3.CmdlineOpts
	name     string
	content  string
}

func usage(c *mainConfig) {
	fmt.Fprintf(os.Stderr,
		"Usage: %s [FLAGS...] mountpoint\n\nSupported flags are:\n\n",
		os.Args[0])
	fmt.Fprint(os.Stderr, c.flags.FlagUsages())
}

func getConfigs(args []string) (*mainConfig, error) {
	c := &mainConfig{}
	c.flags = c.opts.FlagSet("hello3")
	c.flags.StringVar(&c.name, "name", hellofs.DefaultName, "Name of the file")
	c.flags.StringVar(&c.content, "content", hellofs.DefaultContent, "Content of the file")

	if err := c.flags.Parse(args[1:]); err != nil {
		return c, err
	}

	if c.opts.ShowHelp || c.opts.ShowVersion {
		return c, nil
	}

	if c.flags.NArg() != 1 {
		return c, fmt.Errorf("expected exactly one mountpoint, got %d arguments", c.flags.NArg())
	}
	c.opts.Mountpoint = c.flags.Arg(0)

	if err := c.opts.Validate(); err != nil {
		return c, err
	}

	c.fuseArgs = c.opts.FuseArgs()
	cmdline, err := compat.ParseCmdline(c.fuseArgs)
	if err != nil {
		return c, err
	}
	c.cmdline = cmdline

	return c, nil
}

func main() {
	c, err := getConfigs(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		usage(c)
		os.Exit(1)
	}

	switch {
	case c.opts.ShowHelp:
		usage(c)
		os.Exit(0)
	case c.opts.ShowVersion:
		fmt.Printf("hello3 version %s\n", version)
		os.Exit(0)
	}

	logger, closeLog, err := mountcmd.SetupLogging(
		c.opts.EffectiveLogFile(c.cmdline.Foreground), c.cmdline.Debug)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer closeLog()

	if err := mountcmd.DetachIfNeeded(c.cmdline.Foreground, logger); err != nil {
		log.Fatalf("%v", err)
	}

	rt, err := mountcmd.NewRuntime(c.opts.Backend, logger)
	if err != nil {
		log.Fatalf("%v", err)
	}

	fs := hellofs.NewWithContent(c.name, c.content)
	if err := mountcmd.Run(rt, c.fuseArgs, fs.Operations(), nil, logger); err != nil {
		logger.Error("hello3 failed", "error", err)
		closeLog()
		os.Exit(1)
	}
}
