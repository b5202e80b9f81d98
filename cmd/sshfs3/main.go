package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/NBISweden/fuse3compat/internal/compat"
	"github.com/NBISweden/fuse3compat/internal/fuse3"
	"github.com/NBISweden/fuse3compat/internal/mountcmd"
	"github.com/NBISweden/fuse3compat/internal/sftpfs"
	"github.com/spf13/pflag"
)

var version = "development"

type mainConfig struct {
	opts       mountcmd.Options
	flags      *pflag.FlagSet
	fuseArgs   *fuse3.Args
	cmdline    *fuse3.CmdlineOpts
	sftpConf   *sftpfs.Conf
	configFile string
	port       int
}

func usage(c *mainConfig) {
	fmt.Fprintf(os.Stderr,
		"Usage: %s [FLAGS...] user@host:[dir] mountpoint\n"+
			"       %s --config file.ini [FLAGS...] mountpoint\n\n"+
			"Besides the mount options below, -o takes the sshfs options\n"+
			"reconnect, follow_symlinks, no_check_root and debug.\n\n"+
			"Supported flags are:\n\n",
		os.Args[0], os.Args[0])
	fmt.Fprint(os.Stderr, c.flags.FlagUsages())
}

// splitOptions applies the sshfs options in the -o values to conf and
// returns what is left for FUSE
func splitOptions(values []string, conf *sftpfs.Conf) []string {
	var rest []string

	for _, v := range values {
		var keep []string
		for _, opt := range strings.Split(v, ",") {
			if opt == "" {
				continue
			}
			// debug is also a FUSE option
			if conf.ApplyOption(opt) && opt != "debug" {
				continue
			}
			keep = append(keep, opt)
		}
		if len(keep) > 0 {
			rest = append(rest, strings.Join(keep, ","))
		}
	}

	return rest
}

func getConfigs(args []string) (*mainConfig, error) {
	c := &mainConfig{}
	c.flags = c.opts.FlagSet("sshfs3")
	c.flags.IntVarP(&c.port, "port", "p", sftpfs.DefaultPort, "Port to connect to")
	c.flags.StringVar(&c.configFile, "config", "", "Read connection settings from this ini file")

	if err := c.flags.Parse(args[1:]); err != nil {
		return c, err
	}

	if c.opts.ShowHelp || c.opts.ShowVersion {
		return c, nil
	}

	c.sftpConf = sftpfs.DefaultConf()
	if c.configFile != "" {
		conf, err := sftpfs.LoadConf(c.configFile)
		if err != nil {
			return c, err
		}
		c.sftpConf = conf
	}

	positional := c.flags.Args()
	switch {
	case len(positional) == 2:
		if err := c.sftpConf.ParseTarget(positional[0]); err != nil {
			return c, err
		}
		c.opts.Mountpoint = positional[1]
	case len(positional) == 1 && c.configFile != "":
		c.opts.Mountpoint = positional[0]
	default:
		return c, fmt.Errorf("expected target and mountpoint, got %d arguments", len(positional))
	}

	if c.flags.Changed("port") || c.configFile == "" {
		c.sftpConf.Port = c.port
	}
	c.opts.MountOpts = splitOptions(c.opts.MountOpts, c.sftpConf)
	if c.opts.Debug {
		c.sftpConf.Debug = true
	}

	if err := c.sftpConf.Validate(); err != nil {
		return c, err
	}
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
		fmt.Printf("sshfs3 version %s\n", version)
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

	fs, err := sftpfs.NewSFTPfs(c.sftpConf, logger)
	if err != nil {
		log.Fatalf("Error while creating sftp fs: %v", err)
	}
	defer fs.Close()

	// init and destroy are never called by the host, so connect here
	if err := fs.Connect(); err != nil {
		log.Fatalf("Failed to connect to %s: %v", c.sftpConf.Target(), err)
	}

	if err := mountcmd.Run(rt, c.fuseArgs, fs.Operations(), fs, logger); err != nil {
		logger.Error("sshfs3 failed", "error", err)
		fs.Close()
		closeLog()
		os.Exit(1)
	}
}
