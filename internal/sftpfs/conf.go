package sftpfs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// confSection is the ini section holding the connection settings
const confSection = "sftp"

// DefaultPort is the ssh port used when none is given
const DefaultPort = 22

// DefaultAttrTimeout is how long attributes are cached
const DefaultAttrTimeout = 20 * time.Second

// ErrBadTarget is returned for a target not of the form user@host:[dir]
var ErrBadTarget = errors.New("bad target, expected user@host:[dir]")

// Conf holds the connection settings
type Conf struct {
	Host           string
	User           string
	Port           int
	Root           string
	Reconnect      bool
	FollowSymlinks bool
	NoCheckRoot    bool
	Debug          bool
	AttrTimeout    time.Duration

	// CacheEntries bounds the attribute cache, zero picks a size from the
	// memory of the machine
	CacheEntries int64
}

// DefaultConf returns the settings used when nothing else is said
func DefaultConf() *Conf {
	return &Conf{
		Port:        DefaultPort,
		Reconnect:   true,
		AttrTimeout: DefaultAttrTimeout,
	}
}

// ParseTarget sets user, host and remote directory from a target of the
// form user@host:[dir]
func (c *Conf) ParseTarget(target string) error {
	user, rest, ok := strings.Cut(target, "@")
	if !ok || user == "" {
		return fmt.Errorf("%w: %q (missing user)", ErrBadTarget, target)
	}

	host, dir, _ := strings.Cut(rest, ":")
	if host == "" {
		return fmt.Errorf("%w: %q (missing host)", ErrBadTarget, target)
	}

	c.User = user
	c.Host = host
	c.Root = dir

	return nil
}

// Target renders the target back into user@host:dir form
func (c *Conf) Target() string {
	return fmt.Sprintf("%s@%s:%s", c.User, c.Host, c.Root)
}

// ApplyOption sets the flag for one of the filesystem's own -o options,
// it reports false for options it does not know
func (c *Conf) ApplyOption(opt string) bool {
	switch opt {
	case "reconnect":
		c.Reconnect = true
	case "follow_symlinks":
		c.FollowSymlinks = true
	case "no_check_root":
		c.NoCheckRoot = true
	case "debug":
		c.Debug = true
	default:
		return false
	}
	return true
}

// Validate checks that the settings can be used
func (c *Conf) Validate() error {
	if c.Host == "" {
		return errors.New("no host given")
	}
	if c.User == "" {
		return errors.New("no user given")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.AttrTimeout < 0 {
		return fmt.Errorf("negative attribute timeout %v", c.AttrTimeout)
	}
	return nil
}

// LoadConf reads settings from the sftp section of an ini file, keys
// not present keep their default
func LoadConf(path string) (*Conf, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("error while opening configuration file %s: %v",
			path, err)
	}

	c := DefaultConf()
	s := f.Section(confSection)

	c.Host = s.Key("host").String()
	c.User = s.Key("user").String()
	c.Root = s.Key("path").String()
	c.Port = s.Key("port").MustInt(DefaultPort)
	c.Reconnect = s.Key("reconnect").MustBool(c.Reconnect)
	c.FollowSymlinks = s.Key("follow_symlinks").MustBool(false)
	c.NoCheckRoot = s.Key("no_check_root").MustBool(false)
	c.Debug = s.Key("debug").MustBool(false)
	c.AttrTimeout = s.Key("attr_timeout").MustDuration(DefaultAttrTimeout)
	c.CacheEntries = s.Key("cache_entries").MustInt64(0)

	if target := s.Key("target").String(); target != "" {
		if err := c.ParseTarget(target); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Save writes the settings to path in the form LoadConf reads
func (c *Conf) Save(path string) error {
	f := ini.Empty()
	s, err := f.NewSection(confSection)
	if err != nil {
		return err
	}

	for _, kv := range [][2]string{
		{"host", c.Host},
		{"user", c.User},
		{"port", strconv.Itoa(c.Port)},
		{"path", c.Root},
		{"reconnect", strconv.FormatBool(c.Reconnect)},
		{"follow_symlinks", strconv.FormatBool(c.FollowSymlinks)},
		{"no_check_root", strconv.FormatBool(c.NoCheckRoot)},
		{"debug", strconv.FormatBool(c.Debug)},
		{"attr_timeout", c.AttrTimeout.String()},
		{"cache_entries", strconv.FormatInt(c.CacheEntries, 10)},
	} {
		if _, err := s.NewKey(kv[0], kv[1]); err != nil {
			return err
		}
	}

	if err := f.SaveTo(path); err != nil {
		return fmt.Errorf("couldn't save configuration to %s: %w", path, err)
	}
	return nil
}
