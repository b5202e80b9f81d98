package sftpfs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tj/assert"
)

func TestParseTarget(t *testing.T) {
	c := DefaultConf()

	assert.Nil(t, c.ParseTarget("alice@example.org:/data"), "Unexpected error")
	assert.Equal(t, "alice", c.User, "Wrong user")
	assert.Equal(t, "example.org", c.Host, "Wrong host")
	assert.Equal(t, "/data", c.Root, "Wrong dir")
	assert.Equal(t, "alice@example.org:/data", c.Target(), "Wrong rendering")

	assert.Nil(t, c.ParseTarget("bob@other"), "Dir should be optional")
	assert.Equal(t, "other", c.Host, "Wrong host without dir")
	assert.Equal(t, "", c.Root, "Dir should be empty")

	assert.Nil(t, c.ParseTarget("bob@other:"), "Empty dir should be fine")

	for _, bad := range []string{"example.org:/data", "@host:", "bob@:/x", ""} {
		err := c.ParseTarget(bad)
		assert.True(t, errors.Is(err, ErrBadTarget), "Target %q should be refused", bad)
	}
}

func TestApplyOption(t *testing.T) {
	c := &Conf{}

	for _, o := range []string{"reconnect", "follow_symlinks", "no_check_root", "debug"} {
		assert.True(t, c.ApplyOption(o), "Option %s should be known", o)
	}
	assert.False(t, c.ApplyOption("ro"), "ro is not ours")

	assert.True(t, c.Reconnect && c.FollowSymlinks && c.NoCheckRoot && c.Debug,
		"All options should be set")
}

func TestValidate(t *testing.T) {
	c := DefaultConf()
	assert.NotNil(t, c.Validate(), "Missing host should fail")

	require.NoError(t, c.ParseTarget("alice@example.org:"))
	assert.Nil(t, c.Validate(), "Unexpected validation failure")

	c.Port = 70000
	assert.NotNil(t, c.Validate(), "Bad port should fail")

	c.Port = DefaultPort
	c.AttrTimeout = -time.Second
	assert.NotNil(t, c.Validate(), "Negative timeout should fail")
}

func TestLoadConf(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConf(filepath.Join(dir, "missing.ini"))
	assert.NotNil(t, err, "Missing file should fail")

	file := filepath.Join(dir, "sftp.ini")
	require.NoError(t, os.WriteFile(file, []byte(
		"[sftp]\ntarget = carol@files.example:/srv\nport = 2222\nfollow_symlinks = true\nattr_timeout = 5s\n"), 0o600))

	c, err := LoadConf(file)
	require.NoError(t, err)
	assert.Equal(t, "carol", c.User, "Wrong user")
	assert.Equal(t, "files.example", c.Host, "Wrong host")
	assert.Equal(t, "/srv", c.Root, "Wrong dir")
	assert.Equal(t, 2222, c.Port, "Wrong port")
	assert.True(t, c.FollowSymlinks, "follow_symlinks not read")
	assert.True(t, c.Reconnect, "reconnect should keep its default")
	assert.Equal(t, 5*time.Second, c.AttrTimeout, "Wrong timeout")

	require.NoError(t, os.WriteFile(file, []byte("[sftp]\ntarget = nouser\n"), 0o600))
	_, err = LoadConf(file)
	assert.True(t, errors.Is(err, ErrBadTarget), "Bad target in file should fail")
}

func TestSaveConf(t *testing.T) {
	file := filepath.Join(t.TempDir(), "volume.ini")

	c := DefaultConf()
	require.NoError(t, c.ParseTarget("dave@host.example:/home/dave"))
	c.Port = 2200
	c.Debug = true

	require.NoError(t, c.Save(file))

	loaded, err := LoadConf(file)
	require.NoError(t, err)
	assert.Equal(t, c, loaded, "Saved settings should load back")
}
