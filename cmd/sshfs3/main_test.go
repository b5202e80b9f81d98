package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/NBISweden/fuse3compat/internal/sftpfs"
	"github.com/stretchr/testify/require"
	"github.com/tj/assert"
)

func TestSplitOptions(t *testing.T) {
	conf := &sftpfs.Conf{}

	rest := splitOptions([]string{"reconnect,ro", "follow_symlinks", "debug,allow_other"}, conf)
	assert.Equal(t, []string{"ro", "debug,allow_other"}, rest, "Unexpected FUSE options")
	assert.True(t, conf.Reconnect, "reconnect not applied")
	assert.True(t, conf.FollowSymlinks, "follow_symlinks not applied")
	assert.True(t, conf.Debug, "debug not applied")
	assert.False(t, conf.NoCheckRoot, "no_check_root should not be set")
}

func TestConfOptions(t *testing.T) {
	c, err := getConfigs([]string{"sshfs3", "alice@example.org:/data", "mountpoint"})
	require.NoError(t, err)
	assert.Equal(t, "mountpoint", c.cmdline.Mountpoint, "Didn't pick up expected mountpoint")
	assert.Equal(t, "alice", c.sftpConf.User, "Didn't pick up user")
	assert.Equal(t, "/data", c.sftpConf.Root, "Didn't pick up dir")
	assert.Equal(t, sftpfs.DefaultPort, c.sftpConf.Port, "Not default port")
	assert.Equal(t, "sshfs3.log", c.opts.EffectiveLogFile(c.cmdline.Foreground),
		"Not default log file when detached")

	c, err = getConfigs([]string{"sshfs3", "-p", "2222", "-f", "-o", "no_check_root,ro",
		"bob@host:", "mnt"})
	require.NoError(t, err)
	assert.Equal(t, 2222, c.sftpConf.Port, "Port not picked up")
	assert.True(t, c.sftpConf.NoCheckRoot, "no_check_root not picked up")
	assert.True(t, c.cmdline.Foreground, "Foreground not picked up")
	assert.Equal(t, []string{"sshfs3", "-o", "ro", "mnt"}, c.fuseArgs.Argv,
		"sshfs options should not reach FUSE")

	_, err = getConfigs([]string{"sshfs3", "mountpoint"})
	assert.NotNil(t, err, "Missing target should fail")

	_, err = getConfigs([]string{"sshfs3", "nouser", "mountpoint"})
	assert.NotNil(t, err, "Bad target should fail")

	_, err = getConfigs([]string{"sshfs3", "-p", "0", "a@b:", "mountpoint"})
	assert.NotNil(t, err, "Bad port should fail")
}

func TestConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "volume.ini")
	conf := sftpfs.DefaultConf()
	require.NoError(t, conf.ParseTarget("carol@files.example:/srv"))
	conf.Port = 2200
	require.NoError(t, conf.Save(file))

	c, err := getConfigs([]string{"sshfs3", "--config", file, "-f", "mnt"})
	require.NoError(t, err)
	assert.Equal(t, "files.example", c.sftpConf.Host, "Host not read from file")
	assert.Equal(t, 2200, c.sftpConf.Port, "Port from file should be kept")

	c, err = getConfigs([]string{"sshfs3", "--config", file, "-p", "22", "dave@other:", "mnt"})
	require.NoError(t, err)
	assert.Equal(t, "other", c.sftpConf.Host, "Target should override the file")
	assert.Equal(t, 22, c.sftpConf.Port, "Port flag should override the file")

	_, err = getConfigs([]string{"sshfs3", "--config", filepath.Join(t.TempDir(), "x.ini"), "mnt"})
	assert.NotNil(t, err, "Missing config file should fail")
}

// The handling of checking things that should exit is based on
// https://stackoverflow.com/a/33404435

func TestNoTargetExits(t *testing.T) {
	if os.Getenv("BE_CRASHER") == "1" {
		os.Args = []string{"sshfs3", "mountpoint"}
		main()
		return
	}

	runExiting(t, "TestNoTargetExits")
}

func runExiting(t *testing.T, testName string) {
	cmd := exec.Command(os.Args[0], "-test.run="+testName)
	cmd.Env = append(os.Environ(), "BE_CRASHER=1")
	err := cmd.Run()
	if e, ok := err.(*exec.ExitError); ok && !e.Success() {
		return
	}

	t.Fatalf("process succeeded when it should not for test %s"+
		" %v, want exit status 1",
		testName,
		err)
}
