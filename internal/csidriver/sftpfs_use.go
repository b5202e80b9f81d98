package csidriver

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"strconv"
	"time"

	"github.com/NBISweden/fuse3compat/internal/sftpfs"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// getConfigPath returns where the settings for the volume are kept
func (d *Driver) getConfigPath(v *volumeInfo) string {
	return path.Join(*d.configDir, "volume-"+v.ID+".ini")
}

// applyContext sets the settings named in a volume context on conf,
// unknown keys are ignored
func applyContext(conf *sftpfs.Conf, c map[string]string) error {
	if target, ok := c["target"]; ok {
		err := conf.ParseTarget(target)
		if err != nil {
			return err
		}
	}

	for key, value := range c {
		var err error

		switch key {
		case "host":
			conf.Host = value
		case "user":
			conf.User = value
		case "path":
			conf.Root = value
		case "port":
			conf.Port, err = strconv.Atoi(value)
		case "attr_timeout":
			conf.AttrTimeout, err = time.ParseDuration(value)
		case "reconnect":
			conf.Reconnect, err = strconv.ParseBool(value)
		case "follow_symlinks":
			conf.FollowSymlinks, err = strconv.ParseBool(value)
		case "no_check_root":
			conf.NoCheckRoot, err = strconv.ParseBool(value)
		}

		if err != nil {
			return fmt.Errorf("bad value %q for %s: %v", value, key, err)
		}
	}

	return nil
}

// confFromContext builds complete connection settings from a volume context
func confFromContext(c map[string]string) (*sftpfs.Conf, error) {
	conf := sftpfs.DefaultConf()

	err := applyContext(conf, c)
	if err != nil {
		return nil, err
	}

	err = conf.Validate()
	if err != nil {
		return nil, err
	}

	return conf, nil
}

func writeConfig(d *Driver, v *volumeInfo) error {
	conf, err := confFromContext(v.Context)
	if err != nil {
		return fmt.Errorf("config writing failed; bad volume context: %v", err)
	}

	f, err := os.CreateTemp(*d.configDir, "")
	if err != nil {
		return fmt.Errorf("config writing failed; couldn't create temporary file: %v", err)
	}
	tmpName := f.Name()

	err = f.Close()
	if err != nil {
		return fmt.Errorf("config writing failed; couldn't close temporary file: %v", err)
	}

	err = conf.Save(tmpName)
	if err != nil {
		os.Remove(tmpName) // nolint:errcheck
		return fmt.Errorf("config writing failed; couldn't write temporary file contents: %v", err)
	}

	err = os.Rename(tmpName, d.getConfigPath(v))
	if err != nil {
		os.Remove(tmpName) // nolint:errcheck
		return fmt.Errorf("config writing failed; couldn't rename temporary file to proper name: %v", err)
	}
	return nil
}

func (d *Driver) ensureTargetDir(v *volumeInfo) error {
	return os.MkdirAll(v.Path, 0o700)
}

// mountArgs returns the command line for sshfs3 to mount the volume
func (d *Driver) mountArgs(v *volumeInfo) []string {
	args := []string{"--config", d.getConfigPath(v), "-o", "allow_other"}

	if v.ReadOnly {
		args = append(args, "-o", "ro")
	}

	if d.logDir != nil && len(*d.logDir) > 0 {
		logName := path.Join(*d.logDir, v.ID+".log")
		args = append(args, "--log="+logName)
	}

	return append(args, v.Path)
}

func doMount(d *Driver, v *volumeInfo) error {

	// It seems we might get called again even if we think we have correctly
	// mounted and replied so. As a workaround, we start by checking if the
	// requested path is a mountpoint and decide it's good if that's the case

	if d.isMountPoint(d, v) {
		klog.V(10).Infof("Request for already mounted path at %s, considering good", v.Path)
		v.Attached = true
		return nil
	}

	args := d.mountArgs(v)

	klog.V(10).Infof("Mounting sshfs3 at %s", v.Path)

	klog.V(14).Infof("Running sshfs3 from %s with arguments %v", *d.sshfsPath, args)
	c := exec.Command(*d.sshfsPath, args...)

	err := d.ensureTargetDir(v)
	if err != nil {
		return fmt.Errorf("error while ensuring mount target %s existed: %v", v.Path, err)
	}

	// We should try to unmount if asked to
	v.Attached = true

	errPipe, err := c.StderrPipe()
	if err != nil {
		return fmt.Errorf("couldn't make stderr pipe for sshfs3: %v", err)
	}

	outPipe, err := c.StdoutPipe()
	if err != nil {
		return fmt.Errorf("couldn't make stdout pipe for sshfs3: %v", err)
	}

	err = c.Start()
	if err != nil {
		return fmt.Errorf("couldn't start sshfs3: %v", err)
	}

	errorMsg, err := io.ReadAll(errPipe)
	if err != nil {
		return fmt.Errorf("couldn't read stderr from sshfs3 run: %v", err)
	}
	outMsg, err := io.ReadAll(outPipe)
	if err != nil {
		return fmt.Errorf("couldn't read stdout from sshfs3 run: %v", err)
	}

	err = c.Wait()
	if err != nil {
		klog.V(10).Infof("Output (stdout) from broken sshfs3 run: %s", outMsg)
		klog.V(10).Infof("Output (sterr) from broken sshfs3 run: %s", errorMsg)
		return fmt.Errorf("error while running sshfs3: %v", err)
	}

	waited := 0 * d.waitPeriod

	for !d.isMountPoint(d, v) && waited < d.maxWaitMount {
		time.Sleep(d.waitPeriod)
		waited += d.waitPeriod
	}

	if d.isMountPoint(d, v) {
		klog.V(10).Infof("Filesystem mounted at : %s", v.Path)
		return nil
	}
	klog.V(10).Infof("Filesystem wasn't mounted after %v, giving up", d.maxWaitMount)

	return fmt.Errorf("filesystem didn't mount after %v", d.maxWaitMount)
}

func isMountPoint(_ *Driver, v *volumeInfo) bool {

	var stat unix.Stat_t
	err := unix.Stat(v.Path, &stat)

	if err != nil {
		return false
	}

	parent := path.Dir(v.Path)
	var pstat unix.Stat_t
	perr := unix.Stat(parent, &pstat)

	if perr != nil {
		// Default to false here, not sure what to respond if it's not a
		// non-exist error
		return false
	}

	return pstat.Dev != stat.Dev
}

func unmount(d *Driver, v *volumeInfo) error {
	// If mountpoint isn't there, not much to do

	var stat unix.Stat_t
	err := unix.Stat(v.Path, &stat)

	if err != nil && errors.Is(err, fs.ErrNotExist) {
		klog.V(12).Infof("unmounting skipped for %s as it doesn't exist", v.Path)
		v.Attached = false
		return nil
	}

	klog.V(10).Infof("unmounting %s", v.Path)
	err = unix.Unmount(v.Path, unix.MNT_DETACH)

	if err != nil && d.isMountPoint(d, v) {
		// Only fail here if we have an actual mount point
		klog.V(10).Infof("unmount of %s failed with %v, giving up", v.Path, err)
		return fmt.Errorf("unmount of %s failed: %v giving up", v.Path, err)
	}

	v.Attached = false

	err = os.Remove(v.Path)
	if err != nil {
		return fmt.Errorf("couldn't remove directory for mount %s: %v", v.Path, err)
	}

	return nil
}

// removeConfig drops the settings file of a volume no longer in use
func (d *Driver) removeConfig(v *volumeInfo) {
	if d.configDir == nil || v.ID == "" {
		return
	}

	err := os.Remove(d.getConfigPath(v))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		klog.V(10).Infof("Couldn't remove configuration for volume %s: %v", v.ID, err)
	}
}
