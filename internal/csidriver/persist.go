package csidriver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"

	"k8s.io/klog/v2"
)

// persistFile is the name of the file in persistDir holding volume state
const persistFile = "volumes.json"

func (d *Driver) persistPath() string {
	return path.Join(*d.persistDir, persistFile)
}

func (d *Driver) persisting() bool {
	return d.persistDir != nil && len(*d.persistDir) > 0
}

// persist writes the known volumes so they can be recovered after a
// restart, the caller holds volumesLock
func (d *Driver) persist() {
	if !d.persisting() {
		return
	}

	err := d.writePersisted()
	if err != nil {
		klog.Errorf("Couldn't persist volume information: %v", err)
	}
}

func (d *Driver) writePersisted() error {
	data, err := json.Marshal(d.volumes)
	if err != nil {
		return fmt.Errorf("couldn't encode volumes: %v", err)
	}

	f, err := os.CreateTemp(*d.persistDir, "")
	if err != nil {
		return fmt.Errorf("couldn't create temporary file: %v", err)
	}

	_, err = f.Write(data)
	if err != nil {
		f.Close()           // nolint:errcheck
		os.Remove(f.Name()) // nolint:errcheck
		return fmt.Errorf("couldn't write temporary file: %v", err)
	}

	err = f.Close()
	if err != nil {
		os.Remove(f.Name()) // nolint:errcheck
		return fmt.Errorf("couldn't close temporary file: %v", err)
	}

	return os.Rename(f.Name(), d.persistPath())
}

// loadPersisted reads volume state written by an earlier instance and
// mounts again what was attached but is no longer mounted
func (d *Driver) loadPersisted() error {
	data, err := os.ReadFile(d.persistPath())
	if errors.Is(err, fs.ErrNotExist) {
		klog.V(4).Infof("No persisted volumes found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("couldn't read persisted volumes: %v", err)
	}

	volumes := make(map[string]*volumeInfo)
	err = json.Unmarshal(data, &volumes)
	if err != nil {
		return fmt.Errorf("couldn't decode persisted volumes: %v", err)
	}

	d.volumesLock.Lock()
	defer d.volumesLock.Unlock()

	for id, v := range volumes {
		d.volumes[id] = v

		if !v.Attached || d.isMountPoint(d, v) {
			continue
		}

		klog.V(4).Infof("Recovering mount of volume %s at %s", id, v.Path)

		err = d.writeConfig(d, v)
		if err == nil {
			err = d.mounter(d, v)
		}
		if err != nil {
			// Leave it to kubelet to retry the publish
			klog.Errorf("Recovering volume %s failed: %v", id, err)
			v.Attached = false
		}
	}

	d.persist()

	return nil
}
