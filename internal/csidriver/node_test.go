package csidriver

import (
	"context"
	"errors"
	"os"
	"path"
	"testing"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/stretchr/testify/require"
	"github.com/tj/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func goodMount(d *Driver, v *volumeInfo) error {
	return nil
}

func badMount(d *Driver, v *volumeInfo) error {
	return errors.New("fail")
}

func TestNodeInfoAndCapabilities(t *testing.T) {
	nodeid := "nodeid"
	d := Driver{nodeID: &nodeid}

	info, err := d.NodeGetInfo(context.TODO(), &csi.NodeGetInfoRequest{})
	require.NoError(t, err)
	assert.Equal(t, "nodeid", info.NodeId, "Unexpected node id from NodeGetInfo")
	assert.Greater(t, info.MaxVolumesPerNode, int64(0), "Volume limit should be set")

	caps, err := d.NodeGetCapabilities(context.TODO(), &csi.NodeGetCapabilitiesRequest{})
	require.NoError(t, err)
	assert.Empty(t, caps.Capabilities, "No optional node capabilities expected")
}

func TestNodePublishVolume(t *testing.T) {
	d := Driver{
		volumes:     make(map[string]*volumeInfo),
		mounter:     goodMount,
		writeConfig: badMount,
	}

	req := &csi.NodePublishVolumeRequest{
		VolumeId:      "id",
		VolumeContext: map[string]string{"target": "user@host:"},
	}

	_, err := d.NodePublishVolume(context.TODO(), req)
	assert.Equal(t, codes.InvalidArgument, status.Code(err),
		"Missing target path should be refused")

	req.TargetPath = "/path"
	_, err = d.NodePublishVolume(context.TODO(), req)
	assert.Equal(t, codes.InvalidArgument, status.Code(err),
		"Failing config write should be refused")

	d.writeConfig = goodMount
	req.Readonly = true
	r, err := d.NodePublishVolume(context.TODO(), req)
	require.NoError(t, err)
	assert.NotNil(t, r, "Missing response from NodePublishVolume")

	v := d.volumes["id"]
	require.NotNil(t, v)
	assert.True(t, v.ReadOnly, "Read only request not recorded")
	assert.Equal(t, "/path", v.Path, "Unexpected volume path")
	assert.Equal(t, "user@host:", v.Context["target"], "Volume context not kept")

	d.mounter = badMount
	_, err = d.NodePublishVolume(context.TODO(), req)
	assert.Equal(t, codes.Unknown, status.Code(err), "Failing mount should be reported")
}

func TestNodeUnpublishVolume(t *testing.T) {
	d := Driver{
		volumes:   make(map[string]*volumeInfo),
		unmounter: goodMount,
	}

	req := &csi.NodeUnpublishVolumeRequest{VolumeId: "id", TargetPath: "/path"}

	// Never published here, kubelet may still ask after a restart
	r, err := d.NodeUnpublishVolume(context.TODO(), req)
	require.NoError(t, err)
	assert.NotNil(t, r, "Missing response for unknown volume")

	d.volumes["id"] = &volumeInfo{ID: "id", Path: "/path", Attached: true}
	_, err = d.NodeUnpublishVolume(context.TODO(), req)
	require.NoError(t, err)
	assert.NotContains(t, d.volumes, "id", "Unpublished volume still tracked")

	d.unmounter = badMount
	r, err = d.NodeUnpublishVolume(context.TODO(), req)
	assert.Equal(t, codes.Unknown, status.Code(err), "Failing unmount should be reported")
	assert.Nil(t, r, "Unexpected response for failing unmount")
	assert.Contains(t, d.volumes, "id", "Failed unmount should keep the volume")
}

func TestPublishCycle(t *testing.T) {
	dir := t.TempDir()
	configDir := path.Join(dir, "conf")
	require.NoError(t, os.Mkdir(configDir, 0o700))

	unmounted := []string{}
	d := Driver{
		volumes:     make(map[string]*volumeInfo),
		configDir:   &configDir,
		persistDir:  &dir,
		writeConfig: writeConfig,
		mounter: func(_ *Driver, v *volumeInfo) error {
			v.Attached = true
			return nil
		},
		unmounter: func(_ *Driver, v *volumeInfo) error {
			unmounted = append(unmounted, v.Path)
			v.Attached = false
			return nil
		},
	}

	_, err := d.NodePublishVolume(context.TODO(), &csi.NodePublishVolumeRequest{
		VolumeId:      "vol",
		TargetPath:    "/target",
		VolumeContext: map[string]string{"host": "example.com"},
	})
	assert.Equal(t, codes.InvalidArgument, status.Code(err),
		"Context without user should be refused")

	_, err = d.NodePublishVolume(context.TODO(), &csi.NodePublishVolumeRequest{
		VolumeId:      "vol",
		TargetPath:    "/target",
		VolumeContext: map[string]string{"target": "alice@example.com:/data"},
	})
	require.NoError(t, err)

	confPath := d.getConfigPath(d.volumes["vol"])
	_, err = os.Stat(confPath)
	assert.Nil(t, err, "Settings file should be written")
	_, err = os.Stat(path.Join(dir, persistFile))
	assert.Nil(t, err, "Volume state should be persisted")

	_, err = d.NodeUnpublishVolume(context.TODO(), &csi.NodeUnpublishVolumeRequest{
		VolumeId:   "vol",
		TargetPath: "/target",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/target"}, unmounted, "Unexpected unmounts")

	_, err = os.Stat(confPath)
	assert.True(t, os.IsNotExist(err), "Settings file should be removed")

	data, err := os.ReadFile(path.Join(dir, persistFile))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data), "No volumes should be persisted")
}
