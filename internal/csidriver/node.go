package csidriver

import (
	"context"
	"fmt"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

func (d *Driver) NodeGetInfo(_ context.Context, r *csi.NodeGetInfoRequest) (*csi.NodeGetInfoResponse, error) {

	return &csi.NodeGetInfoResponse{
		NodeId:            *d.nodeID,
		MaxVolumesPerNode: 100000,
	}, nil
}

func (d *Driver) NodeGetCapabilities(_ context.Context, r *csi.NodeGetCapabilitiesRequest) (*csi.NodeGetCapabilitiesResponse, error) {

	return &csi.NodeGetCapabilitiesResponse{
		Capabilities: []*csi.NodeServiceCapability{},
	}, nil
}

// NodePublishVolume mounts the volume at the target path with one sshfs3
// process per volume
func (d *Driver) NodePublishVolume(_ context.Context, r *csi.NodePublishVolumeRequest) (*csi.NodePublishVolumeResponse, error) {

	if r.GetVolumeId() == "" || r.GetTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume id and target path are required")
	}

	vol := &volumeInfo{
		ID:       r.GetVolumeId(),
		Path:     r.GetTargetPath(),
		ReadOnly: r.GetReadonly(),
		Context:  r.GetVolumeContext(),
	}

	d.volumesLock.Lock()
	defer d.volumesLock.Unlock()

	err := d.writeConfig(d, vol)
	if err != nil {
		klog.V(10).Infof("NodePublishVolume: couldn't write configuration for mounter, giving up: %v", err)
		return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("Configuration creation failed: %v", err))
	}

	// From here on a failure may leave something mounted to clean up
	d.volumes[vol.ID] = vol

	err = d.mounter(d, vol)
	if err != nil {
		klog.V(10).Infof("NodePublishVolume: couldn't mount sshfs3, giving up: %v", err)
		d.persist()
		return nil, status.Error(codes.Unknown, fmt.Sprintf("sshfs3 mount failed: %v", err))
	}

	d.persist()

	return &csi.NodePublishVolumeResponse{}, nil
}

// NodeUnpublishVolume unmounts the target path, also for volumes we have
// no record of
func (d *Driver) NodeUnpublishVolume(_ context.Context, r *csi.NodeUnpublishVolumeRequest) (*csi.NodeUnpublishVolumeResponse, error) {

	d.volumesLock.Lock()
	defer d.volumesLock.Unlock()

	vol, found := d.volumes[r.GetVolumeId()]
	if !found {
		// If we haven't seen this before, make one up
		vol = &volumeInfo{ID: r.GetVolumeId(), Path: r.GetTargetPath()}
	}

	err := d.unmounter(d, vol)

	if err != nil {
		klog.V(10).Infof("NodeUnpublishVolume: unmount for %s failed: %v", vol.Path, err)
		d.volumes[r.GetVolumeId()] = vol
		return nil, status.Error(codes.Unknown, fmt.Sprintf("Couldn't remove mountpoint %s: %v", vol.Path, err))
	}

	delete(d.volumes, r.GetVolumeId())
	d.removeConfig(vol)
	d.persist()

	return &csi.NodeUnpublishVolumeResponse{}, nil
}
