package csidriver

import (
	"context"
	"maps"

	"github.com/NBISweden/fuse3compat/internal/sftpfs"
	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// volumeParameters are the storage class parameters passed on to the
// volume context
var volumeParameters = []string{"target", "host", "user", "port", "path",
	"attr_timeout", "follow_symlinks", "no_check_root", "reconnect"}

var controllerCapabilities = []csi.ControllerServiceCapability_RPC_Type{
	csi.ControllerServiceCapability_RPC_CREATE_DELETE_VOLUME,
	csi.ControllerServiceCapability_RPC_MODIFY_VOLUME,
}

// readOnly reports whether the access mode only allows reading
func readOnly(am *csi.VolumeCapability_AccessMode) bool {
	switch am.GetMode() {
	case csi.VolumeCapability_AccessMode_SINGLE_NODE_READER_ONLY,
		csi.VolumeCapability_AccessMode_MULTI_NODE_READER_ONLY:
		return true
	}
	return false
}

// checkCapabilities accepts read-only capabilities only
func checkCapabilities(caps []*csi.VolumeCapability) error {
	if len(caps) == 0 {
		return status.Error(codes.InvalidArgument, "Volume Capabilities missing in request")
	}

	for _, c := range caps {
		am := c.GetAccessMode()
		if am != nil && !readOnly(am) {
			klog.V(10).Infof("Unsupported requested capability %v", am)
			return status.Error(codes.PermissionDenied, "Only read-only is supported")
		}
	}

	return nil
}

// checkParameters refuses values sshfs3 would not understand
func checkParameters(params map[string]string) error {
	err := applyContext(sftpfs.DefaultConf(), params)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "Bad volume parameters: %v", err)
	}
	return nil
}

func (d *Driver) ControllerGetCapabilities(_ context.Context,
	r *csi.ControllerGetCapabilitiesRequest) (*csi.ControllerGetCapabilitiesResponse, error) {

	resp := &csi.ControllerGetCapabilitiesResponse{}
	for _, c := range controllerCapabilities {
		resp.Capabilities = append(resp.Capabilities, &csi.ControllerServiceCapability{
			Type: &csi.ControllerServiceCapability_Rpc{
				Rpc: &csi.ControllerServiceCapability_RPC{Type: c},
			},
		})
	}

	return resp, nil
}

// CreateVolume has nothing to create remotely, it carries the parameters
// over to the volume context
func (d *Driver) CreateVolume(_ context.Context,
	r *csi.CreateVolumeRequest) (*csi.CreateVolumeResponse, error) {

	err := checkCapabilities(r.GetVolumeCapabilities())
	if err != nil {
		return nil, err
	}

	if r.GetName() == "" {
		return nil, status.Error(codes.InvalidArgument, "Invalid name in request")
	}

	// ssh sessions die with the network, pods should not
	volumeContext := map[string]string{"reconnect": "true"}

	params := r.GetParameters()
	klog.V(14).Infof("Parameters for volume creation are %v", params)

	for _, p := range volumeParameters {
		if value, found := params[p]; found {
			volumeContext[p] = value
		}
	}

	err = checkParameters(volumeContext)
	if err != nil {
		return nil, err
	}

	return &csi.CreateVolumeResponse{
		Volume: &csi.Volume{
			VolumeId:      r.GetName(),
			VolumeContext: volumeContext,
		},
	}, nil
}

func (d *Driver) ValidateVolumeCapabilities(_ context.Context,
	r *csi.ValidateVolumeCapabilitiesRequest) (*csi.ValidateVolumeCapabilitiesResponse, error) {

	if r.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "Volume id missing in request")
	}

	err := checkCapabilities(r.GetVolumeCapabilities())
	if status.Code(err) == codes.PermissionDenied {
		return &csi.ValidateVolumeCapabilitiesResponse{
			Message: "only read-only access modes are supported",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	return &csi.ValidateVolumeCapabilitiesResponse{
		Confirmed: &csi.ValidateVolumeCapabilitiesResponse_Confirmed{
			VolumeContext:      r.GetVolumeContext(),
			VolumeCapabilities: r.GetVolumeCapabilities(),
			Parameters:         maps.Clone(r.GetParameters()),
		},
	}, nil
}

// DeleteVolume has nothing to remove, kubelet unpublishes before asking
func (d *Driver) DeleteVolume(_ context.Context, r *csi.DeleteVolumeRequest) (
	*csi.DeleteVolumeResponse, error) {
	klog.V(10).Infof("Delete request for %s", r.GetVolumeId())

	return &csi.DeleteVolumeResponse{}, nil
}

// ControllerModifyVolume only checks the new parameters, they apply on the
// next publish
func (d *Driver) ControllerModifyVolume(_ context.Context,
	r *csi.ControllerModifyVolumeRequest) (*csi.ControllerModifyVolumeResponse, error) {

	err := checkParameters(r.GetMutableParameters())
	if err != nil {
		return nil, err
	}

	return &csi.ControllerModifyVolumeResponse{}, nil
}
