package csidriver

import (
	"context"

	"k8s.io/klog/v2"
	pluginregistration "k8s.io/kubelet/pkg/apis/pluginregistration/v1"
)

// defaultRegistrationEndpoint is used when none is configured
const defaultRegistrationEndpoint = "unix:///var/lib/kubelet/plugins/kubelet.sock"

// registerKubelet starts the registration service kubelet's plugin
// watcher talks to
func (d *Driver) registerKubelet() error {
	endpoint := defaultRegistrationEndpoint
	if d.registrationEndpoint != nil {
		endpoint = *d.registrationEndpoint
	}

	klog.V(8).Infof("Registering CSI driver with kubelet on %s", endpoint)

	listener, err := d.listen(endpoint)
	if err != nil {
		return err
	}

	server := makeGrpcServer("kubelet registration")
	pluginregistration.RegisterRegistrationServer(server, d)

	go func() {
		defer closeListener(listener)

		err := server.Serve(listener)
		if err != nil {
			klog.Errorf("Serving of registration GRPC failed: %v", err)
		}
	}()

	return nil
}

// GetInfo is the RPC invoked by plugin watcher
func (d *Driver) GetInfo(_ context.Context,
	r *pluginregistration.InfoRequest) (*pluginregistration.PluginInfo, error) {

	return &pluginregistration.PluginInfo{
		Type:              pluginregistration.CSIPlugin,
		Name:              DRIVERNAME,
		Endpoint:          socketNameCleanup(*d.endpoint),
		SupportedVersions: VERSIONS,
	}, nil
}

// NotifyRegistrationStatus is called when we are registered
func (d *Driver) NotifyRegistrationStatus(_ context.Context,
	r *pluginregistration.RegistrationStatus) (*pluginregistration.RegistrationStatusResponse, error) {

	if !r.PluginRegistered {
		klog.Errorf("Registration with kubelet failed, hoping for retry: %s", r.Error)
	}

	return &pluginregistration.RegistrationStatusResponse{}, nil
}
