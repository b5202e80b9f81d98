package csidriver

import (
	"context"
	"os"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tj/assert"
	pluginregistration "k8s.io/kubelet/pkg/apis/pluginregistration/v1"
)

func TestRegisterKubelet(t *testing.T) {
	dir := t.TempDir()
	illegalEndpoint := "unix:/dev"
	endpoint := "unix://" + path.Join(dir, "csi.sock")

	d := Driver{
		endpoint:             &endpoint,
		registrationEndpoint: &illegalEndpoint,
	}

	err := d.registerKubelet()
	assert.NotNil(t, err, "Unusable socket path should fail")

	socket := path.Join(dir, "reg.sock")
	d.registrationEndpoint = &socket

	err = d.registerKubelet()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := os.Stat(socket)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "Registration socket never showed up")

	regclient := pluginregistration.NewRegistrationClient(dialCSI(t, socket))

	info, err := regclient.GetInfo(context.TODO(), &pluginregistration.InfoRequest{})
	require.NoError(t, err)
	assert.Equal(t, pluginregistration.CSIPlugin, info.Type, "Unexpected type from GetInfo")
	assert.Equal(t, VERSIONS, info.SupportedVersions, "Unexpected version from GetInfo")
	assert.Equal(t, DRIVERNAME, info.Name, "Unexpected name from GetInfo")
	assert.Equal(t, path.Join(dir, "csi.sock"), info.Endpoint,
		"Unexpected endpoint from GetInfo")

	for _, registered := range []bool{true, false} {
		resp, err := regclient.NotifyRegistrationStatus(context.TODO(),
			&pluginregistration.RegistrationStatus{PluginRegistered: registered, Error: "denied"})
		assert.Nil(t, err, "Error while calling NotifyRegistrationStatus")
		assert.NotNil(t, resp, "Bad response from NotifyRegistrationStatus")
	}
}
