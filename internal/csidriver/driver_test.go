package csidriver

import (
	"context"
	"os"
	"path"
	"testing"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tj/assert"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestNewDriver(t *testing.T) {
	dir := t.TempDir()
	illegalEndpoint := "/dev"
	nodeid := uuid.New().String()
	endpoint := path.Join(dir, "csi.sock")
	registerendpoint := "unix:" + path.Join(dir, "reg.sock")
	configdir := path.Join(dir, "conf")
	logdir := path.Join(dir, "logs")
	sshfspath := "/usr/bin/sshfs3"
	worldOpen := true

	c := CSIConfig{
		NodeID:    &nodeid,
		ConfigDir: &configdir,
		LogDir:    &logdir,
		SshfsPath: &sshfspath,
		WorldOpen: &worldOpen,
	}
	_, err := NewDriver(&c)
	require.ErrorIs(t, err, errMissingSocket, "NewDriver should fail when no sockets given")

	c.Endpoint = &illegalEndpoint
	c.RegistrationEndpoint = &registerendpoint
	_, err = NewDriver(&c)
	assert.NotNil(t, err, "NewDriver should fail for bad socket")

	c.Endpoint = &endpoint
	d, err := NewDriver(&c)
	require.NoError(t, err)

	assert.Equal(t, c.NodeID, d.nodeID, "NodeID mismatch")
	assert.Equal(t, c.ConfigDir, d.configDir, "ConfigDir mismatch")
	assert.Equal(t, c.LogDir, d.logDir, "LogDir mismatch")
	assert.Equal(t, c.SshfsPath, d.sshfsPath, "SshfsPath mismatch")
	assert.Equal(t, c.RegistrationEndpoint, d.registrationEndpoint,
		"RegistrationEndpoint mismatch")
	assert.True(t, d.worldOpenSocket, "WorldOpen not honoured")
	assert.NotNil(t, d.volumes, "Volumes map isn't initialised")
	assert.NotNil(t, d.mounter, "Mounter not set")
	assert.NotNil(t, d.writeConfig, "Config writer not set")
	assert.Equal(t, 60*time.Second, d.maxWaitMount, "Unexpected mount wait")

	c.WorldOpen = nil
	d, err = NewDriver(&c)
	require.NoError(t, err)
	assert.False(t, d.worldOpenSocket, "Sockets should be private by default")
}

func dialCSI(t *testing.T, endpoint string) *grpc.ClientConn {
	conn, err := grpc.NewClient("unix:"+endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() }) // nolint:errcheck
	return conn
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	failEndpoint := "unix:/dev"
	endpoint := path.Join(dir, "run.sock")
	regEndpoint := path.Join(dir, "runreg.sock")
	nodeid := "node-" + uuid.New().String()

	d := Driver{
		endpoint:             &failEndpoint,
		registrationEndpoint: &failEndpoint,
		nodeID:               &nodeid,
		volumes:              make(map[string]*volumeInfo),
	}

	err := d.Run()
	assert.NotNil(t, err, "Run should fail for bad endpoint")

	d.endpoint = &endpoint
	err = d.Run()
	assert.NotNil(t, err, "Run should fail for bad registration endpoint")
	_, err = os.Stat(endpoint)
	assert.True(t, os.IsNotExist(err), "Failed Run should clean up its socket")

	d.registrationEndpoint = &regEndpoint
	done := make(chan error, 1)
	go func() {
		done <- d.Run()
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(regEndpoint)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "Registration socket never showed up")

	conn := dialCSI(t, endpoint)

	pi, err := csi.NewIdentityClient(conn).GetPluginInfo(context.TODO(),
		&csi.GetPluginInfoRequest{})
	require.NoError(t, err)
	assert.Equal(t, DRIVERNAME, pi.Name, "Name mismatch from GetPluginInfo")

	cg, err := csi.NewControllerClient(conn).ControllerGetCapabilities(context.TODO(),
		&csi.ControllerGetCapabilitiesRequest{})
	require.NoError(t, err)
	assert.Equal(t, len(controllerCapabilities), len(cg.Capabilities),
		"Unexpected capabilities over grpc")

	ni, err := csi.NewNodeClient(conn).NodeGetInfo(context.TODO(),
		&csi.NodeGetInfoRequest{})
	require.NoError(t, err)
	assert.Equal(t, nodeid, ni.NodeId, "Bad node id in NodeGetInfo response")

	d.server.GracefulStop()
	assert.Nil(t, <-done, "Run should not fail when stopped")

	_, err = os.Stat(endpoint)
	assert.True(t, os.IsNotExist(err), "Stopped Run should remove its socket")
}

func TestRunLoadsPersisted(t *testing.T) {
	dir := t.TempDir()
	endpoint := path.Join(dir, "run.sock")
	failEndpoint := "unix:/dev"

	err := os.WriteFile(path.Join(dir, persistFile), []byte("[broken"), 0o600)
	require.NoError(t, err)

	d := Driver{
		endpoint:             &endpoint,
		registrationEndpoint: &failEndpoint,
		persistDir:           &dir,
		volumes:              make(map[string]*volumeInfo),
	}

	err = d.Run()
	require.ErrorContains(t, err, "persisted", "Broken state should stop Run")
}
