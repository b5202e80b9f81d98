// Package csidriver is a CSI node plugin publishing sshfs3 volumes. Every
// published volume gets its own sshfs3 process reading a settings file
// written from the volume context.
package csidriver

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc"
	"k8s.io/klog/v2"
	pluginregistration "k8s.io/kubelet/pkg/apis/pluginregistration/v1"
)

// DRIVERNAME is our name in the CSI world, should match what's in other places
const DRIVERNAME = "sshfs3.csi.nbis.se"

// Version is reported as vendor version
var Version = "0.1.0"

// VERSIONS are the supported CSI versions
var VERSIONS = []string{"1.11.0", "1.0.0"}

var errMissingSocket = errors.New("missing socket configuration")

// volumeInfo is what we know about a published volume, it is also the
// persisted form
type volumeInfo struct {
	Attached bool              `json:"attached"`
	ID       string            `json:"ID"`
	Path     string            `json:"path"`
	ReadOnly bool              `json:"readonly"`
	Context  map[string]string `json:"context"`
}

// Driver serves the identity, controller, node and registration roles
type Driver struct {
	csi.UnimplementedIdentityServer
	csi.UnimplementedControllerServer
	csi.UnimplementedNodeServer
	pluginregistration.UnimplementedRegistrationServer

	endpoint, nodeID, registrationEndpoint *string

	server *grpc.Server

	// volumes isn't authoritative, kubelet may ask about volumes we have
	// never seen after a restart
	volumes     map[string]*volumeInfo
	volumesLock sync.Mutex

	configDir  *string
	sshfsPath  *string
	logDir     *string
	persistDir *string

	// worldOpenSocket makes our sockets usable by everybody, otherwise
	// only by our own user
	worldOpenSocket bool

	// these are struct fields so tests can replace them
	mounter      func(*Driver, *volumeInfo) error
	unmounter    func(*Driver, *volumeInfo) error
	writeConfig  func(*Driver, *volumeInfo) error
	isMountPoint func(*Driver, *volumeInfo) bool

	// maxWaitMount bounds the wait for a mount to show up, checking every
	// waitPeriod
	maxWaitMount time.Duration
	waitPeriod   time.Duration
}

// CSIConfig is the incoming configuration for the driver
type CSIConfig struct {
	Endpoint             *string
	NodeID               *string
	RegistrationEndpoint *string

	// ConfigDir is where per volume settings files are written
	ConfigDir *string

	// LogDir if set is where sshfs3 processes log
	LogDir *string

	// SshfsPath is the sshfs3 binary to run
	SshfsPath *string

	// WorldOpen makes the sockets we create world accessible
	WorldOpen *bool

	// PersistDir if set keeps volume state for recovery on restarts
	PersistDir *string
}

// NewDriver checks the configuration and returns a Driver ready to Run
func NewDriver(config *CSIConfig) (*Driver, error) {
	for _, endpoint := range []*string{config.Endpoint, config.RegistrationEndpoint} {
		if endpoint == nil {
			return nil, errMissingSocket
		}

		usable, err := checkSocket(endpoint)
		if err != nil {
			return nil, fmt.Errorf("problem with socket path %s: %v", *endpoint, err)
		}
		if !usable {
			return nil, fmt.Errorf("aborting since something responds on %s", *endpoint)
		}
	}

	d := &Driver{
		endpoint:             config.Endpoint,
		nodeID:               config.NodeID,
		registrationEndpoint: config.RegistrationEndpoint,
		volumes:              make(map[string]*volumeInfo),
		configDir:            config.ConfigDir,
		sshfsPath:            config.SshfsPath,
		logDir:               config.LogDir,
		persistDir:           config.PersistDir,
		mounter:              doMount,
		unmounter:            unmount,
		writeConfig:          writeConfig,
		isMountPoint:         isMountPoint,
		waitPeriod:           10 * time.Millisecond,
		maxWaitMount:         60 * time.Second,
	}

	if config.WorldOpen != nil {
		d.worldOpenSocket = *config.WorldOpen
	}

	return d, nil
}

// Run serves the CSI socket until the server is stopped or we get a
// termination signal
func (d *Driver) Run() error {
	klog.V(4).Infof("Starting CSI driver %s on %s", DRIVERNAME, *d.endpoint)

	listener, err := d.listen(*d.endpoint)
	if err != nil {
		return err
	}
	defer closeListener(listener)

	if d.persisting() {
		err = d.loadPersisted()
		if err != nil {
			return fmt.Errorf("error while loading persisted mounts: %v", err)
		}
	}

	err = d.registerKubelet()
	if err != nil {
		return fmt.Errorf("error while registering with kubelet: %v", err)
	}

	d.server = makeGrpcServer("CSI socket")
	csi.RegisterIdentityServer(d.server, d)
	csi.RegisterControllerServer(d.server, d)
	csi.RegisterNodeServer(d.server, d)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer func() {
		signal.Stop(signals)
		close(signals)
	}()
	go d.handleSignals(signals)

	klog.V(4).Infof("Serving CSI requests")

	err = d.server.Serve(listener)
	if err != nil {
		klog.Errorf("Serving stopped with error %v", err)
		return fmt.Errorf("serving failed: %v", err)
	}

	return nil
}

// handleSignals stops the server on the first signal, the mounts stay
// and are picked up again by the next instance
func (d *Driver) handleSignals(c chan os.Signal) {
	s, ok := <-c
	if !ok {
		return
	}

	klog.V(1).Infof("Received signal %v, stopping", s)
	d.server.GracefulStop()
}
