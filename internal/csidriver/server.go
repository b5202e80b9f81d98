package csidriver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"google.golang.org/grpc"
	"k8s.io/klog/v2"
)

// staleSocketGrace gives kubernetes time to notice an old plugin went away
const staleSocketGrace = 1 * time.Second

// endpointToNetworkAddress splits an endpoint such as unix:///run/csi.sock
// into network and address, a bare path is a unix socket
func endpointToNetworkAddress(s string) (string, string) {
	network, address, found := strings.Cut(s, ":")
	if !found {
		return "unix", s
	}

	if network == "unix" && strings.HasPrefix(address, "//") {
		address = "/" + strings.TrimLeft(address, "/")
	}

	return network, address
}

// socketNameCleanup returns the path of a unix endpoint
func socketNameCleanup(s string) string {
	_, address := endpointToNetworkAddress(s)
	return path.Clean(address)
}

// checkSocket reports whether we may go on and listen on the endpoint s,
// removing a stale unix socket left behind by an earlier instance
func checkSocket(s *string) (bool, error) {
	network, address := endpointToNetworkAddress(*s)
	if network != "unix" {
		return true, nil
	}

	st, err := os.Stat(address)
	if err != nil {
		// Nothing there (or nothing we can see), so go ahead
		return true, nil
	}

	if st.Mode()&fs.ModeSocket == 0 {
		return false, fmt.Errorf("%s exists but is not a leftover socket", address)
	}

	conn, err := net.Dial("unix", address)
	if err == nil {
		conn.Close() // nolint:errcheck
		return false, nil
	}

	err = os.Remove(address)
	if err != nil {
		return false, fmt.Errorf("couldn't remove stale endpoint %s: %v", address, err)
	}

	klog.V(4).Infof("Removed stale socket %s", address)
	time.Sleep(staleSocketGrace)

	return true, nil
}

// listen opens the endpoint and fixes up the permissions of the socket
func (d *Driver) listen(endpoint string) (net.Listener, error) {
	network, address := endpointToNetworkAddress(endpoint)

	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("error while setting up listen for grpc on %s: %v", endpoint, err)
	}

	err = d.fixSocketPerms(network, address)
	if err != nil {
		listener.Close() // nolint:errcheck
		return nil, fmt.Errorf("error while making socket accessible: %v", err)
	}

	return listener, nil
}

// closeListener closes l and makes sure a unix socket file is gone
func closeListener(l net.Listener) {
	err := l.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		klog.Errorf("Closing listening socket failed: %v", err)
	}

	if l.Addr().Network() != "unix" {
		return
	}

	err = os.Remove(l.Addr().String())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		klog.Errorf("Removing socket file %s failed: %v", l.Addr().String(), err)
	}
}

// fixSocketPerms opens up a unix socket to everybody if so configured
func (d *Driver) fixSocketPerms(network, address string) error {
	if !d.worldOpenSocket || network != "unix" {
		return nil
	}

	err := os.Chmod(address, 0o777)
	if err != nil {
		return fmt.Errorf("can't make socket accessible: %v", err)
	}

	return nil
}

// makeGrpcServer creates a grpc server logging each call
func makeGrpcServer(serverName string) *grpc.Server {
	logCalls := func(ctx context.Context, req any, info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler) (any, error) {

		klog.V(10).Infof("Call to %s %s, request type %T", serverName, info.FullMethod, req)

		logger := klog.FromContext(ctx).WithValues("method", info.FullMethod)
		resp, err := handler(klog.NewContext(ctx, logger), req)
		if err != nil {
			klog.V(8).Infof("%s responded with error: %v", info.FullMethod, err)
		}
		return resp, err
	}

	return grpc.NewServer(grpc.UnaryInterceptor(logCalls))
}
