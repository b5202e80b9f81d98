package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"

	"github.com/NBISweden/fuse3compat/internal/csidriver"
	"k8s.io/klog/v2"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(),
		"Usage: %s [FLAGS...]\n\nSupported flags are:\n\n",
		os.Args[0])
	flag.PrintDefaults()
}

// sshfsPathDefault figures out where sshfs3 lives, preferring PATH
func sshfsPathDefault() string {
	p, err := exec.LookPath("sshfs3")
	if err != nil {
		return "/sshfs3"
	}

	return p
}

// envDefault returns the environment variable name or def if it's unset
func envDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func getConfig() *csidriver.CSIConfig {
	klog.InitFlags(nil)
	flag.Usage = usage

	c := csidriver.CSIConfig{
		Endpoint: flag.String("endpoint",
			envDefault("CSI_ENDPOINT", "unix:///tmp/csi.sock"),
			"CSI Endpoint"),
		NodeID: flag.String("node-id",
			envDefault("CSI_NODE_ID", "nodeid"),
			"node-id to report in NodeGetInfo RPC"),
		RegistrationEndpoint: flag.String("registrationendpoint",
			"unix:///var/lib/kubelet/plugins_registry/"+csidriver.DRIVERNAME+"-reg.sock",
			"Kubelet plugin registration socket"),
		ConfigDir: flag.String("configdir", "/tmp",
			"Directory to store per volume connection settings in"),
		LogDir: flag.String("logdir", "",
			"Directory to store sshfs3 logs in, empty for no logs"),
		SshfsPath: flag.String("sshfspath", sshfsPathDefault(),
			"Path to the sshfs3 binary"),
		WorldOpen: flag.Bool("worldopen", false,
			"Make the sockets we create accessible to everybody"),
		PersistDir: flag.String("persistdir", "",
			"Directory to keep volume state in for recovery after restarts"),
	}

	flag.Parse()

	klog.V(3).Infof(
		"Configuration: CSI Endpoint: %s, NodeId: %s, Registration socket: %s",
		*c.Endpoint, *c.NodeID, *c.RegistrationEndpoint)

	return &c
}

func main() {
	c := getConfig()

	d, err := csidriver.NewDriver(c)
	if err != nil {
		klog.Errorf("CSI driver setup failed: %v", err)
		os.Exit(1)
	}

	err = d.Run()
	if err != nil {
		klog.Errorf("CSI driver run failed: %v", err)
		os.Exit(1)
	}
}
