//go:build !windows

package mountcmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/NBISweden/fuse3compat/internal/cgofuseadapter"
	"github.com/NBISweden/fuse3compat/internal/fuse2"
	"github.com/NBISweden/fuse3compat/internal/fuseadapter/jacobsa"
	"github.com/NBISweden/fuse3compat/internal/gofuseadapter"
	"github.com/sevlyar/go-daemon"
)

// Backends lists the FUSE libraries that can be selected
var Backends = []string{"jacobsa", "gofuse", "cgofuse"}

// DefaultBackend is used when none is selected
const DefaultBackend = "jacobsa"

// NewRuntime returns the host runtime for backend
func NewRuntime(backend string, log *slog.Logger) (fuse2.Runtime, error) {
	switch backend {
	case "jacobsa":
		return jacobsa.NewRuntime(log), nil
	case "gofuse":
		return gofuseadapter.NewRuntime(log), nil
	case "cgofuse":
		if !cgofuseadapter.CGOFuseAvailable() {
			return nil, cgofuseadapter.ErrUnavailable
		}
		return cgofuseadapter.NewRuntime(log), nil
	}

	return nil, fmt.Errorf("unknown backend %q", backend)
}

// DetachIfNeeded daemonizes unless running in the foreground, only the
// child returns
func DetachIfNeeded(foreground bool, log *slog.Logger) error {
	if foreground {
		return nil
	}

	context := new(daemon.Context)
	child, err := context.Reborn()
	if err != nil {
		return fmt.Errorf("failed to detach: %w", err)
	}

	if child != nil {
		os.Exit(0)
	}

	if err := context.Release(); err != nil {
		log.Info("Unable to release pid file", "error", err.Error())
	}

	return nil
}
