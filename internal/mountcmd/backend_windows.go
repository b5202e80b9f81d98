package mountcmd

import (
	"fmt"
	"log/slog"

	"github.com/NBISweden/fuse3compat/internal/cgofuseadapter"
	"github.com/NBISweden/fuse3compat/internal/fuse2"
)

// Backends lists the FUSE libraries that can be selected
var Backends = []string{"cgofuse"}

// DefaultBackend is used when none is selected
const DefaultBackend = "cgofuse"

// NewRuntime returns the host runtime for backend
func NewRuntime(backend string, log *slog.Logger) (fuse2.Runtime, error) {
	if backend != "cgofuse" {
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
	return cgofuseadapter.NewRuntime(log), nil
}

// DetachIfNeeded does nothing, there is no detaching on windows
func DetachIfNeeded(foreground bool, log *slog.Logger) error {
	return nil
}
