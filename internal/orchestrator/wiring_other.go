//go:build !windows

package orchestrator

import (
	"github.com/pkg/errors"

	"github.com/AlexSvobo/usn-watcher/internal/usnerrors"
)

// Opened mirrors the windows build's handle-owning wrapper so
// callers can compile against one signature regardless of GOOS.
type Opened struct {
	*Orchestrator
}

// Close is a no-op off Windows; there is no handle to release.
func (o *Opened) Close() error { return nil }

// OpenVolume is unavailable off Windows: the USN journal IOCTLs and
// MFT enumeration this orchestrator drives are Windows-only, per
// spec.md §1.
func OpenVolume(cfg Config) (*Opened, error) {
	return nil, errors.Wrap(usnerrors.ErrIO, "volume watching requires windows")
}
