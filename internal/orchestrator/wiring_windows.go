//go:build windows

package orchestrator

import (
	"io"

	"github.com/AlexSvobo/usn-watcher/internal/journal"
	"github.com/AlexSvobo/usn-watcher/internal/pathresolver"
	"github.com/AlexSvobo/usn-watcher/internal/volume"
)

// Opened bundles a live Orchestrator with the volume handle it was
// built from, so the caller can close the handle on shutdown.
type Opened struct {
	*Orchestrator
	handle *volume.Handle
}

// Close releases the underlying volume handle.
func (o *Opened) Close() error { return o.handle.Close() }

// OpenVolume acquires a volume handle for cfg.Volume and wires the
// production DeviceIOCTL/MFTEnumerator implementations into a new
// Orchestrator.
func OpenVolume(cfg Config) (*Opened, error) {
	h, err := volume.Open(cfg.Volume)
	if err != nil {
		return nil, err
	}

	ioctl := journal.NewWindowsIOCTL(h.WindowsHandle())
	var enum pathresolver.MFTEnumerator
	if !cfg.NoPopulate {
		enum = pathresolver.NewMFTEnumerator(h.WindowsHandle())
	}

	return &Opened{Orchestrator: New(cfg, ioctl, enum), handle: h}, nil
}

var _ io.Closer = (*Opened)(nil)
