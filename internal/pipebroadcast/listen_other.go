//go:build !windows

package pipebroadcast

import (
	"net"

	"github.com/pkg/errors"

	"github.com/AlexSvobo/usn-watcher/internal/usnerrors"
)

// Listen is unavailable off Windows; the named-pipe transport is a
// Windows-only surface per spec.md §6. Non-Windows builds exist only
// to keep the pure-logic packages testable.
func Listen(volumeLetter string) (net.Listener, error) {
	return nil, errors.Wrap(usnerrors.ErrIO, "named pipes are only available on windows")
}
