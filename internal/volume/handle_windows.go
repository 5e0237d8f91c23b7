//go:build windows

package volume

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"github.com/AlexSvobo/usn-watcher/internal/usnerrors"
)

// Open acquires a raw read handle to the volume named by a single
// drive letter (e.g. "C"), grounded on fsnotify's
// backend_usn.go:setupVolumeMonitoring. It fails with
// usnerrors.ErrPermissionDenied when the caller lacks administrative
// rights, usnerrors.ErrNotFound when the letter names no volume, and
// usnerrors.ErrNotNTFS when the volume is not formatted NTFS.
func Open(letter string) (*Handle, error) {
	letter = strings.TrimSuffix(strings.ToUpper(letter), ":")
	path := fmt.Sprintf(`\\.\%s:`, letter)

	h, err := windows.CreateFile(
		windows.StringToUTF16Ptr(path),
		windows.GENERIC_READ,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS,
		0,
	)
	if err != nil {
		switch {
		case errors.Is(err, windows.ERROR_ACCESS_DENIED):
			return nil, usnerrors.ErrPermissionDenied
		case errors.Is(err, windows.ERROR_FILE_NOT_FOUND), errors.Is(err, windows.ERROR_PATH_NOT_FOUND):
			return nil, usnerrors.ErrNotFound
		default:
			return nil, errors.Wrapf(err, "opening volume %s", path)
		}
	}

	fsName, fsErr := volumeFileSystem(letter)
	if fsErr != nil {
		windows.CloseHandle(h)
		return nil, errors.Wrap(fsErr, "querying volume information")
	}
	if !strings.EqualFold(fsName, "NTFS") {
		windows.CloseHandle(h)
		return nil, usnerrors.ErrNotNTFS
	}

	return &Handle{
		Letter: letter,
		raw:    uintptr(h),
		closer: func() error {
			if err := windows.CloseHandle(h); err != nil {
				return errors.Wrap(err, "closing volume handle")
			}
			return nil
		},
	}, nil
}

func volumeFileSystem(letter string) (string, error) {
	root := letter + `:\`
	var fsNameBuf [windows.MAX_PATH + 1]uint16
	err := windows.GetVolumeInformation(
		windows.StringToUTF16Ptr(root),
		nil, 0,
		nil, nil, nil,
		&fsNameBuf[0], uint32(len(fsNameBuf)),
	)
	if err != nil {
		return "", err
	}
	return windows.UTF16ToString(fsNameBuf[:]), nil
}

// WindowsHandle returns the handle as a windows.Handle for callers in
// this module that need to issue IOCTLs directly (journal.NewWindowsIOCTL).
func (h *Handle) WindowsHandle() windows.Handle { return windows.Handle(h.raw) }
