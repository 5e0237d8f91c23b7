//go:build windows

package journal

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"github.com/AlexSvobo/usn-watcher/internal/usnerrors"
)

// Windows control codes and structures, per
// https://learn.microsoft.com/en-us/windows/win32/api/winioctl/ni-winioctl-fsctl_query_usn_journal
// https://learn.microsoft.com/en-us/windows/win32/api/winioctl/ni-winioctl-fsctl_read_usn_journal
const (
	fsctlQueryUSNJournal = 0x000900F4
	fsctlReadUSNJournal  = 0x000900BB

	// errorJournalNotActive is returned by FSCTL_QUERY_USN_JOURNAL when
	// the journal does not exist or has been deleted.
	errorJournalNotActive windows.Errno = 1179
	// errorJournalEntryDeleted is returned by FSCTL_READ_USN_JOURNAL
	// when the requested USN has aged out of the journal.
	errorJournalEntryDeleted windows.Errno = 1181
)

type queryUSNJournalData struct {
	UsnJournalID    uint64
	FirstUsn        int64
	NextUsn         int64
	LowestValidUsn  int64
	MaxUsn          int64
	MaximumSize     uint64
	AllocationDelta uint64
}

type readUSNJournalData struct {
	StartUsn          int64
	ReasonMask        uint32
	ReturnOnlyOnClose uint32
	Timeout           uint64
	BytesToWaitFor    uint64
	UsnJournalID      uint64
}

// windowsIOCTL is the production DeviceIOCTL backed by a real volume
// handle, grounded on fsnotify's backend_usn.go setupVolumeMonitoring
// and monitorVolume.
type windowsIOCTL struct {
	handle windows.Handle
	buf    []byte
}

// NewWindowsIOCTL wraps an already-open volume handle.
func NewWindowsIOCTL(handle windows.Handle) DeviceIOCTL {
	return &windowsIOCTL{handle: handle, buf: make([]byte, MaxRecordBufferSize)}
}

func (w *windowsIOCTL) QueryJournal() (Metadata, error) {
	var data queryUSNJournalData
	var bytesReturned uint32
	err := windows.DeviceIoControl(
		w.handle,
		fsctlQueryUSNJournal,
		nil, 0,
		(*byte)(unsafe.Pointer(&data)), uint32(unsafe.Sizeof(data)),
		&bytesReturned, nil,
	)
	if err != nil {
		if errno, ok := err.(windows.Errno); ok && errno == errorJournalNotActive {
			return Metadata{}, usnerrors.ErrJournalDisabled
		}
		return Metadata{}, errors.Wrap(err, "FSCTL_QUERY_USN_JOURNAL")
	}
	return Metadata{
		JournalID: data.UsnJournalID,
		FirstUSN:  data.FirstUsn,
		NextUSN:   data.NextUsn,
		MaxSize:   data.MaximumSize,
	}, nil
}

func (w *windowsIOCTL) ReadJournal(startUSN int64, journalID uint64, reasonMask uint32) (int64, []byte, error) {
	in := readUSNJournalData{
		StartUsn:     startUSN,
		ReasonMask:   reasonMask,
		UsnJournalID: journalID,
	}
	var bytesReturned uint32
	err := windows.DeviceIoControl(
		w.handle,
		fsctlReadUSNJournal,
		(*byte)(unsafe.Pointer(&in)), uint32(unsafe.Sizeof(in)),
		&w.buf[0], uint32(len(w.buf)),
		&bytesReturned, nil,
	)
	if err != nil {
		if errno, ok := err.(windows.Errno); ok && errno == errorJournalEntryDeleted {
			return 0, nil, usnerrors.ErrWrapped
		}
		return 0, nil, errors.Wrap(err, "FSCTL_READ_USN_JOURNAL")
	}

	if bytesReturned <= 8 {
		return 0, nil, nil
	}

	nextUSN := int64(w.buf[0]) | int64(w.buf[1])<<8 | int64(w.buf[2])<<16 | int64(w.buf[3])<<24 |
		int64(w.buf[4])<<32 | int64(w.buf[5])<<40 | int64(w.buf[6])<<48 | int64(w.buf[7])<<56

	payload := make([]byte, bytesReturned-8)
	copy(payload, w.buf[8:bytesReturned])
	return nextUSN, payload, nil
}
