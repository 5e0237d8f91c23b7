package journal

import (
	"github.com/pkg/errors"

	"github.com/AlexSvobo/usn-watcher/internal/usnerrors"
)

// Metadata mirrors the fields of QUERY_USN_JOURNAL_DATA this package
// cares about.
type Metadata struct {
	JournalID uint64
	FirstUSN  int64
	NextUSN   int64
	MaxSize   uint64
}

// DeviceIOCTL is the narrow seam between the wire-format/cursor logic
// in this file and the actual volume control calls in
// reader_windows.go. Tests on any GOOS supply a fake implementation;
// production code uses windowsIOCTL.
type DeviceIOCTL interface {
	// QueryJournal issues FSCTL_QUERY_USN_JOURNAL.
	QueryJournal() (Metadata, error)

	// ReadJournal issues FSCTL_READ_USN_JOURNAL starting at startUSN for
	// the given journal ID and reason mask. It returns the next-USN
	// cursor from the first 8 bytes of the output buffer and the
	// record region that follows it. A nil payload with a nil error
	// means no new records were available (EOF).
	ReadJournal(startUSN int64, journalID uint64, reasonMask uint32) (nextUSN int64, payload []byte, err error)
}

// DefaultReasonMask requests every reason this package knows how to
// decode.
const DefaultReasonMask uint32 = 0xFFFFFFFF

// CursorOutcome reports what set_cursor did relative to the journal's
// current first-available USN.
type CursorOutcome int

const (
	// Resumed means the stored cursor is still within the live journal.
	Resumed CursorOutcome = iota
	// Wrapped means the stored cursor fell behind first_usn; the
	// reader repositioned to first_usn and the caller must surface a
	// gap.
	Wrapped
)

// Reader issues volume control operations, parses the variable-length
// record buffer they return, and tracks the read cursor. It holds no
// state about paths; that is the path resolver's job.
type Reader struct {
	ioctl     DeviceIOCTL
	journalID uint64
	cursor    int64
}

// NewReader wraps a DeviceIOCTL implementation.
func NewReader(ioctl DeviceIOCTL) *Reader {
	return &Reader{ioctl: ioctl}
}

// JournalID returns the journal ID recorded by the last Initialize or
// SetCursor call.
func (r *Reader) JournalID() uint64 { return r.journalID }

// Cursor returns the next USN the reader will read from.
func (r *Reader) Cursor() int64 { return r.cursor }

// Initialize queries journal metadata, records the journal ID, and
// positions the cursor at the live tail (NextUsn). It fails with
// usnerrors.ErrJournalDisabled if the journal is not active.
func (r *Reader) Initialize() (Metadata, error) {
	meta, err := r.ioctl.QueryJournal()
	if err != nil {
		if errors.Is(err, usnerrors.ErrJournalDisabled) {
			return Metadata{}, err
		}
		return Metadata{}, errors.Wrap(usnerrors.ErrIO, err.Error())
	}
	r.journalID = meta.JournalID
	r.cursor = meta.NextUSN
	return meta, nil
}

// SetCursor queries metadata, records the journal ID, and positions the
// cursor at storedUSN. It returns Resumed if storedUSN is still within
// the journal (storedUSN >= first_usn); otherwise it returns Wrapped
// and repositions the cursor at first_usn, leaving it to the caller to
// emit a gap notice.
func (r *Reader) SetCursor(storedUSN int64) (CursorOutcome, Metadata, error) {
	meta, err := r.ioctl.QueryJournal()
	if err != nil {
		if errors.Is(err, usnerrors.ErrJournalDisabled) {
			return Resumed, Metadata{}, err
		}
		return Resumed, Metadata{}, errors.Wrap(usnerrors.ErrIO, err.Error())
	}
	r.journalID = meta.JournalID

	if storedUSN >= meta.FirstUSN {
		r.cursor = storedUSN
		return Resumed, meta, nil
	}

	r.cursor = meta.FirstUSN
	return Wrapped, meta, nil
}

// ReadBatch issues a non-blocking volume control read and returns the
// parsed events in strict USN order. An empty, nil-error result means
// no new records exist. On success the cursor advances to the
// "next USN" value the kernel returned.
//
// If the kernel reports that the cursor was overwritten by journal
// wrap (ERROR_JOURNAL_ENTRY_DELETED, surfaced by the DeviceIOCTL as
// usnerrors.ErrWrapped), the reader re-queries metadata, resets its
// cursor to the current tail, and returns usnerrors.ErrWrapped for the
// caller to surface as a gap event.
func (r *Reader) ReadBatch(reasonMask uint32) ([]Event, error) {
	nextUSN, payload, err := r.ioctl.ReadJournal(r.cursor, r.journalID, reasonMask)
	if err != nil {
		if errors.Is(err, usnerrors.ErrWrapped) {
			meta, qerr := r.ioctl.QueryJournal()
			if qerr != nil {
				return nil, errors.Wrap(usnerrors.ErrIO, qerr.Error())
			}
			r.journalID = meta.JournalID
			r.cursor = meta.NextUSN
			return nil, usnerrors.ErrWrapped
		}
		return nil, errors.Wrap(usnerrors.ErrIO, err.Error())
	}

	if payload == nil {
		return nil, nil
	}

	events, perr := ParseBatch(payload)
	r.cursor = nextUSN
	if perr != nil {
		// Partial results are still useful; the caller continues at
		// the next poll rather than treating this batch as fatal.
		return events, perr
	}
	return events, nil
}
