// Package usnerrors defines the sentinel error taxonomy shared by every
// core subsystem (volume handle, journal reader, path resolver,
// orchestrator). Call sites wrap these with github.com/pkg/errors so a
// fatal top-level handler can log a full stack trace while day-to-day
// operational logs use the short message.
package usnerrors

import "errors"

var (
	// ErrPermissionDenied is returned when the caller lacks the
	// administrative rights required to open a volume handle.
	ErrPermissionDenied = errors.New("administrative privileges required")

	// ErrNotFound is returned when a drive letter names no volume.
	ErrNotFound = errors.New("volume not found")

	// ErrNotNTFS is returned when the volume is not formatted NTFS.
	ErrNotNTFS = errors.New("volume is not NTFS")

	// ErrJournalDisabled is returned when the USN change journal is not
	// active on the volume.
	ErrJournalDisabled = errors.New("USN journal is not active")

	// ErrWrapped signals that the read cursor was overwritten by
	// journal wrap; the journal reader has already repositioned to the
	// journal's current tail (its next USN).
	ErrWrapped = errors.New("journal wrapped past stored cursor")

	// ErrJournalRecreated signals that the on-disk journal ID no longer
	// matches the persisted cursor's journal ID.
	ErrJournalRecreated = errors.New("journal was recreated")

	// ErrCorruptBatch is returned when a batch buffer fails the
	// record-length soundness check; the caller should discard the
	// remainder of that batch and continue at the next poll.
	ErrCorruptBatch = errors.New("corrupt USN record batch")

	// ErrIO wraps an underlying OS/IOCTL failure other than the cases
	// above.
	ErrIO = errors.New("I/O error")

	// ErrCancelled is returned along graceful-shutdown paths.
	ErrCancelled = errors.New("cancelled")
)
