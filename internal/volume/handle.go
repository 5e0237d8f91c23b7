// Package volume manages scoped acquisition of a raw read handle to an
// NTFS volume, the resource every journal IOCTL is issued against.
package volume

// Handle is a scoped, closeable reference to an open volume. The
// platform-specific constructor (Open, in handle_windows.go) is the
// only place that calls CreateFile; every exit path — including
// failure after partial setup — closes the underlying OS handle
// exactly once.
type Handle struct {
	Letter string
	closer func() error
	closed bool

	// raw holds the platform handle value (a windows.Handle on
	// windows) as a uintptr so this file can stay build-tag free; see
	// handle_windows.go for the typed accessor.
	raw uintptr
}

// RawHandle returns the platform handle value. On windows this is a
// windows.Handle; callers outside this package should go through
// journal.NewWindowsIOCTL rather than interpreting it directly.
func (h *Handle) RawHandle() uintptr { return h.raw }

// Close releases the underlying OS handle. It is safe to call more
// than once; only the first call has effect.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	if h.closer == nil {
		return nil
	}
	return h.closer()
}
