//go:build windows

package pathresolver

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// fsctlEnumUSNData is FSCTL_ENUM_USN_DATA, used to walk every live file
// and directory record in the MFT.
const fsctlEnumUSNData = 0x000900B3

const enumBufferSize = 65536

// mftUSNEnumerator is the production MFTEnumerator, grounded on
// fsnotify's use of DeviceIoControl for USN journal IOCTLs
// (backend_usn.go) generalized to MFT_ENUM_DATA_V0.
type mftUSNEnumerator struct {
	handle windows.Handle
}

// NewMFTEnumerator wraps an open volume handle for Populate's MFT scan.
func NewMFTEnumerator(handle windows.Handle) MFTEnumerator {
	return &mftUSNEnumerator{handle: handle}
}

func (m *mftUSNEnumerator) Enumerate(emit func(frn uint64, entry mftEntry)) error {
	var startFRN uint64
	buf := make([]byte, enumBufferSize)

	for {
		in := struct {
			StartFileReferenceNumber uint64
			LowUsn                   int64
			HighUsn                  int64
		}{StartFileReferenceNumber: startFRN, LowUsn: 0, HighUsn: 1<<63 - 1}

		var bytesReturned uint32
		err := windows.DeviceIoControl(
			m.handle,
			fsctlEnumUSNData,
			(*byte)(unsafe.Pointer(&in)), uint32(unsafe.Sizeof(in)),
			&buf[0], uint32(len(buf)),
			&bytesReturned, nil,
		)
		if err != nil {
			if errors.Is(err, windows.ERROR_HANDLE_EOF) {
				return nil
			}
			return errors.Wrap(err, "FSCTL_ENUM_USN_DATA")
		}
		if bytesReturned <= 8 {
			return nil
		}

		startFRN = binary.LittleEndian.Uint64(buf[0:8])
		m.parseEnumBatch(buf[8:bytesReturned], emit)
	}
}

// parseEnumBatch decodes the USN_RECORD_V2-shaped entries
// FSCTL_ENUM_USN_DATA returns, skipping unsupported major versions and
// stopping at the first structurally invalid record, matching the same
// soundness checks the journal reader applies to FSCTL_READ_USN_JOURNAL
// output.
func (m *mftUSNEnumerator) parseEnumBatch(buf []byte, emit func(frn uint64, entry mftEntry)) {
	var offset uint32
	n := uint32(len(buf))

	for offset+60 <= n {
		recordLength := binary.LittleEndian.Uint32(buf[offset : offset+4])
		if recordLength < 60 || offset+recordLength > n {
			return
		}
		majorVersion := binary.LittleEndian.Uint16(buf[offset+4 : offset+6])
		if majorVersion != 2 {
			offset += align8(recordLength)
			continue
		}

		frn := binary.LittleEndian.Uint64(buf[offset+8 : offset+16])
		parentFRN := binary.LittleEndian.Uint64(buf[offset+16 : offset+24])
		nameLen := binary.LittleEndian.Uint16(buf[offset+56 : offset+58])
		nameOffset := binary.LittleEndian.Uint16(buf[offset+58 : offset+60])

		nameStart := offset + uint32(nameOffset)
		nameEnd := nameStart + uint32(nameLen)
		if nameOffset < 60 || nameEnd > offset+recordLength {
			return
		}

		emit(frn, mftEntry{Name: decodeUTF16LEBytes(buf[nameStart:nameEnd]), ParentFRN: parentFRN})
		offset += align8(recordLength)
	}
}

func align8(n uint32) uint32 {
	if rem := n % 8; rem != 0 {
		return n + (8 - rem)
	}
	return n
}

func decodeUTF16LEBytes(b []byte) string {
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(b[i*2 : i*2+2])
	}
	return windows.UTF16ToString(u16)
}
