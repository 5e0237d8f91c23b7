// Package journal parses the USN change journal's variable-length
// record buffer and tracks the read cursor. The binary parsing in this
// file is platform-independent and has no dependency on the actual
// IOCTL calls, which live in reader_windows.go behind the windows build
// tag, matching how the teacher library (fsnotify) splits wire parsing
// from OS glue.
package journal

import (
	"encoding/binary"
	"time"
	"unicode/utf16"

	"github.com/pkg/errors"

	"github.com/AlexSvobo/usn-watcher/internal/usnerrors"
)

// Record layout constants for a USN_RECORD_V2-shaped entry: a 60-byte
// fixed prefix followed by a variable-length UTF-16LE filename, padded
// to 8-byte alignment.
const (
	recordPrefixSize  = 60
	supportedMajorVer = 2

	// MaxRecordBufferSize is the size of the output buffer passed to
	// FSCTL_READ_USN_JOURNAL. 64 KiB is the size the spec calls for.
	MaxRecordBufferSize = 65536
)

// Reason bitmask values, named per the USN_RECORD reason flags.
const (
	ReasonDataOverwrite      uint32 = 0x00000001
	ReasonDataExtend         uint32 = 0x00000002
	ReasonDataTruncation     uint32 = 0x00000004
	ReasonNamedDataOverwrite uint32 = 0x00000010
	ReasonNamedDataExtend    uint32 = 0x00000020
	ReasonNamedDataTrunc     uint32 = 0x00000040
	ReasonFileCreate         uint32 = 0x00000100
	ReasonFileDelete         uint32 = 0x00000200
	ReasonEAChange           uint32 = 0x00000400
	ReasonSecurityChange     uint32 = 0x00000800
	ReasonRenameOldName      uint32 = 0x00001000
	ReasonRenameNewName      uint32 = 0x00002000
	ReasonIndexableChange    uint32 = 0x00004000
	ReasonBasicInfoChange    uint32 = 0x00008000
	ReasonHardLinkChange     uint32 = 0x00010000
	ReasonCompressionChange  uint32 = 0x00020000
	ReasonEncryptionChange   uint32 = 0x00040000
	ReasonObjectIDChange     uint32 = 0x00080000
	ReasonReparsePointChange uint32 = 0x00100000
	ReasonStreamChange       uint32 = 0x00200000
	ReasonTransactedChange   uint32 = 0x00400000
	ReasonIntegrityChange    uint32 = 0x00800000
	ReasonClose              uint32 = 0x80000000
)

// reasonTokens is walked in bit order so the decoded token list has a
// stable order across records with the same mask.
var reasonTokens = []struct {
	bit  uint32
	name string
}{
	{ReasonDataOverwrite, "DATAOVERWRITE"},
	{ReasonDataExtend, "DATAEXTEND"},
	{ReasonDataTruncation, "DATATRUNCATION"},
	{ReasonNamedDataOverwrite, "NAMEDDATAOVERWRITE"},
	{ReasonNamedDataExtend, "NAMEDDATAEXTEND"},
	{ReasonNamedDataTrunc, "NAMEDDATATRUNCATION"},
	{ReasonFileCreate, "FILECREATE"},
	{ReasonFileDelete, "FILEDELETE"},
	{ReasonEAChange, "EACHANGE"},
	{ReasonSecurityChange, "SECURITYCHANGE"},
	{ReasonRenameOldName, "RENAMEOLDNAME"},
	{ReasonRenameNewName, "RENAMENEWNAME"},
	{ReasonIndexableChange, "INDEXABLECHANGE"},
	{ReasonBasicInfoChange, "BASICINFOCHANGE"},
	{ReasonHardLinkChange, "HARDLINKCHANGE"},
	{ReasonCompressionChange, "COMPRESSIONCHANGE"},
	{ReasonEncryptionChange, "ENCRYPTIONCHANGE"},
	{ReasonObjectIDChange, "OBJECTIDCHANGE"},
	{ReasonReparsePointChange, "REPARSEPOINTCHANGE"},
	{ReasonStreamChange, "STREAMCHANGE"},
	{ReasonTransactedChange, "TRANSACTEDCHANGE"},
	{ReasonIntegrityChange, "INTEGRITYCHANGE"},
	{ReasonClose, "CLOSE"},
}

// DecodeReasons turns a raw reason bitmask into the stable, uppercase
// token list described in spec.md §4.2. Unknown bits are ignored.
func DecodeReasons(mask uint32) []string {
	var out []string
	for _, t := range reasonTokens {
		if mask&t.bit == t.bit {
			out = append(out, t.name)
		}
	}
	return out
}

// Attribute names for the subset of FILE_ATTRIBUTE_* bits worth
// surfacing in the NDJSON "attributes" array.
var attributeBits = []struct {
	bit  uint32
	name string
}{
	{0x00000001, "READONLY"},
	{0x00000002, "HIDDEN"},
	{0x00000004, "SYSTEM"},
	{0x00000010, "DIRECTORY"},
	{0x00000020, "ARCHIVE"},
	{0x00000400, "REPARSE_POINT"},
	{0x00000800, "COMPRESSED"},
	{0x00002000, "ENCRYPTED"},
}

// DecodeAttributes turns a raw FILE_ATTRIBUTE_* bitmask into a stable
// name list.
func DecodeAttributes(mask uint32) []string {
	var out []string
	for _, a := range attributeBits {
		if mask&a.bit == a.bit {
			out = append(out, a.name)
		}
	}
	return out
}

// Event is the managed, owned representation of a single parsed USN
// record. Unlike the raw record it aliases no buffer memory, so callers
// may retain it after the IOCTL output buffer is released.
type Event struct {
	USN           int64
	Timestamp     time.Time
	FRN           uint64
	ParentFRN     uint64
	FileName      string
	FullPath      string
	OldPath       string
	NewPath       string
	Reason        []string
	ReasonRaw     uint32
	IsDirectory   bool
	Attributes    []string
	AttributesRaw uint32
}

// IsClose reports whether the CLOSE bit is set.
func (e *Event) IsClose() bool { return e.ReasonRaw&ReasonClose == ReasonClose }

// IsCreate reports whether the FILECREATE bit is set.
func (e *Event) IsCreate() bool { return e.ReasonRaw&ReasonFileCreate == ReasonFileCreate }

// IsDelete reports whether the FILEDELETE bit is set.
func (e *Event) IsDelete() bool { return e.ReasonRaw&ReasonFileDelete == ReasonFileDelete }

// IsRenameOld reports whether this record is the "old name" half of a rename pair.
func (e *Event) IsRenameOld() bool { return e.ReasonRaw&ReasonRenameOldName == ReasonRenameOldName }

// IsRenameNew reports whether this record is the "new name" half of a rename pair.
func (e *Event) IsRenameNew() bool { return e.ReasonRaw&ReasonRenameNewName == ReasonRenameNewName }

// IsRename reports whether either rename bit is set.
func (e *Event) IsRename() bool { return e.IsRenameOld() || e.IsRenameNew() }

const dataChangeMask = ReasonDataOverwrite | ReasonDataExtend | ReasonDataTruncation

// IsDataChange reports whether any data-change bit is set.
func (e *Event) IsDataChange() bool { return e.ReasonRaw&dataChangeMask != 0 }

// windowsEpochOffsetNS is 1601-01-01 00:00:00 UTC, the origin of Windows
// FILETIME values, expressed in Unix nanoseconds.
const windowsEpochOffsetNS = -11644473600 * int64(time.Second)
const filetimeTicksPerNS = 100

// filetimeToUTC converts a 64-bit Windows FILETIME (100ns ticks since
// 1601-01-01) into a UTC time.Time.
func filetimeToUTC(ft int64) time.Time {
	ns := ft*filetimeTicksPerNS + windowsEpochOffsetNS
	return time.Unix(0, ns).UTC()
}

// ParseBatch walks the record region of a FSCTL_READ_USN_JOURNAL output
// buffer (i.e. everything after the 8-byte next-USN prefix) and returns
// the decoded events in strict on-wire order. It validates
// record-length soundness per record and stops parsing (without
// erroring on what it already decoded) the moment a record fails that
// check, returning usnerrors.ErrCorruptBatch alongside the events
// successfully parsed so far.
//
// Records whose major version is not 2 are silently skipped, per
// spec.md §3.
func ParseBatch(buf []byte) ([]Event, error) {
	var events []Event
	var offset uint32
	n := uint32(len(buf))

	for offset < n {
		if offset+recordPrefixSize > n {
			return events, errors.Wrap(usnerrors.ErrCorruptBatch, "truncated record prefix")
		}

		recordLength := binary.LittleEndian.Uint32(buf[offset : offset+4])
		if recordLength < recordPrefixSize || offset+recordLength > n {
			return events, errors.Wrap(usnerrors.ErrCorruptBatch, "invalid record length")
		}

		majorVersion := binary.LittleEndian.Uint16(buf[offset+4 : offset+6])
		if majorVersion != supportedMajorVer {
			offset += align8(recordLength)
			continue
		}

		frn := binary.LittleEndian.Uint64(buf[offset+8 : offset+16])
		parentFRN := binary.LittleEndian.Uint64(buf[offset+16 : offset+24])
		usn := int64(binary.LittleEndian.Uint64(buf[offset+24 : offset+32]))
		filetime := int64(binary.LittleEndian.Uint64(buf[offset+32 : offset+40]))
		reason := binary.LittleEndian.Uint32(buf[offset+40 : offset+44])
		// offset+44:48 is SourceInfo, offset+48:52 is SecurityId; this
		// package has no use for either field.
		attrs := binary.LittleEndian.Uint32(buf[offset+52 : offset+56])
		nameLen := binary.LittleEndian.Uint16(buf[offset+56 : offset+58])
		nameOffset := binary.LittleEndian.Uint16(buf[offset+58 : offset+60])

		nameStart := offset + uint32(nameOffset)
		nameEnd := nameStart + uint32(nameLen)
		if nameOffset < recordPrefixSize || nameEnd > offset+recordLength {
			return events, errors.Wrap(usnerrors.ErrCorruptBatch, "invalid filename span")
		}

		name := decodeUTF16LE(buf[nameStart:nameEnd])

		ev := Event{
			USN:           usn,
			Timestamp:     filetimeToUTC(filetime),
			FRN:           frn,
			ParentFRN:     parentFRN,
			FileName:      name,
			Reason:        DecodeReasons(reason),
			ReasonRaw:     reason,
			IsDirectory:   attrs&0x00000010 != 0,
			Attributes:    DecodeAttributes(attrs),
			AttributesRaw: attrs,
		}
		events = append(events, ev)

		offset += align8(recordLength)
	}

	return events, nil
}

// align8 rounds n up to the next multiple of 8, matching the padding
// the kernel applies between variable-length records.
func align8(n uint32) uint32 {
	if rem := n % 8; rem != 0 {
		return n + (8 - rem)
	}
	return n
}

func decodeUTF16LE(b []byte) string {
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(b[i*2 : i*2+2])
	}
	return string(utf16.Decode(u16))
}
