package journal

import (
	"encoding/binary"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeRecord builds a single USN_RECORD_V2-shaped record with the
// given fields, padded to 8-byte alignment, matching the layout
// record.go decodes.
func encodeRecord(frn, parentFRN uint64, usn int64, filetime int64, reason, attrs uint32, name string) []byte {
	u16 := utf16.Encode([]rune(name))
	nameBytes := make([]byte, len(u16)*2)
	for i, c := range u16 {
		binary.LittleEndian.PutUint16(nameBytes[i*2:], c)
	}

	const prefix = 60
	total := prefix + len(nameBytes)
	padded := align8(uint32(total))

	buf := make([]byte, padded)
	binary.LittleEndian.PutUint32(buf[0:4], padded)
	binary.LittleEndian.PutUint16(buf[4:6], 2) // major version
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint64(buf[8:16], frn)
	binary.LittleEndian.PutUint64(buf[16:24], parentFRN)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(usn))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(filetime))
	binary.LittleEndian.PutUint32(buf[40:44], reason)
	binary.LittleEndian.PutUint32(buf[44:48], 0) // source info
	binary.LittleEndian.PutUint32(buf[48:52], 0) // security id
	binary.LittleEndian.PutUint32(buf[52:56], attrs)
	binary.LittleEndian.PutUint16(buf[56:58], uint16(len(nameBytes)))
	binary.LittleEndian.PutUint16(buf[58:60], prefix)
	copy(buf[prefix:prefix+len(nameBytes)], nameBytes)
	return buf
}

func TestParseBatch_SingleRecord(t *testing.T) {
	rec := encodeRecord(0x1234, 0x10, 42, 0, ReasonFileCreate, 0, "hello.txt")
	events, err := ParseBatch(rec)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(0x1234), events[0].FRN)
	assert.Equal(t, uint64(0x10), events[0].ParentFRN)
	assert.Equal(t, int64(42), events[0].USN)
	assert.Equal(t, "hello.txt", events[0].FileName)
	assert.True(t, events[0].IsCreate())
	assert.Contains(t, events[0].Reason, "FILECREATE")
}

func TestParseBatch_MultipleRecords(t *testing.T) {
	a := encodeRecord(1, 0, 1, 0, ReasonDataOverwrite, 0, "a.txt")
	b := encodeRecord(2, 0, 2, 0, ReasonFileDelete, 0, "b.txt")
	buf := append(a, b...)

	events, err := ParseBatch(buf)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].USN)
	assert.Equal(t, int64(2), events[1].USN)
	assert.True(t, events[1].IsDelete())
}

func TestParseBatch_SkipsUnsupportedMajorVersion(t *testing.T) {
	rec := encodeRecord(1, 0, 1, 0, ReasonFileCreate, 0, "a.txt")
	binary.LittleEndian.PutUint16(rec[4:6], 3) // major version 3, unsupported

	events, err := ParseBatch(rec)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestParseBatch_CorruptRecordLengthStopsParsing(t *testing.T) {
	good := encodeRecord(1, 0, 1, 0, ReasonFileCreate, 0, "a.txt")
	bad := encodeRecord(2, 0, 2, 0, ReasonFileCreate, 0, "b.txt")
	binary.LittleEndian.PutUint32(bad[0:4], 3) // below the 60-byte minimum
	buf := append(good, bad...)

	events, err := ParseBatch(buf)
	assert.Error(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].USN)
}

// TestParseBatch_RecordWalkSoundness is invariant 2 from spec.md §8:
// for a well-formed batch, the sum of record lengths (each rounded to
// 8-byte alignment) equals the buffer length.
func TestParseBatch_RecordWalkSoundness(t *testing.T) {
	recs := [][]byte{
		encodeRecord(1, 0, 1, 0, ReasonFileCreate, 0, "a"),
		encodeRecord(2, 0, 2, 0, ReasonDataExtend, 0, "bb"),
		encodeRecord(3, 0, 3, 0, ReasonFileDelete, 0, "ccc"),
	}
	var buf []byte
	var sum uint32
	for _, r := range recs {
		buf = append(buf, r...)
		sum += uint32(len(r))
	}

	events, err := ParseBatch(buf)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.EqualValues(t, len(buf), sum)
}

// TestS1EditorSave reproduces seed scenario S1 from spec.md §8 at the
// parsing layer: three records for one FRN in quick succession decode
// to three distinct events (coalescing is exercised separately in the
// coalescer package).
func TestS1EditorSave(t *testing.T) {
	frn := uint64(0x1234)
	a := encodeRecord(frn, 0, 1, 0, ReasonDataOverwrite, 0, "doc.txt")
	b := encodeRecord(frn, 0, 2, 0, ReasonDataTruncation, 0, "doc.txt")
	c := encodeRecord(frn, 0, 3, 0, ReasonClose, 0, "doc.txt")
	buf := append(append(a, b...), c...)

	events, err := ParseBatch(buf)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, ReasonDataOverwrite, events[0].ReasonRaw)
	assert.Equal(t, ReasonDataTruncation, events[1].ReasonRaw)
	assert.Equal(t, ReasonClose, events[2].ReasonRaw)
}

func TestFiletimeToUTC(t *testing.T) {
	// 2020-01-01 00:00:00 UTC in Windows FILETIME ticks.
	want := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	ticks := (want.Unix() + 11644473600) * 10000000
	got := filetimeToUTC(ticks)
	assert.True(t, got.Equal(want), "got %v want %v", got, want)
}

func TestDecodeReasons_UnknownBitsIgnored(t *testing.T) {
	mask := ReasonFileCreate | uint32(0x00000008) // bit 0x8 is unused
	toks := DecodeReasons(mask)
	assert.Equal(t, []string{"FILECREATE"}, toks)
}
