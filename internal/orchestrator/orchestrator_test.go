package orchestrator

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexSvobo/usn-watcher/internal/journal"
)

// fakeIOCTL scripts a sequence of journal reads without a real volume.
type fakeIOCTL struct {
	meta    journal.Metadata
	batches map[int64][]byte
	next    map[int64]int64
}

func (f *fakeIOCTL) QueryJournal() (journal.Metadata, error) { return f.meta, nil }

func (f *fakeIOCTL) ReadJournal(startUSN int64, journalID uint64, reasonMask uint32) (int64, []byte, error) {
	payload, ok := f.batches[startUSN]
	if !ok {
		return startUSN, nil, nil
	}
	return f.next[startUSN], payload, nil
}

func encodeRecord(frn, parentFRN uint64, usn int64, reason, attrs uint32, name string) []byte {
	u16 := utf16.Encode([]rune(name))
	nameBytes := make([]byte, len(u16)*2)
	for i, c := range u16 {
		binary.LittleEndian.PutUint16(nameBytes[i*2:], c)
	}
	const prefix = 60
	total := prefix + len(nameBytes)
	padded := total
	if rem := total % 8; rem != 0 {
		padded += 8 - rem
	}
	buf := make([]byte, padded)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(padded))
	binary.LittleEndian.PutUint16(buf[4:6], 2)
	binary.LittleEndian.PutUint64(buf[8:16], frn)
	binary.LittleEndian.PutUint64(buf[16:24], parentFRN)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(usn))
	binary.LittleEndian.PutUint32(buf[40:44], reason)
	binary.LittleEndian.PutUint32(buf[52:56], attrs)
	binary.LittleEndian.PutUint16(buf[56:58], uint16(len(nameBytes)))
	binary.LittleEndian.PutUint16(buf[58:60], prefix)
	copy(buf[prefix:], nameBytes)
	return buf
}

func newTestConfig(out *bytes.Buffer, stateDir string) Config {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return Config{
		Volume:       "C",
		PollInterval: 10 * time.Millisecond,
		Window:       15 * time.Millisecond,
		NoPopulate:   true,
		StateDir:     stateDir,
		Out:          out,
		Log:          log,
	}
}

func TestOrchestrator_EmitsCreateEventAsNDJSON(t *testing.T) {
	rec := encodeRecord(1, 5, 10, journal.ReasonFileCreate, 0, "a.txt")
	ioctl := &fakeIOCTL{
		meta:    journal.Metadata{JournalID: 1, FirstUSN: 0, NextUSN: 0},
		batches: map[int64][]byte{0: rec},
		next:    map[int64]int64{0: 100},
	}

	var out bytes.Buffer
	dir := t.TempDir()
	o := New(newTestConfig(&out, dir), ioctl, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	require.NoError(t, o.Run(ctx))

	line := strings.TrimSpace(out.String())
	require.NotEmpty(t, line)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &msg))
	assert.NotContains(t, msg, "type")
	assert.Equal(t, "a.txt", msg["fileName"])
	assert.Contains(t, msg["reason"], "FILECREATE")
	assert.Equal(t, "0x0000000000000001", msg["fileReferenceNumber"])
	assert.Equal(t, "0x0000000000000005", msg["parentReferenceNumber"])
	reasonRaw, ok := msg["reasonRaw"].(float64)
	require.True(t, ok, "reasonRaw must be a JSON number")
	assert.Equal(t, float64(journal.ReasonFileCreate), reasonRaw)

	batches, events := o.Counts()
	assert.Greater(t, batches, 0)
	assert.Equal(t, 1, events)
}

func TestOrchestrator_WrappedCursorEmitsGap(t *testing.T) {
	ioctl := &fakeIOCTL{meta: journal.Metadata{JournalID: 9, FirstUSN: 500, NextUSN: 500}}

	dir := t.TempDir()
	store := func() string { return dir }()
	cursorPath := filepath.Join(store, "cursor.json")
	require.NoError(t, os.WriteFile(cursorPath, []byte(`{"volume":"C","journalId":"0x0000000000000009","nextUsn":100,"savedAt":"2020-01-01T00:00:00Z"}`), 0o644))

	var out bytes.Buffer
	o := New(newTestConfig(&out, dir), ioctl, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, o.Run(ctx))

	line := strings.SplitN(strings.TrimSpace(out.String()), "\n", 2)[0]
	assert.JSONEq(t, `{"type":"GAP","reason":"journal_wrapped","from":100,"to":500}`, line)
}

func TestOrchestrator_JournalRecreatedEmitsCursorReset(t *testing.T) {
	ioctl := &fakeIOCTL{meta: journal.Metadata{JournalID: 42, FirstUSN: 0, NextUSN: 0}}

	dir := t.TempDir()
	cursorPath := filepath.Join(dir, "cursor.json")
	require.NoError(t, os.WriteFile(cursorPath, []byte(`{"volume":"C","journalId":"0x0000000000000009","nextUsn":10,"savedAt":"2020-01-01T00:00:00Z"}`), 0o644))

	var out bytes.Buffer
	o := New(newTestConfig(&out, dir), ioctl, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, o.Run(ctx))

	line := strings.SplitN(strings.TrimSpace(out.String()), "\n", 2)[0]
	assert.JSONEq(t, `{"type":"CURSOR_RESET","reason":"journal_recreated"}`, line)
}

func TestOrchestrator_FilterSuppressesNonMatchingEvents(t *testing.T) {
	rec := encodeRecord(1, 5, 10, journal.ReasonFileDelete, 0, "a.txt")
	ioctl := &fakeIOCTL{
		meta:    journal.Metadata{JournalID: 1, FirstUSN: 0, NextUSN: 0},
		batches: map[int64][]byte{0: rec},
		next:    map[int64]int64{0: 100},
	}

	var out bytes.Buffer
	dir := t.TempDir()
	cfg := newTestConfig(&out, dir)
	cfg.Filter = func(ev *journal.Event) bool { return !ev.IsDelete() }
	o := New(cfg, ioctl, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	require.NoError(t, o.Run(ctx))

	assert.Empty(t, strings.TrimSpace(out.String()))
}

func TestOrchestrator_PersistsCursorOnShutdown(t *testing.T) {
	rec := encodeRecord(1, 5, 10, journal.ReasonFileCreate, 0, "a.txt")
	ioctl := &fakeIOCTL{
		meta:    journal.Metadata{JournalID: 3, FirstUSN: 0, NextUSN: 0},
		batches: map[int64][]byte{0: rec},
		next:    map[int64]int64{0: 100},
	}

	var out bytes.Buffer
	dir := t.TempDir()
	o := New(newTestConfig(&out, dir), ioctl, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	require.NoError(t, o.Run(ctx))

	data, err := os.ReadFile(filepath.Join(dir, "cursor.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"volume":"C"`)
}
