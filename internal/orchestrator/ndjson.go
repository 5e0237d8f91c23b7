package orchestrator

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/AlexSvobo/usn-watcher/internal/journal"
)

// eventMessage is the wire shape of a single emitted event, per
// spec.md §6. FileReferenceNumber and ParentReferenceNumber are
// hex-formatted for the same reason the cursor file formats JournalID
// that way: they are opaque 64-bit identifiers, not arithmetic
// quantities. ReasonRaw stays a number, per the schema.
type eventMessage struct {
	USN                   int64    `json:"usn"`
	Timestamp             string   `json:"timestamp"`
	FileReferenceNumber   string   `json:"fileReferenceNumber"`
	ParentReferenceNumber string   `json:"parentReferenceNumber"`
	FileName              string   `json:"fileName"`
	FullPath              string   `json:"fullPath,omitempty"`
	OldPath               string   `json:"oldPath,omitempty"`
	NewPath               string   `json:"newPath,omitempty"`
	Reason                []string `json:"reason"`
	ReasonRaw             uint32   `json:"reasonRaw"`
	IsDirectory           bool     `json:"isDirectory"`
	Attributes            []string `json:"attributes,omitempty"`
}

// gapMessage and cursorResetMessage are the two control-message
// envelopes from spec.md §6, emitted verbatim as their own NDJSON
// lines interleaved with events.
type gapMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
	From   int64  `json:"from"`
	To     int64  `json:"to"`
}

type cursorResetMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func toEventMessage(ev journal.Event) eventMessage {
	return eventMessage{
		USN:                   ev.USN,
		Timestamp:             ev.Timestamp.UTC().Format(time.RFC3339Nano),
		FileReferenceNumber:   fmt.Sprintf("0x%016x", ev.FRN),
		ParentReferenceNumber: fmt.Sprintf("0x%016x", ev.ParentFRN),
		FileName:              ev.FileName,
		FullPath:              ev.FullPath,
		OldPath:               ev.OldPath,
		NewPath:               ev.NewPath,
		Reason:                ev.Reason,
		ReasonRaw:             ev.ReasonRaw,
		IsDirectory:           ev.IsDirectory,
		Attributes:            ev.Attributes,
	}
}

// emitter is the narrow NDJSON sink: stdout (always) and the pipe
// broadcaster (when enabled). Writes to out are serialized so
// interleaved control lines from the main loop and event lines from
// the coalescer's flush worker never tear a line in half.
type emitter struct {
	mu       sync.Mutex
	out      io.Writer
	pipeSink func([]byte)
}

func newEmitter(out io.Writer, pipeSink func([]byte)) *emitter {
	return &emitter{out: out, pipeSink: pipeSink}
}

func (e *emitter) writeLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	e.mu.Lock()
	_, err = e.out.Write(data)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if e.pipeSink != nil {
		e.pipeSink(data)
	}
	return nil
}

func (e *emitter) Event(ev journal.Event) error {
	return e.writeLine(toEventMessage(ev))
}

// Gap emits the journal_wrapped control message: from is the stale
// stored cursor, to is where the reader repositioned.
func (e *emitter) Gap(from, to int64) error {
	return e.writeLine(gapMessage{Type: "GAP", Reason: "journal_wrapped", From: from, To: to})
}

// CursorReset emits the journal_recreated control message.
func (e *emitter) CursorReset() error {
	return e.writeLine(cursorResetMessage{Type: "CURSOR_RESET", Reason: "journal_recreated"})
}
