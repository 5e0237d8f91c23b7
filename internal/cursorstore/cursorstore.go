// Package cursorstore durably persists the last-emitted USN and
// journal ID so the daemon can resume across restarts without losing
// or duplicating events, per spec.md §4.5.
package cursorstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const fileName = "cursor.json"

// Record is the persisted cursor document.
type Record struct {
	Volume    string    `json:"volume"`
	JournalID uint64    `json:"-"`
	NextUSN   int64     `json:"nextUsn"`
	SavedAt   time.Time `json:"savedAt"`
}

// wireRecord mirrors Record's JSON shape, with JournalID formatted as
// "0x<16 hex>" per spec.md §3/§6.
type wireRecord struct {
	Volume    string `json:"volume"`
	JournalID string `json:"journalId"`
	NextUSN   int64  `json:"nextUsn"`
	SavedAt   string `json:"savedAt"`
}

// Store persists cursor records under a per-user application-data
// directory. All IO is best-effort: a failure to save or load makes
// the daemon start from the live tail (with no gap notice) rather than
// fail, per spec.md §7.
type Store struct {
	dir string
	log logrus.FieldLogger
}

// New creates a Store rooted at dir (typically
// filepath.Join(os.UserConfigDir(), "usn-watcher")).
func New(dir string, log logrus.FieldLogger) *Store {
	return &Store{dir: dir, log: log}
}

func (s *Store) path() string { return filepath.Join(s.dir, fileName) }

// Save writes the cursor document as JSON, best-effort. Failures are
// logged and swallowed.
func (s *Store) Save(volume string, journalID uint64, nextUSN int64) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.log.WithError(err).Warn("could not create cursor directory")
		return
	}

	rec := wireRecord{
		Volume:    volume,
		JournalID: fmt.Sprintf("0x%016x", journalID),
		NextUSN:   nextUSN,
		SavedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		s.log.WithError(err).Warn("could not marshal cursor record")
		return
	}

	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.log.WithError(err).Warn("could not write cursor file")
		return
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		s.log.WithError(err).Warn("could not finalize cursor file")
	}
}

// Load reads and parses the cursor document if present. It returns
// ok=false if the file is missing, the volume does not match, or
// parsing fails — every case is best-effort per spec.md §4.5.
func (s *Store) Load(volume string) (rec Record, ok bool) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		return Record{}, false
	}

	var wire wireRecord
	if err := json.Unmarshal(data, &wire); err != nil {
		s.log.WithError(err).Warn("could not parse cursor file")
		return Record{}, false
	}
	if !strings.EqualFold(wire.Volume, volume) {
		return Record{}, false
	}

	journalID, err := parseHex(wire.JournalID)
	if err != nil {
		s.log.WithError(err).Warn("could not parse cursor journal ID")
		return Record{}, false
	}

	savedAt, err := time.Parse(time.RFC3339Nano, wire.SavedAt)
	if err != nil {
		savedAt = time.Time{}
	}

	return Record{
		Volume:    wire.Volume,
		JournalID: journalID,
		NextUSN:   wire.NextUSN,
		SavedAt:   savedAt,
	}, true
}

func parseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}
