package pathresolver

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// cacheMaxAge is the freshness window from spec.md §4.3: a snapshot
// older than this is treated as stale and ignored.
const cacheMaxAge = 24 * time.Hour

// cacheFileName returns "cache-<LETTER>.bin" per spec.md §6.
func cacheFileName(letter string) string {
	return "cache-" + letter + ".bin"
}

// encodeCache writes the length-prefixed binary format from spec.md
// §4.3: a 32-bit count, followed by count pairs of (64-bit FRN,
// length-prefixed UTF-8 path).
func encodeCache(w io.Writer, m map[uint64]string) error {
	bw := bufio.NewWriter(w)
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(m)))
	if _, err := bw.Write(countBuf[:]); err != nil {
		return err
	}
	var frnBuf [8]byte
	var lenBuf [4]byte
	for frn, path := range m {
		binary.LittleEndian.PutUint64(frnBuf[:], frn)
		if _, err := bw.Write(frnBuf[:]); err != nil {
			return err
		}
		pathBytes := []byte(path)
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(pathBytes)))
		if _, err := bw.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := bw.Write(pathBytes); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// decodeCache parses the format encodeCache writes.
func decodeCache(r io.Reader) (map[uint64]string, error) {
	br := bufio.NewReader(r)

	var countBuf [4]byte
	if _, err := io.ReadFull(br, countBuf[:]); err != nil {
		return nil, errors.Wrap(err, "reading cache count")
	}
	count := binary.LittleEndian.Uint32(countBuf[:])

	out := make(map[uint64]string, count)
	var frnBuf [8]byte
	var lenBuf [4]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(br, frnBuf[:]); err != nil {
			return nil, errors.Wrap(err, "reading cache entry FRN")
		}
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			return nil, errors.Wrap(err, "reading cache entry path length")
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		pathBytes := make([]byte, n)
		if _, err := io.ReadFull(br, pathBytes); err != nil {
			return nil, errors.Wrap(err, "reading cache entry path")
		}
		out[binary.LittleEndian.Uint64(frnBuf[:])] = string(pathBytes)
	}
	return out, nil
}

// TryLoadCache loads a previously persisted FRN→path snapshot for this
// volume from dir if present and younger than 24 hours. A corrupt file
// is deleted. It reports whether a fresh snapshot was loaded.
func (r *Resolver) TryLoadCache(dir string, log logrus.FieldLogger) bool {
	path := filepath.Join(dir, cacheFileName(r.letter))

	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	if time.Since(fi.ModTime()) > cacheMaxAge {
		return false
	}

	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	m, err := decodeCache(f)
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("corrupt FRN cache, deleting")
		os.Remove(path)
		return false
	}

	r.seed(m)
	return true
}

// SaveCache writes the current map to dir, best-effort: IO errors are
// logged and swallowed, matching spec.md §4.3/§7 ("cache... paths are
// all best-effort").
func (r *Resolver) SaveCache(dir string, log logrus.FieldLogger) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.WithError(err).Warn("could not create cache directory")
		return
	}
	path := filepath.Join(dir, cacheFileName(r.letter))
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		log.WithError(err).Warn("could not create FRN cache file")
		return
	}

	snap := r.snapshot()
	if err := encodeCache(f, snap); err != nil {
		f.Close()
		os.Remove(tmp)
		log.WithError(err).Warn("could not write FRN cache file")
		return
	}
	if err := f.Close(); err != nil {
		log.WithError(err).Warn("could not close FRN cache file")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.WithError(err).Warn("could not finalize FRN cache file")
	}
}
