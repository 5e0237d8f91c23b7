package pathresolver

import (
	"github.com/sirupsen/logrus"
)

// rootFRN and nullFRN bound the parent-chain walk: FRN 5 is NTFS's
// well-known root directory, and FRN 0 marks "no parent" for records
// MFTEnumerator could not resolve.
const (
	rootFRN = 5
	nullFRN = 0

	// maxParentHops bounds the walk so a cycle introduced by a corrupt
	// volume (or the root's self-reference) cannot loop forever.
	maxParentHops = 1024
)

// mftEntry is one (name, parent) pair as enumerated from the MFT.
type mftEntry struct {
	Name      string
	ParentFRN uint64
}

// MFTEnumerator is the seam between the parent-chain walk in this file
// (platform-independent, unit-testable) and the actual
// FSCTL_ENUM_USN_DATA loop in populate_windows.go.
type MFTEnumerator interface {
	// Enumerate calls emit once per live file/directory record found on
	// the volume. Permission and IO errors for a single entry are the
	// enumerator's own concern to skip; Enumerate itself only returns
	// an error for a failure that aborts the whole scan.
	Enumerate(emit func(frn uint64, entry mftEntry)) error
}

// ProgressSink receives coarse progress updates during Populate, so a
// caller can report scan progress without Populate depending on any
// particular UI. The orchestrator passes nil and reports no progress.
type ProgressSink func(entriesSeen int)

// Populate performs a full MFT enumeration, builds an absolute path for
// every live entry by walking its parent chain, and merges the result
// into the resolver's live map. It is designed to run on a background
// goroutine while the main loop processes live events concurrently:
// the MFT is read into a local staging map first, and only the final
// merge (resolver.merge) takes the resolver's lock.
//
// Permission and IO errors for any single entry are ignored by the
// enumerator; Populate itself only fails if the enumeration could not
// start at all.
func (r *Resolver) Populate(enum MFTEnumerator, progress ProgressSink, log logrus.FieldLogger) error {
	raw := make(map[uint64]mftEntry)
	seen := 0

	err := enum.Enumerate(func(frn uint64, entry mftEntry) {
		raw[frn] = entry
		seen++
		if progress != nil && seen%4096 == 0 {
			progress(seen)
		}
	})
	if err != nil {
		return err
	}
	if progress != nil {
		progress(seen)
	}

	resolved := make(map[uint64]string, len(raw))
	for frn := range raw {
		path, ok := buildPath(r.letter, frn, raw)
		if !ok {
			continue
		}
		resolved[frn] = path
	}

	r.merge(resolved)
	log.WithField("entries", len(resolved)).Info("FRN cache populated from MFT")
	return nil
}

// buildPath walks frn's parent chain up to the volume root, bounded by
// maxParentHops to defeat cycles from corruption or the root's
// self-reference, and returns the absolute path prefixed with
// "<letter>:\".
func buildPath(letter string, frn uint64, raw map[uint64]mftEntry) (string, bool) {
	type seg struct{ name string }
	var segs []seg

	cur := frn
	for hop := 0; hop < maxParentHops; hop++ {
		entry, ok := raw[cur]
		if !ok {
			return "", false
		}
		segs = append(segs, seg{entry.Name})
		if entry.ParentFRN == rootFRN || entry.ParentFRN == nullFRN {
			break
		}
		if entry.ParentFRN == cur {
			// Self-referencing parent; treat as root to avoid looping.
			break
		}
		cur = entry.ParentFRN
	}

	path := letter + `:\`
	for i := len(segs) - 1; i >= 0; i-- {
		if i != len(segs)-1 {
			path += `\`
		}
		path += segs[i].name
	}
	return path, true
}
