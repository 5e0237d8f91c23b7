// Package pathresolver maintains the volume-wide FRN→absolute-path map
// described in spec.md §4.3: bootstrapped by an MFT enumeration, kept
// current by observing create/rename/delete events, and consulted to
// fill in Event.FullPath.
package pathresolver

import (
	"sync"

	"github.com/AlexSvobo/usn-watcher/internal/journal"
)

// Resolver owns the FRN→path map and the pending-rename table. Both are
// guarded by a single mutex with short critical sections, per spec.md
// §5, so populate's background MFT scan blocks concurrent
// Resolve/Update calls only while it merges its staged results.
type Resolver struct {
	mu      sync.Mutex
	paths   map[uint64]string
	pending map[uint64]string // FRN -> prior absolute path, from RENAMEOLDNAME
	letter  string
}

// New creates a resolver for the given drive letter. The map starts
// empty; callers typically follow with TryLoadCache and/or Populate.
func New(letter string) *Resolver {
	return &Resolver{
		paths:   make(map[uint64]string),
		pending: make(map[uint64]string),
		letter:  letter,
	}
}

// Len reports the number of FRNs currently mapped.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

// Lookup returns the mapped path for frn, if any.
func (r *Resolver) Lookup(frn uint64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.paths[frn]
	return p, ok
}

// Resolve fills ev.FullPath from the map if ev.FRN is present.
// Otherwise, if ev.ParentFRN is present, it synthesizes
// parentPath + "\" + filename, writes that synthesized mapping back
// into the map (invariant I4), and reports success. Otherwise it
// reports failure; the event is still emitted with FullPath unset.
func (r *Resolver) Resolve(ev *journal.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.paths[ev.FRN]; ok {
		ev.FullPath = p
		return true
	}

	if parentPath, ok := r.paths[ev.ParentFRN]; ok {
		synthesized := joinPath(parentPath, ev.FileName)
		r.paths[ev.FRN] = synthesized
		ev.FullPath = synthesized
		return true
	}

	return false
}

// Update keeps the map in sync with a single observed event, per the
// state machine in spec.md §4.3:
//
//   - Delete: remove ev.FRN from the map (invariant I2).
//   - Rename-old-name: stash the FRN's current (or synthesized) path in
//     the pending-rename table so the matching rename-new-name can
//     populate OldPath.
//   - Rename-new-name: compute the new path from parent+filename (or
//     filename alone if the parent is unknown), consume any pending old
//     path into ev.OldPath, set ev.FullPath and ev.NewPath, and replace
//     the map entry for this FRN (invariant I3).
//   - Create: if the parent is known, insert parentPath+filename and set
//     ev.FullPath.
func (r *Resolver) Update(ev *journal.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case ev.IsDelete():
		delete(r.paths, ev.FRN)

	case ev.IsRenameOld():
		if p, ok := r.paths[ev.FRN]; ok {
			r.pending[ev.FRN] = p
		} else if parentPath, ok := r.paths[ev.ParentFRN]; ok {
			r.pending[ev.FRN] = joinPath(parentPath, ev.FileName)
		}

	case ev.IsRenameNew():
		var newPath string
		if parentPath, ok := r.paths[ev.ParentFRN]; ok {
			newPath = joinPath(parentPath, ev.FileName)
		} else {
			newPath = ev.FileName
		}
		if old, ok := r.pending[ev.FRN]; ok {
			ev.OldPath = old
			delete(r.pending, ev.FRN)
		}
		ev.FullPath = newPath
		ev.NewPath = newPath
		r.paths[ev.FRN] = newPath

	case ev.IsCreate():
		if parentPath, ok := r.paths[ev.ParentFRN]; ok {
			full := joinPath(parentPath, ev.FileName)
			r.paths[ev.FRN] = full
			ev.FullPath = full
		}
	}
}

// merge applies a staged FRN→path map computed outside the lock (e.g.
// by Populate's MFT walk) under a single short critical section,
// preferring entries already present in the live map (they reflect
// events observed since the scan started) over the staged snapshot.
func (r *Resolver) merge(staged map[uint64]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for frn, p := range staged {
		if _, exists := r.paths[frn]; !exists {
			r.paths[frn] = p
		}
	}
}

// snapshot returns a copy of the current map, for cache persistence.
func (r *Resolver) snapshot() map[uint64]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint64]string, len(r.paths))
	for k, v := range r.paths {
		out[k] = v
	}
	return out
}

// seed installs an initial map, used by TryLoadCache.
func (r *Resolver) seed(m map[uint64]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range m {
		r.paths[k] = v
	}
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	if parent[len(parent)-1] == '\\' {
		return parent + name
	}
	return parent + `\` + name
}
