// Package coalescer collapses the burst of USN records the kernel
// emits for a single logical file operation into one merged event per
// FRN per quiet window, per spec.md §4.4.
package coalescer

import (
	"context"
	"sync"
	"time"

	"github.com/AlexSvobo/usn-watcher/internal/journal"
)

// MinWindow is the lower bound on the debounce window.
const MinWindow = 10 * time.Millisecond

// DefaultWindow is the default quiet window.
const DefaultWindow = 50 * time.Millisecond

// Sink receives flushed, merged events.
type Sink func(events []journal.Event)

// pendingSlot is one FRN's in-flight merge buffer. Each slot has its
// own lock (spec.md §5: "per-FRN fine-grained lock"); the outer table
// is guarded separately only for insert/delete of slots themselves.
type pendingSlot struct {
	mu       sync.Mutex
	event    journal.Event
	lastSeen time.Time
}

// Coalescer merges per-FRN USN records within a quiet window W and
// flushes them via a background worker.
type Coalescer struct {
	window time.Duration
	sink   Sink
	now    func() time.Time

	tableMu sync.Mutex
	table   map[uint64]*pendingSlot

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Coalescer with quiet window w (clamped to MinWindow)
// and starts its background flush worker.
func New(w time.Duration, sink Sink) *Coalescer {
	if w < MinWindow {
		w = MinWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coalescer{
		window: w,
		sink:   sink,
		now:    time.Now,
		table:  make(map[uint64]*pendingSlot),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.flushLoop(ctx)
	return c
}

// Add merges ev into the pending slot for its FRN, creating the slot if
// absent.
func (c *Coalescer) Add(ev journal.Event) {
	slot := c.slotFor(ev.FRN)

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.lastSeen.IsZero() {
		slot.event = ev
	} else {
		mergeInto(&slot.event, ev)
	}
	slot.lastSeen = c.now()
}

func (c *Coalescer) slotFor(frn uint64) *pendingSlot {
	c.tableMu.Lock()
	defer c.tableMu.Unlock()
	s, ok := c.table[frn]
	if !ok {
		s = &pendingSlot{}
		c.table[frn] = s
	}
	return s
}

// mergeInto applies the merge rule from spec.md §4.4: greatest USN,
// latest timestamp, union of reason tokens, OR of raw reason mask and
// attribute mask, most-recent non-empty filename/full-path, first
// non-empty OldPath, most-recent non-empty NewPath, sticky directory
// flag.
func mergeInto(dst *journal.Event, src journal.Event) {
	if src.USN > dst.USN {
		dst.USN = src.USN
	}
	if src.Timestamp.After(dst.Timestamp) {
		dst.Timestamp = src.Timestamp
	}
	dst.Reason = unionReasons(dst.Reason, src.Reason)
	dst.ReasonRaw |= src.ReasonRaw

	dst.AttributesRaw |= src.AttributesRaw
	dst.Attributes = journal.DecodeAttributes(dst.AttributesRaw)

	if src.FileName != "" {
		dst.FileName = src.FileName
	}
	if src.FullPath != "" {
		dst.FullPath = src.FullPath
	}
	if dst.OldPath == "" && src.OldPath != "" {
		dst.OldPath = src.OldPath
	}
	if src.NewPath != "" {
		dst.NewPath = src.NewPath
	}
	if src.IsDirectory {
		dst.IsDirectory = true
	}
	dst.FRN = src.FRN
	dst.ParentFRN = src.ParentFRN
}

func unionReasons(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, r := range b {
		if !containsString(out, r) {
			out = append(out, r)
		}
	}
	return out
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// flushLoop wakes every window and flushes slots quiet for at least
// window.
func (c *Coalescer) flushLoop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flushQuiet()
		}
	}
}

func (c *Coalescer) flushQuiet() {
	now := c.now()

	c.tableMu.Lock()
	frns := make([]uint64, 0, len(c.table))
	for frn := range c.table {
		frns = append(frns, frn)
	}
	c.tableMu.Unlock()

	var flushed []journal.Event
	for _, frn := range frns {
		c.tableMu.Lock()
		slot, ok := c.table[frn]
		c.tableMu.Unlock()
		if !ok {
			continue
		}

		slot.mu.Lock()
		if !slot.lastSeen.IsZero() && now.Sub(slot.lastSeen) >= c.window {
			ev := slot.event
			ev.Timestamp = now // flushed timestamp is flush time, not first-seen time.
			flushed = append(flushed, ev)
			slot.lastSeen = time.Time{}
			slot.event = journal.Event{}
			slot.mu.Unlock()

			c.tableMu.Lock()
			delete(c.table, frn)
			c.tableMu.Unlock()
			continue
		}
		slot.mu.Unlock()
	}

	if len(flushed) > 0 && c.sink != nil {
		c.sink(flushed)
	}
}

// FlushAll drains every pending slot unconditionally, used at shutdown.
func (c *Coalescer) FlushAll() {
	c.tableMu.Lock()
	frns := make([]uint64, 0, len(c.table))
	for frn := range c.table {
		frns = append(frns, frn)
	}
	c.tableMu.Unlock()

	now := c.now()
	var flushed []journal.Event
	for _, frn := range frns {
		c.tableMu.Lock()
		slot, ok := c.table[frn]
		if ok {
			delete(c.table, frn)
		}
		c.tableMu.Unlock()
		if !ok {
			continue
		}
		slot.mu.Lock()
		if !slot.lastSeen.IsZero() {
			ev := slot.event
			ev.Timestamp = now
			flushed = append(flushed, ev)
		}
		slot.mu.Unlock()
	}

	if len(flushed) > 0 && c.sink != nil {
		c.sink(flushed)
	}
}

// Dispose cancels the flush task and joins it within timeout.
func (c *Coalescer) Dispose(timeout time.Duration) {
	c.cancel()
	select {
	case <-c.done:
	case <-time.After(timeout):
	}
}

// Pending reports the number of FRNs currently buffered, for metrics.
func (c *Coalescer) Pending() int {
	c.tableMu.Lock()
	defer c.tableMu.Unlock()
	return len(c.table)
}
