// Package orchestrator wires the journal reader, path resolver,
// coalescer and cursor store into the single poll loop described in
// spec.md §4/§5: read a batch, maintain the FRN map, coalesce, emit
// NDJSON, and persist a resumable cursor on a fixed interval and at
// shutdown.
package orchestrator

import (
	"context"
	"io"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/AlexSvobo/usn-watcher/internal/coalescer"
	"github.com/AlexSvobo/usn-watcher/internal/cursorstore"
	"github.com/AlexSvobo/usn-watcher/internal/filterexpr"
	"github.com/AlexSvobo/usn-watcher/internal/journal"
	"github.com/AlexSvobo/usn-watcher/internal/metrics"
	"github.com/AlexSvobo/usn-watcher/internal/pathresolver"
	"github.com/AlexSvobo/usn-watcher/internal/usnerrors"
)

// CursorSaveInterval is how often the running cursor is persisted to
// disk, per spec.md §4.5.
const CursorSaveInterval = 30 * time.Second

// maxConsecutiveIOFailures bounds the backoff retry loop; reaching it
// is treated as a fatal error rather than retried forever.
const maxConsecutiveIOFailures = 8

// Config bundles everything the orchestrator needs beyond its
// injected collaborators.
type Config struct {
	Volume       string
	PollInterval time.Duration
	Window       time.Duration
	NoPopulate   bool
	StateDir     string
	Filter       filterexpr.Predicate
	FilterLog    bool
	Out          io.Writer
	PipeSink     func([]byte)
	Metrics      *metrics.Metrics
	Log          logrus.FieldLogger
}

// Orchestrator owns one volume's watch lifecycle.
type Orchestrator struct {
	cfg      Config
	reader   *journal.Reader
	resolver *pathresolver.Resolver
	cursors  *cursorstore.Store
	emit     *emitter
	enum     pathresolver.MFTEnumerator

	eventsEmitted int
	batchesRead   int
}

// New builds an Orchestrator around an already-opened DeviceIOCTL.
// enum may be nil, in which case startup MFT population is skipped
// regardless of cfg.NoPopulate.
func New(cfg Config, ioctl journal.DeviceIOCTL, enum pathresolver.MFTEnumerator) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Filter == nil {
		cfg.Filter = filterexpr.All
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}

	return &Orchestrator{
		cfg:      cfg,
		reader:   journal.NewReader(ioctl),
		resolver: pathresolver.New(cfg.Volume),
		cursors:  cursorstore.New(cfg.StateDir, cfg.Log),
		emit:     newEmitter(cfg.Out, cfg.PipeSink),
		enum:     enum,
	}
}

// Run performs startup cursor recovery, optionally populates the FRN
// cache in the background, then polls until ctx is cancelled. Once
// startup has succeeded, it always attempts a final flush and
// cursor/cache save before returning, even when the poll loop returns
// an error; a startup error is returned without saving anything.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.startup(); err != nil {
		return err
	}

	if !o.cfg.NoPopulate && o.enum != nil {
		o.resolver.TryLoadCache(o.cfg.StateDir, o.cfg.Log)
		go func() {
			if err := o.resolver.Populate(o.enum, nil, o.cfg.Log); err != nil {
				o.cfg.Log.WithError(err).Warn("MFT population failed")
			}
		}()
	}

	co := coalescer.New(o.cfg.Window, o.flush)
	defer func() {
		co.FlushAll()
		co.Dispose(500 * time.Millisecond)
		o.persist()
	}()

	pollTicker := time.NewTicker(o.cfg.PollInterval)
	defer pollTicker.Stop()
	saveTicker := time.NewTicker(CursorSaveInterval)
	defer saveTicker.Stop()

	bo := &backoff.Backoff{Min: o.cfg.PollInterval, Max: 5 * time.Second, Factor: 2, Jitter: true}
	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-saveTicker.C:
			o.persist()

		case <-pollTicker.C:
			beforeCursor := o.reader.Cursor()
			events, err := o.reader.ReadBatch(journal.DefaultReasonMask)
			o.batchesRead++
			if o.cfg.Metrics != nil {
				o.cfg.Metrics.BatchesRead.Inc()
			}

			if err != nil {
				if errors.Is(err, usnerrors.ErrWrapped) {
					o.emit.Gap(beforeCursor, o.reader.Cursor())
					if o.cfg.Metrics != nil {
						o.cfg.Metrics.JournalGaps.Inc()
					}
					consecutiveFailures = 0
					continue
				}
				if errors.Is(err, usnerrors.ErrCorruptBatch) {
					o.cfg.Log.WithError(err).Warn("discarding malformed tail of USN batch")
				} else {
					consecutiveFailures++
					o.cfg.Log.WithError(err).WithField("attempt", consecutiveFailures).Warn("journal read failed")
					if consecutiveFailures >= maxConsecutiveIOFailures {
						return errors.Wrap(err, "too many consecutive journal read failures")
					}
					time.Sleep(bo.Duration())
					continue
				}
			} else {
				consecutiveFailures = 0
				bo.Reset()
			}

			for i := range events {
				o.ingest(&events[i], co)
			}
		}
	}
}

// ingest applies path-map bookkeeping and the active filter to a
// freshly parsed event before handing it to the coalescer.
func (o *Orchestrator) ingest(ev *journal.Event, co *coalescer.Coalescer) {
	if ev.IsDelete() {
		// Resolve first so the event still carries the deleted path, then
		// evict the FRN, including any mapping Resolve just synthesized.
		o.resolver.Resolve(ev)
		o.resolver.Update(ev)
	} else {
		o.resolver.Update(ev)
		if ev.FullPath == "" {
			o.resolver.Resolve(ev)
		}
	}
	if !o.cfg.Filter(ev) {
		if o.cfg.FilterLog {
			o.cfg.Log.WithFields(logrus.Fields{"frn": ev.FRN, "reason": ev.Reason}).Debug("event dropped by filter")
		}
		return
	}
	co.Add(*ev)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.CoalescerPending.Set(float64(co.Pending()))
	}
}

// flush is the coalescer's Sink: it serializes each merged event to
// NDJSON on stdout and the pipe broadcaster.
func (o *Orchestrator) flush(events []journal.Event) {
	for _, ev := range events {
		if err := o.emit.Event(ev); err != nil {
			o.cfg.Log.WithError(err).Error("failed to write event")
			continue
		}
		o.eventsEmitted++
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.EventsEmitted.Inc()
		}
	}
}

// startup recovers the last persisted cursor, if any, reconciling it
// against the live journal's first/next USN and ID per spec.md §4.5:
// resumed, wrapped (gap), or journal-recreated (cursor reset).
func (o *Orchestrator) startup() error {
	rec, ok := o.cursors.Load(o.cfg.Volume)
	if !ok {
		_, err := o.reader.Initialize()
		return err
	}

	outcome, meta, err := o.reader.SetCursor(rec.NextUSN)
	if err != nil {
		return err
	}

	if meta.JournalID != rec.JournalID {
		if _, err := o.reader.Initialize(); err != nil {
			return err
		}
		o.emit.CursorReset()
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.JournalResets.Inc()
		}
		return nil
	}

	if outcome == journal.Wrapped {
		o.emit.Gap(rec.NextUSN, meta.FirstUSN)
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.JournalGaps.Inc()
		}
	}
	return nil
}

func (o *Orchestrator) persist() {
	o.cursors.Save(o.cfg.Volume, o.reader.JournalID(), o.reader.Cursor())
	o.resolver.SaveCache(o.cfg.StateDir, o.cfg.Log)
}

// Counts reports lifetime totals for the shutdown summary.
func (o *Orchestrator) Counts() (batchesRead, eventsEmitted int) {
	return o.batchesRead, o.eventsEmitted
}
