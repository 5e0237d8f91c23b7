// Package pipebroadcast implements the named-pipe fanout surface from
// spec.md §6: a per-volume local pipe named usn-watcher-<LETTER>,
// message-mode, broadcasting the same NDJSON lines written to stdout
// to any number of best-effort subscribers.
package pipebroadcast

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// WriteTimeout bounds how long Broadcast waits on a single slow
// subscriber before evicting it, per spec.md §5/§6.
const WriteTimeout = 500 * time.Millisecond

type subscriber struct {
	id   string
	conn net.Conn
}

// Broadcaster accepts connections on a net.Listener (a named pipe in
// production, anything implementing net.Listener in tests) and
// fans out NDJSON lines to every connected subscriber.
type Broadcaster struct {
	listener net.Listener
	log      logrus.FieldLogger
	onCount  func(int)

	mu   sync.Mutex
	subs map[string]*subscriber

	wg     sync.WaitGroup
	closed bool
}

// New wraps an already-listening net.Listener. onCount, if non-nil, is
// invoked whenever the subscriber count changes (for metrics).
func New(l net.Listener, log logrus.FieldLogger, onCount func(int)) *Broadcaster {
	return &Broadcaster{listener: l, log: log, subs: make(map[string]*subscriber), onCount: onCount}
}

// Serve runs the accept loop until the listener is closed. It returns
// nil when that closure was expected (i.e. Close was called).
func (b *Broadcaster) Serve() error {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		b.addSubscriber(conn)
	}
}

func (b *Broadcaster) addSubscriber(conn net.Conn) {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs[id] = &subscriber{id: id, conn: conn}
	count := len(b.subs)
	b.mu.Unlock()

	b.log.WithField("subscriber", id).Info("pipe subscriber connected")
	if b.onCount != nil {
		b.onCount(count)
	}

	// Subscribers are write-only fanout targets; drain any inbound
	// bytes so the OS pipe buffer never backs up, and treat EOF/error
	// as disconnect.
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		r := bufio.NewReader(conn)
		buf := make([]byte, 4096)
		for {
			if _, err := r.Read(buf); err != nil {
				b.evict(id)
				return
			}
		}
	}()
}

func (b *Broadcaster) evict(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	count := len(b.subs)
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.conn.Close()
	b.log.WithField("subscriber", id).Info("pipe subscriber evicted")
	if b.onCount != nil {
		b.onCount(count)
	}
}

// Broadcast writes line (expected to already end in "\n") to every
// connected subscriber. The subscriber list is snapshotted under the
// lock and all writes happen outside it, so Broadcast never holds the
// lock across IO. A subscriber whose write errors or exceeds
// WriteTimeout is evicted.
func (b *Broadcaster) Broadcast(line []byte) {
	b.mu.Lock()
	snapshot := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		snapshot = append(snapshot, s)
	}
	b.mu.Unlock()

	for _, s := range snapshot {
		s.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
		if _, err := s.conn.Write(line); err != nil {
			b.evict(s.id)
		}
	}
}

// Count reports the current number of connected subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes the listener and every subscriber connection, then
// waits (best-effort) for reader goroutines to notice.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.conn.Close()
	}
	err := b.listener.Close()

	done := make(chan struct{})
	go func() { b.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
	}

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
