// Package persist writes session snapshots to the document store off the
// synchronization path. Writes are debounced per document, never overlap
// for the same document, and are retried with exponential backoff.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"docsync-server/domain"
)

var ErrClosed = errors.New("persistence bridge closed")

type Snapshot struct {
	DocID   string
	Content string
	Version int64
}

// Result reports the outcome of writing a snapshot. Err is set when the
// retry budget was exhausted or the bridge shut down first.
type Result struct {
	DocID   string
	Version int64
	Err     error
}

type DoneFunc func(Result)

type Config struct {
	Debounce    time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	SaveTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = 10 * time.Second
	}
	return c
}

type docState struct {
	next    *Snapshot
	done    DoneFunc
	timer   *time.Timer
	writing bool
}

type Bridge struct {
	store domain.DocumentStore
	cfg   Config

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	docs   map[string]*docState
	closed bool
	wg     sync.WaitGroup
}

func New(store domain.DocumentStore, cfg Config) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		store:  store,
		cfg:    cfg.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
		docs:   make(map[string]*docState),
	}
}

// Schedule queues snap for a debounced write. A newer snapshot for the
// same document replaces an older one that has not been written yet, and
// only the newest done callback is invoked.
func (b *Bridge) Schedule(snap Snapshot, done DoneFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		go notify(done, Result{DocID: snap.DocID, Version: snap.Version, Err: ErrClosed})
		return
	}

	st := b.state(snap.DocID)
	st.next = &snap
	st.done = done
	if st.writing || st.timer != nil {
		return
	}
	docID := snap.DocID
	st.timer = time.AfterFunc(b.cfg.Debounce, func() { b.fire(docID) })
}

// Flush writes snap as soon as no other write for the document is in
// flight, skipping the debounce delay.
func (b *Bridge) Flush(snap Snapshot, done DoneFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		go notify(done, Result{DocID: snap.DocID, Version: snap.Version, Err: ErrClosed})
		return
	}

	st := b.state(snap.DocID)
	st.next = &snap
	st.done = done
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if !st.writing {
		b.startLocked(snap.DocID, st)
	}
}

// Pending returns the number of documents with a queued or running write.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.docs)
}

// Close starts every debounced write immediately and waits for all writes
// to finish. When ctx ends first, retries are abandoned.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for docID, st := range b.docs {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		if !st.writing && st.next != nil {
			b.startLocked(docID, st)
		}
	}
	b.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		<-finished
		return ctx.Err()
	}
}

func (b *Bridge) state(docID string) *docState {
	st, ok := b.docs[docID]
	if !ok {
		st = &docState{}
		b.docs[docID] = st
	}
	return st
}

func (b *Bridge) fire(docID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.docs[docID]
	if !ok || b.closed {
		return
	}
	st.timer = nil
	if st.writing || st.next == nil {
		return
	}
	b.startLocked(docID, st)
}

func (b *Bridge) startLocked(docID string, st *docState) {
	snap := *st.next
	done := st.done
	st.next = nil
	st.done = nil
	st.writing = true

	b.wg.Add(1)
	go b.write(docID, snap, done)
}

func (b *Bridge) write(docID string, snap Snapshot, done DoneFunc) {
	defer b.wg.Done()

	err := b.saveWithRetry(snap)
	if err != nil {
		slog.Error("persist failed", "docId", snap.DocID, "version", snap.Version, "error", err)
	} else {
		slog.Debug("persisted", "docId", snap.DocID, "version", snap.Version)
	}
	notify(done, Result{DocID: snap.DocID, Version: snap.Version, Err: err})

	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.docs[docID]
	st.writing = false
	switch {
	case st.next != nil && st.timer == nil:
		b.startLocked(docID, st)
	case st.next == nil && st.timer == nil:
		delete(b.docs, docID)
	}
}

func (b *Bridge) saveWithRetry(snap Snapshot) error {
	delay := b.cfg.BaseDelay
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(b.ctx, b.cfg.SaveTimeout)
		err := b.store.Save(ctx, snap.DocID, snap.Content, snap.Version)
		cancel()
		if err == nil {
			return nil
		}
		if attempt >= b.cfg.MaxAttempts {
			return fmt.Errorf("save after %d attempts: %w", attempt, err)
		}

		slog.Warn("persist attempt failed", "docId", snap.DocID, "version", snap.Version, "attempt", attempt, "retryIn", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-b.ctx.Done():
			return fmt.Errorf("save abandoned: %w", errors.Join(err, ErrClosed))
		}

		delay *= 2
		if delay > b.cfg.MaxDelay {
			delay = b.cfg.MaxDelay
		}
	}
}

func notify(done DoneFunc, r Result) {
	if done != nil {
		done(r)
	}
}
