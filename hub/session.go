package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"docsync-server/domain"
	"docsync-server/persist"
)

// Persister is the part of persist.Bridge a session needs.
type Persister interface {
	Schedule(snap persist.Snapshot, done persist.DoneFunc)
	Flush(snap persist.Snapshot, done persist.DoneFunc)
}

type request struct {
	fn    func()
	reply chan struct{}
}

// Info is a point-in-time copy of a session's state.
type Info struct {
	DocID            string
	Content          string
	Version          int64
	PersistedVersion int64
	Subscribers      int
	LastActivity     time.Time
}

// Session owns the state of one document. Every read and write of that
// state runs on the session's own goroutine, fed by an unbuffered mailbox.
type Session struct {
	id          string
	hub         *Hub
	store       domain.DocumentStore
	persister   Persister
	idleTimeout time.Duration
	loadTimeout time.Duration

	ops      chan request
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error

	subscriberCount atomic.Int64

	// Owned by run.
	content      string
	version      int64
	persisted    int64
	lastActivity time.Time
	subscribers  map[string]domain.Connection
	idle         *time.Timer
}

func newSession(h *Hub, docID string) *Session {
	return &Session{
		id:          docID,
		hub:         h,
		store:       h.store,
		persister:   h.persister,
		idleTimeout: h.cfg.IdleTimeout,
		loadTimeout: h.cfg.LoadTimeout,
		ops:         make(chan request),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		subscribers: make(map[string]domain.Connection),
	}
}

func (s *Session) Subscribers() int { return int(s.subscriberCount.Load()) }

// Join subscribes conn and queues the current snapshot to it as an init
// frame before returning.
func (s *Session) Join(ctx context.Context, conn domain.Connection) error {
	var sendErr error
	err := s.exec(ctx, func() {
		s.subscribers[conn.ID()] = conn
		s.subscriberCount.Store(int64(len(s.subscribers)))
		s.lastActivity = time.Now()

		data, err := encode(domain.TypeInit, s.id, s.content, s.version)
		if err == nil {
			err = conn.Send(data)
		}
		if err != nil {
			sendErr = err
			s.drop(conn)
			return
		}
		slog.Info("client joined", "docId", s.id, "clientId", conn.ID(), "userId", conn.UserID(), "version", s.version, "clients", len(s.subscribers))
	})
	if err != nil {
		return err
	}
	if sendErr != nil {
		return fmt.Errorf("send init: %w", sendErr)
	}
	return nil
}

// Update replaces the content, bumps the version, and broadcasts the new
// snapshot to every subscriber except conn. The last update processed wins.
func (s *Session) Update(ctx context.Context, conn domain.Connection, content string) (int64, error) {
	var version int64
	err := s.exec(ctx, func() {
		s.content = content
		s.version++
		s.lastActivity = time.Now()
		version = s.version

		s.broadcast(conn, content)
		s.persister.Schedule(s.snapshot(), s.onPersisted)
	})
	return version, err
}

func (s *Session) Leave(ctx context.Context, conn domain.Connection) error {
	return s.exec(ctx, func() {
		if _, ok := s.subscribers[conn.ID()]; !ok {
			return
		}
		s.remove(conn)
		slog.Info("client left", "docId", s.id, "clientId", conn.ID(), "clients", len(s.subscribers))
	})
}

func (s *Session) Info(ctx context.Context) (Info, error) {
	var info Info
	err := s.exec(ctx, func() {
		info = Info{
			DocID:            s.id,
			Content:          s.content,
			Version:          s.version,
			PersistedVersion: s.persisted,
			Subscribers:      len(s.subscribers),
			LastActivity:     s.lastActivity,
		}
	})
	return info, err
}

// Stop flushes unpersisted content to the persister, closes every
// subscriber and ends the session.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) exec(ctx context.Context, fn func()) error {
	req := request{fn: fn, reply: make(chan struct{})}
	select {
	case s.ops <- req:
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
	<-req.reply
	return nil
}

func (s *Session) run() {
	defer close(s.done)

	if err := s.load(); err != nil {
		slog.Error("session load failed", "docId", s.id, "error", err)
		s.err = fmt.Errorf("%w: %v", domain.ErrSessionUnavailable, err)
		s.hub.remove(s)
		return
	}

	s.lastActivity = time.Now()
	s.armIdle(s.idleTimeout)

	for {
		var idleC <-chan time.Time
		if s.idle != nil {
			idleC = s.idle.C
		}

		select {
		case req := <-s.ops:
			req.fn()
			close(req.reply)
			s.updateIdle()

		case <-idleC:
			s.idle = nil
			if s.onIdle() {
				s.err = domain.ErrSessionClosed
				return
			}

		case <-s.stop:
			s.disarmIdle()
			if s.persisted < s.version {
				s.persister.Flush(s.snapshot(), nil)
			}
			for id, conn := range s.subscribers {
				delete(s.subscribers, id)
				go conn.Close()
			}
			s.subscriberCount.Store(0)
			s.hub.remove(s)
			s.err = domain.ErrSessionClosed
			return
		}
	}
}

func (s *Session) load() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.loadTimeout)
	defer cancel()

	doc, err := s.store.Load(ctx, s.id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	s.content = doc.Content
	s.version = doc.Version
	s.persisted = doc.Version
	return nil
}

// onIdle reports whether the session was evicted.
func (s *Session) onIdle() bool {
	if len(s.subscribers) > 0 {
		return false
	}
	if wait := s.idleTimeout - time.Since(s.lastActivity); wait > 0 {
		s.armIdle(wait)
		return false
	}
	if s.persisted < s.version {
		slog.Warn("session idle with unflushed writes", "docId", s.id, "version", s.version, "persistedVersion", s.persisted)
		s.persister.Flush(s.snapshot(), s.onPersisted)
		s.armIdle(s.idleTimeout)
		return false
	}
	s.hub.remove(s)
	slog.Info("session evicted", "docId", s.id, "version", s.version)
	return true
}

func (s *Session) updateIdle() {
	if len(s.subscribers) > 0 {
		s.disarmIdle()
		return
	}
	if s.idle == nil {
		s.armIdle(s.idleTimeout)
	}
}

func (s *Session) armIdle(d time.Duration) {
	s.disarmIdle()
	s.idle = time.NewTimer(d)
}

func (s *Session) disarmIdle() {
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
}

func (s *Session) broadcast(sender domain.Connection, content string) {
	if len(s.subscribers) == 0 {
		return
	}
	data, err := encode(domain.TypeUpdate, s.id, content, s.version)
	if err != nil {
		slog.Warn("marshal error", "docId", s.id, "error", err)
		return
	}

	for id, conn := range s.subscribers {
		if sender != nil && id == sender.ID() {
			continue
		}
		if err := conn.Send(data); err != nil {
			slog.Warn("delivery failed, dropping subscriber", "docId", s.id, "clientId", id, "error", err)
			s.drop(conn)
		}
	}
}

// drop removes a subscriber that can no longer be written to.
func (s *Session) drop(conn domain.Connection) {
	s.remove(conn)
	go conn.Close()
}

func (s *Session) remove(conn domain.Connection) {
	delete(s.subscribers, conn.ID())
	s.subscriberCount.Store(int64(len(s.subscribers)))
	if len(s.subscribers) > 0 {
		return
	}
	s.lastActivity = time.Now()
	if s.persisted < s.version {
		s.persister.Flush(s.snapshot(), s.onPersisted)
	}
}

func (s *Session) snapshot() persist.Snapshot {
	return persist.Snapshot{DocID: s.id, Content: s.content, Version: s.version}
}

// onPersisted runs on a bridge goroutine and hands the result back to the
// session loop.
func (s *Session) onPersisted(r persist.Result) {
	if r.Err != nil {
		return
	}
	err := s.exec(context.Background(), func() {
		if r.Version > s.persisted {
			s.persisted = r.Version
		}
	})
	if err != nil {
		slog.Debug("persist result after session end", "docId", s.id, "version", r.Version)
	}
}

func encode(typ, docID, content string, version int64) ([]byte, error) {
	return json.Marshal(domain.Message{
		Type:    typ,
		DocID:   docID,
		Content: &content,
		Version: &version,
	})
}
