package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"docsync-server/domain"
)

// joinAttempts bounds how often Join retries when it races an eviction.
const joinAttempts = 3

type Config struct {
	IdleTimeout time.Duration
	LoadTimeout time.Duration
}

// Hub is the session registry: one live Session per document id.
type Hub struct {
	store     domain.DocumentStore
	persister Persister
	cfg       Config

	sessions map[string]*Session
	closed   bool
	mu       sync.Mutex
}

func New(store domain.DocumentStore, persister Persister, cfg Config) *Hub {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 10 * time.Second
	}
	return &Hub{
		store:     store,
		persister: persister,
		cfg:       cfg,
		sessions:  make(map[string]*Session),
	}
}

// GetOrCreate returns the live session for docID, starting one if needed.
// A new session loads its content on its own goroutine, so the registry
// lock is never held across a store call. After Shutdown it fails with
// domain.ErrSessionClosed.
func (h *Hub) GetOrCreate(docID string) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, domain.ErrSessionClosed
	}
	if s, ok := h.sessions[docID]; ok {
		return s, nil
	}
	s := newSession(h, docID)
	h.sessions[docID] = s
	go s.run()

	slog.Info("session created", "docId", docID, "sessions", len(h.sessions))
	return s, nil
}

// Get returns the live session for docID or nil.
func (h *Hub) Get(docID string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[docID]
}

func (h *Hub) Join(ctx context.Context, conn domain.Connection, docID string) error {
	var err error
	for i := 0; i < joinAttempts; i++ {
		var s *Session
		s, err = h.GetOrCreate(docID)
		if err != nil {
			return err
		}
		err = s.Join(ctx, conn)
		if !errors.Is(err, domain.ErrSessionClosed) {
			return err
		}
	}
	return err
}

// Update applies content to the live session for docID. Updates for a
// document without a live session are not applied and report
// domain.ErrUnknownSession.
func (h *Hub) Update(ctx context.Context, conn domain.Connection, docID, content string) error {
	s := h.Get(docID)
	if s == nil {
		return domain.ErrUnknownSession
	}
	_, err := s.Update(ctx, conn, content)
	if errors.Is(err, domain.ErrSessionClosed) || errors.Is(err, domain.ErrSessionUnavailable) {
		return domain.ErrUnknownSession
	}
	return err
}

func (h *Hub) Leave(ctx context.Context, conn domain.Connection, docID string) error {
	s := h.Get(docID)
	if s == nil {
		return nil
	}
	err := s.Leave(ctx, conn)
	if errors.Is(err, domain.ErrSessionClosed) || errors.Is(err, domain.ErrSessionUnavailable) {
		return nil
	}
	return err
}

func (h *Hub) Stats() (sessions, subscribers int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessions = len(h.sessions)
	for _, s := range h.sessions {
		subscribers += s.Subscribers()
	}
	return sessions, subscribers
}

// Shutdown stops every session, handing unflushed content to the persister
// and closing its subscribers. No session can be created afterwards.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	slog.Info("sessions stopped", "count", len(sessions))
	return errors.Join(errs...)
}

// remove drops s from the registry if it is still the live session for
// its document.
func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.sessions[s.id]; ok && cur == s {
		delete(h.sessions, s.id)
	}
}
