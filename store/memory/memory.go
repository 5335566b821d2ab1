// Package memory holds in-process implementations of the document store
// and permission oracle. Nothing survives a restart.
package memory

import (
	"context"
	"sync"

	"docsync-server/domain"
)

type Store struct {
	docs map[string]domain.Document
	mu   sync.RWMutex
}

func New() *Store {
	return &Store{docs: make(map[string]domain.Document)}
}

func (s *Store) Load(_ context.Context, docID string) (domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[docID]
	if !ok {
		return domain.Document{}, domain.ErrNotFound
	}
	return doc, nil
}

// Save keeps the highest version seen for docID.
func (s *Store) Save(_ context.Context, docID, content string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.docs[docID]; ok && cur.Version > version {
		return nil
	}
	s.docs[docID] = domain.Document{Content: content, Version: version}
	return nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

type Permissions struct {
	fallback domain.Access
	owners   map[string]string
	grants   map[string]map[string]domain.Access
	mu       sync.RWMutex
}

// NewPermissions returns an oracle that answers fallback for any user
// without an explicit grant.
func NewPermissions(fallback domain.Access) *Permissions {
	return &Permissions{
		fallback: fallback,
		owners:   make(map[string]string),
		grants:   make(map[string]map[string]domain.Access),
	}
}

func (p *Permissions) SetOwner(docID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.owners[docID] = userID
}

func (p *Permissions) Grant(docID, userID string, access domain.Access) {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.grants[docID]
	if !ok {
		g = make(map[string]domain.Access)
		p.grants[docID] = g
	}
	g[userID] = access
}

func (p *Permissions) Access(_ context.Context, userID, docID string) (domain.Access, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if owner, ok := p.owners[docID]; ok && owner == userID {
		return domain.AccessEdit, nil
	}
	if a, ok := p.grants[docID][userID]; ok {
		return a, nil
	}
	return p.fallback, nil
}
