package domain

import (
	"context"
	"errors"
)

const (
	TypeJoin   = "join"
	TypeUpdate = "update"
	TypeLeave  = "leave"
	TypeInit   = "init"
)

// Message is the single JSON frame shape used in both directions.
// Content is a pointer so an empty document can be told apart from a
// missing field.
type Message struct {
	Type    string  `json:"type"`
	DocID   string  `json:"docId,omitempty"`
	Content *string `json:"content,omitempty"`
	Version *int64  `json:"version,omitempty"`
}

var (
	ErrNotFound           = errors.New("document not found")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrSessionClosed      = errors.New("session closed")
	ErrSessionUnavailable = errors.New("session unavailable")
	ErrUnknownSession     = errors.New("no active session")
)

type Access int

const (
	AccessNone Access = iota
	AccessRead
	AccessComment
	AccessEdit
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "READ"
	case AccessComment:
		return "COMMENT"
	case AccessEdit:
		return "EDIT"
	default:
		return "NONE"
	}
}

func (a Access) CanRead() bool  { return a >= AccessRead }
func (a Access) CanWrite() bool { return a == AccessEdit }

// ParseAccess maps the stored permission names to an Access level.
// Unknown names map to AccessNone.
func ParseAccess(s string) Access {
	switch s {
	case "READ":
		return AccessRead
	case "COMMENT":
		return AccessComment
	case "EDIT", "OWNER":
		return AccessEdit
	default:
		return AccessNone
	}
}

// Subscription is the document a connection currently follows. The zero
// value means "not subscribed".
type Subscription struct {
	DocID  string
	Access Access
}

type Connection interface {
	ID() string
	UserID() string
	Send(data []byte) error
	Close() error
	Subscription() Subscription
	SetSubscription(sub Subscription)
}

// SessionRegistry routes connection operations to document sessions.
type SessionRegistry interface {
	Join(ctx context.Context, conn Connection, docID string) error
	Update(ctx context.Context, conn Connection, docID, content string) error
	Leave(ctx context.Context, conn Connection, docID string) error
	Stats() (sessions, subscribers int)
}

type MessageHandler interface {
	Handle(ctx context.Context, conn Connection, data []byte)
	Disconnect(ctx context.Context, conn Connection)
}

type Document struct {
	Content string
	Version int64
}

type DocumentStore interface {
	// Load returns ErrNotFound when nothing has been saved for docID.
	Load(ctx context.Context, docID string) (Document, error)
	// Save must ignore versions older than the stored one and be
	// idempotent for a repeated (docID, content, version).
	Save(ctx context.Context, docID, content string, version int64) error
}

type PermissionOracle interface {
	Access(ctx context.Context, userID, docID string) (Access, error)
}

// CanAccess reports whether userID may at least read docID.
func CanAccess(ctx context.Context, o PermissionOracle, userID, docID string) bool {
	a, err := o.Access(ctx, userID, docID)
	return err == nil && a.CanRead()
}

type Identity struct {
	UserID string
	Email  string
}

type IdentityProvider interface {
	Verify(ctx context.Context, token string) (Identity, error)
}
