package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"unicode"
	"unicode/utf8"

	"docsync-server/domain"
)

const maxDocIDLength = 256

type Handler struct {
	sessions domain.SessionRegistry
	perms    domain.PermissionOracle
}

func NewHandler(s domain.SessionRegistry, p domain.PermissionOracle) *Handler {
	return &Handler{sessions: s, perms: p}
}

func (h *Handler) Handle(ctx context.Context, conn domain.Connection, data []byte) {
	msg, err := Decode(data)
	if err != nil {
		slog.Warn("invalid message", "clientId", conn.ID(), "error", err)
		return
	}

	switch msg.Type {
	case domain.TypeJoin:
		h.join(ctx, conn, msg.DocID)
	case domain.TypeUpdate:
		h.update(ctx, conn, msg.DocID, *msg.Content)
	case domain.TypeLeave:
		h.leave(ctx, conn, msg.DocID)
	}
}

// Disconnect releases whatever the connection was subscribed to.
func (h *Handler) Disconnect(ctx context.Context, conn domain.Connection) {
	sub := conn.Subscription()
	if sub.DocID == "" {
		return
	}
	if err := h.sessions.Leave(ctx, conn, sub.DocID); err != nil {
		slog.Warn("leave on disconnect failed", "clientId", conn.ID(), "docId", sub.DocID, "error", err)
	}
	conn.SetSubscription(domain.Subscription{})
}

func (h *Handler) join(ctx context.Context, conn domain.Connection, docID string) {
	access, err := h.perms.Access(ctx, conn.UserID(), docID)
	if err != nil {
		slog.Error("permission check failed", "clientId", conn.ID(), "userId", conn.UserID(), "docId", docID, "error", err)
		return
	}
	if !access.CanRead() {
		slog.Warn("join denied", "clientId", conn.ID(), "userId", conn.UserID(), "docId", docID)
		return
	}

	if cur := conn.Subscription(); cur.DocID != "" && cur.DocID != docID {
		if err := h.sessions.Leave(ctx, conn, cur.DocID); err != nil {
			slog.Warn("leave failed", "clientId", conn.ID(), "docId", cur.DocID, "error", err)
		}
		conn.SetSubscription(domain.Subscription{})
	}

	err = h.sessions.Join(ctx, conn, docID)
	switch {
	case errors.Is(err, domain.ErrSessionClosed):
		slog.Info("join refused, registry closed", "clientId", conn.ID(), "docId", docID)
		conn.Close()
		return
	case err != nil:
		slog.Error("join failed", "clientId", conn.ID(), "docId", docID, "error", err)
		return
	}
	conn.SetSubscription(domain.Subscription{DocID: docID, Access: access})
}

func (h *Handler) update(ctx context.Context, conn domain.Connection, docID, content string) {
	access := domain.AccessNone
	if sub := conn.Subscription(); sub.DocID == docID {
		access = sub.Access
	} else {
		a, err := h.perms.Access(ctx, conn.UserID(), docID)
		if err != nil {
			slog.Error("permission check failed", "clientId", conn.ID(), "userId", conn.UserID(), "docId", docID, "error", err)
			return
		}
		access = a
	}
	if !access.CanWrite() {
		slog.Warn("update denied", "clientId", conn.ID(), "userId", conn.UserID(), "docId", docID, "access", access)
		return
	}

	err := h.sessions.Update(ctx, conn, docID, content)
	switch {
	case errors.Is(err, domain.ErrUnknownSession):
		slog.Debug("update for inactive document ignored", "clientId", conn.ID(), "docId", docID)
	case err != nil:
		slog.Warn("update failed", "clientId", conn.ID(), "docId", docID, "error", err)
	}
}

func (h *Handler) leave(ctx context.Context, conn domain.Connection, docID string) {
	if conn.Subscription().DocID != docID {
		return
	}
	if err := h.sessions.Leave(ctx, conn, docID); err != nil {
		slog.Warn("leave failed", "clientId", conn.ID(), "docId", docID, "error", err)
	}
	conn.SetSubscription(domain.Subscription{})
}

// Decode parses and validates one inbound frame. Only join, update and
// leave are accepted.
func Decode(data []byte) (domain.Message, error) {
	var msg domain.Message
	if !utf8.Valid(data) {
		return msg, fmt.Errorf("%w: frame is not valid UTF-8", domain.ErrInvalidMessage)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}

	switch msg.Type {
	case domain.TypeJoin, domain.TypeLeave:
	case domain.TypeUpdate:
		if msg.Content == nil {
			return msg, fmt.Errorf("%w: update without content", domain.ErrInvalidMessage)
		}
	default:
		return msg, fmt.Errorf("%w: unknown type %q", domain.ErrInvalidMessage, msg.Type)
	}

	if err := validateDocID(msg.DocID); err != nil {
		return msg, err
	}
	return msg, nil
}

func validateDocID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: missing docId", domain.ErrInvalidMessage)
	case len(id) > maxDocIDLength:
		return fmt.Errorf("%w: docId longer than %d bytes", domain.ErrInvalidMessage, maxDocIDLength)
	case !utf8.ValidString(id):
		return fmt.Errorf("%w: docId is not valid UTF-8", domain.ErrInvalidMessage)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: docId contains control characters", domain.ErrInvalidMessage)
		}
	}
	return nil
}
