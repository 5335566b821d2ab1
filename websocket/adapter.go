package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"docsync-server/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultSendQueueSize  = 256
	defaultMaxMessageSize = 1 << 20
)

var (
	ErrClosed        = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")
)

type Options struct {
	SendQueueSize  int
	MaxMessageSize int64
}

type Conn struct {
	id             string
	userID         string
	ws             *websocket.Conn
	send           chan []byte
	quit           chan struct{}
	handler        domain.MessageHandler
	maxMessageSize int64

	mu        sync.Mutex
	sub       domain.Subscription
	closed    bool
	closeOnce sync.Once
}

func NewConn(id, userID string, ws *websocket.Conn, h domain.MessageHandler, opts Options) *Conn {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = defaultSendQueueSize
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	return &Conn{
		id:             id,
		userID:         userID,
		ws:             ws,
		send:           make(chan []byte, opts.SendQueueSize),
		quit:           make(chan struct{}),
		handler:        h,
		maxMessageSize: opts.MaxMessageSize,
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

func (c *Conn) Subscription() domain.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

func (c *Conn) SetSubscription(sub domain.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sub = sub
}

// Send queues data for the write pump without blocking. A full queue means
// the peer is not keeping up; the frame is dropped and the connection is
// closed.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
		return nil
	default:
	}
	c.mu.Unlock()

	slog.Warn("send queue full, closing", "clientId", c.id)
	c.Close()
	return ErrSendQueueFull
}

// Close sends a normal-closure frame and closes the socket. It is safe to
// call more than once and from any goroutine.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.quit)
		c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) Start(ctx context.Context) {
	go c.writePump()
	go c.readPump(ctx)
}

func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		c.handler.Disconnect(context.WithoutCancel(ctx), c)
		c.Close()
	}()

	c.ws.SetReadLimit(c.maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				slog.Error("read error", "clientId", c.id, "error", err)
			}
			return
		}

		c.handler.Handle(ctx, c, data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.quit:
			return
		}
	}
}
