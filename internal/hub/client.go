package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

const (
	// sendBuffer is the per-client outbound queue depth. Fan-out drops
	// frames for a client whose buffer is full rather than stall the room.
	sendBuffer = 64

	writeTimeout      = 10 * time.Second
	heartbeatInterval = 30 * time.Second

	// Inbound frame budget per connection. A client exceeding it has its
	// excess frames dropped, not its connection closed.
	inboundRate  = 20
	inboundBurst = 40
)

// Client wraps one WebSocket connection feeding a room hub. Outbound
// traffic flows through the buffered send channel drained by WritePump;
// inbound frames are rate-limited and handed to the hub by ReadPump.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	session *Session
	send    chan []byte
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewClient creates a client for an accepted connection. The context
// should be the server's lifetime context, not the upgrade request's,
// since the connection outlives the HTTP handler.
func NewClient(h *Hub, conn *websocket.Conn, ctx context.Context) *Client {
	cctx, cancel := context.WithCancel(ctx)
	return &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(rate.Limit(inboundRate), inboundBurst),
		ctx:     cctx,
		cancel:  cancel,
	}
}

// trySend queues an outbound frame without blocking. Called only from
// the room actor, which also owns channel close, so a send after close
// cannot happen.
func (c *Client) trySend(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close releases the client exactly once: the send channel is closed so
// WritePump drains and exits, and the context cancel unblocks ReadPump.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.send)
		c.cancel()
	})
}

// ReadPump reads frames from the connection and hands them to the hub
// until the connection errors or the client context is cancelled. It
// triggers disconnect handling on exit.
func (c *Client) ReadPump() {
	defer c.hub.Disconnect(c.session)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			slog.Debug("inbound frame dropped by rate limit", "session", c.session.ID)
			continue
		}
		c.hub.HandleFrame(c.session, data)
	}
}

// WritePump drains the send channel onto the connection. It exits when
// the channel is closed (normal teardown) or a write fails.
func (c *Client) WritePump() {
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			wctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.hub.Disconnect(c.session)
				return
			}
		case <-c.ctx.Done():
			c.conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
	}
}

// HeartbeatLoop pings the peer at a fixed interval so that dead
// connections surface as transport errors instead of lingering.
func (c *Client) HeartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				c.hub.Disconnect(c.session)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
