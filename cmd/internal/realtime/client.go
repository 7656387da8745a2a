package realtime

import (
	"sync"
)

// Client is one authenticated websocket connection on a hub.
//
// Send is never closed by the server so concurrent broadcasters cannot panic.
// done stops the connection goroutines; evict asks the writer to flush what is
// queued and then close the socket.
type Client struct {
	ID        string
	Hub       string
	UserID    string
	SessionID string
	Send      chan Envelope

	done      chan struct{}
	closeOnce sync.Once

	evict       chan struct{}
	evictOnce   sync.Once
	evictReason string
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(id, hub, userID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ID:        id,
		Hub:       hub,
		UserID:    userID,
		SessionID: sessionID,
		Send:      make(chan Envelope, sendQueueSize),
		done:      make(chan struct{}),
		evict:     make(chan struct{}),
	}
}

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Evict asks the connection to close with reason after flushing queued frames.
func (c *Client) Evict(reason string) {
	if c == nil {
		return
	}
	c.evictOnce.Do(func() {
		c.evictReason = reason
		close(c.evict)
	})
}

// Offer queues env without blocking. It reports false when the queue is full
// or the client is gone.
func (c *Client) Offer(env Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
