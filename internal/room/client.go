package room

import (
	"sync"

	"github.com/google/uuid"
)

// Client is one attached session. The room writes frames into its send
// buffer; the transport drains Send and watches Closed.
type Client struct {
	id   string
	send chan []byte

	closeOnce   sync.Once
	closed      chan struct{}
	closeCode   int
	closeReason string
}

// NewClient returns a client with a send buffer of size buffer. An empty
// id gets a random one.
func NewClient(id string, buffer int) *Client {
	if id == "" {
		id = uuid.NewString()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		id:     id,
		send:   make(chan []byte, buffer),
		closed: make(chan struct{}),
	}
}

// ID identifies the client in awareness frames.
func (c *Client) ID() string { return c.id }

// Send delivers frames for the client. It is never closed; watch Closed.
func (c *Client) Send() <-chan []byte { return c.send }

// Closed is closed when the room dropped the client.
func (c *Client) Closed() <-chan struct{} { return c.closed }

// CloseReason returns the close code and reason once Closed is closed.
func (c *Client) CloseReason() (int, string) {
	select {
	case <-c.closed:
		return c.closeCode, c.closeReason
	default:
		return 0, ""
	}
}

// enqueue hands msg to the client without blocking. It reports false when
// the buffer is full or the client is gone.
func (c *Client) enqueue(msg []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closed)
	})
}
