package ws

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/rtsrep/internal/core/replication/config"
)

// Client is the dialing side of a replication connection. Incoming
// messages are delivered on Messages until the connection ends.
type Client struct {
	conn     *Connection
	messages chan []byte

	mu  sync.Mutex
	err error
}

// Dial connects to url and starts reading.
func Dial(ctx context.Context, url string, cfg config.Transport) (*Client, error) {
	raw, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	c := &Client{
		conn:     newConnection(url, raw, cfg),
		messages: make(chan []byte, max(cfg.SendBuffer, 1)),
	}
	go c.conn.writeLoop()
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.messages)
	for {
		data, err := c.conn.Receive()
		if err != nil {
			if !c.conn.IsClosed() {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}
		select {
		case c.messages <- data:
		case <-c.conn.done:
			return
		}
	}
}

func (c *Client) Messages() <-chan []byte { return c.messages }

// Err returns why reading stopped, or nil after a local Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send queues data for the server.
func (c *Client) Send(data []byte) error {
	return c.conn.Enqueue(data)
}

func (c *Client) Close() error {
	return c.conn.Close()
}
