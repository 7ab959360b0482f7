// Package ws carries replication messages over WebSocket binary frames.
package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/rtsrep/internal/core/replication/config"
)

// controlWait bounds writes of ping and pong frames.
const controlWait = time.Second

// Connection wraps one WebSocket. Writes go through a buffered queue drained
// by a single writer goroutine; reads happen on the caller's goroutine.
// With a read timeout set, the writer also pings the peer so listen-only
// sides stay alive, and every ping or pong pushes the read deadline out.
type Connection struct {
	id     string
	conn   *websocket.Conn
	config config.Transport
	send   chan []byte
	done   chan struct{}
	closed int32
	once   sync.Once

	connectedAt  time.Time
	lastActivity int64

	messagesSent     uint64
	messagesReceived uint64
	bytesSent        uint64
	bytesReceived    uint64
}

func newConnection(id string, conn *websocket.Conn, cfg config.Transport) *Connection {
	now := time.Now()
	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	buf := cfg.SendBuffer
	if buf <= 0 {
		buf = 1
	}
	c := &Connection{
		id:           id,
		conn:         conn,
		config:       cfg,
		send:         make(chan []byte, buf),
		done:         make(chan struct{}),
		connectedAt:  now,
		lastActivity: now.Unix(),
	}
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		c.touch()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(controlWait))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || errors.As(err, &netErr) {
			return nil
		}
		return err
	})
	return c
}

// PingInterval is how often the writer pings the peer, or zero when the
// connection has no read timeout. Half the timeout leaves room for one
// late pong.
func (c *Connection) PingInterval() time.Duration {
	return c.config.ReadTimeout / 2
}

// touch records peer activity and extends the read deadline.
func (c *Connection) touch() {
	now := time.Now()
	if c.config.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(now.Add(c.config.ReadTimeout))
	}
	atomic.StoreInt64(&c.lastActivity, now.Unix())
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Enqueue queues data for the writer. A full queue closes the connection:
// a client that cannot keep up is resynced after it reconnects.
func (c *Connection) Enqueue(data []byte) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		_ = c.CloseWithReason("send buffer full")
		return ErrSendBufferFull
	}
}

func (c *Connection) writeLoop() {
	var ping <-chan time.Time
	if interval := c.PingInterval(); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				_ = c.CloseWithReason("write failed")
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWait)); err != nil {
				_ = c.CloseWithReason("ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) write(data []byte) error {
	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	atomic.AddUint64(&c.messagesSent, 1)
	atomic.AddUint64(&c.bytesSent, uint64(len(data)))
	atomic.StoreInt64(&c.lastActivity, time.Now().Unix())
	return nil
}

// Receive blocks for the next binary message.
func (c *Connection) Receive() ([]byte, error) {
	if c.IsClosed() {
		return nil, ErrConnectionClosed
	}
	c.touch()
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read message")
	}
	if messageType != websocket.BinaryMessage {
		return nil, errors.Wrapf(ErrUnsupportedMessage, "type %d", messageType)
	}
	atomic.AddUint64(&c.messagesReceived, 1)
	atomic.AddUint64(&c.bytesReceived, uint64(len(data)))
	atomic.StoreInt64(&c.lastActivity, time.Now().Unix())
	return data, nil
}

func (c *Connection) IsClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(atomic.LoadInt64(&c.lastActivity), 0)
}

// Stats returns message and byte counters.
func (c *Connection) Stats() (sent, received, bytesSent, bytesReceived uint64) {
	return atomic.LoadUint64(&c.messagesSent), atomic.LoadUint64(&c.messagesReceived),
		atomic.LoadUint64(&c.bytesSent), atomic.LoadUint64(&c.bytesReceived)
}

// drain waits for queued messages to be picked up by the writer, giving
// up after timeout.
func (c *Connection) drain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for len(c.send) > 0 && !c.IsClosed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

func (c *Connection) Close() error {
	return c.CloseWithReason("connection closed")
}

// CloseWithReason sends a close frame and closes the socket. Later calls
// are no-ops.
func (c *Connection) CloseWithReason(reason string) error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	var err error
	c.once.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
