package ws

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/rtsrep/internal/core/observability/log"
	"github.com/zeusync/rtsrep/internal/core/replication/config"
)

// Hub accepts replication clients over HTTP upgrade and routes Send calls
// to their connections.
type Hub struct {
	config   config.Transport
	logger   log.Log
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]*Connection
	closed bool

	onConnect    func(id string) error
	onDisconnect func(id string)
	onMessage    func(id string, data []byte)
}

func NewHub(cfg config.Transport, logger log.Log) *Hub {
	return &Hub{
		config: cfg,
		logger: log.OrNop(logger).With(log.String("component", "ws_hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns: make(map[string]*Connection),
	}
}

// OnConnect runs after a client is registered and can already receive.
// Returning an error drops the client.
func (h *Hub) OnConnect(fn func(id string) error) { h.onConnect = fn }

func (h *Hub) OnDisconnect(fn func(id string)) { h.onDisconnect = fn }

// OnMessage receives client-to-server messages.
func (h *Hub) OnMessage(fn func(id string, data []byte)) { h.onMessage = fn }

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, ErrHubClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", log.Error(err))
		return
	}
	c := newConnection(uuid.NewString(), raw, h.config)

	h.mu.Lock()
	h.conns[c.ID()] = c
	h.mu.Unlock()
	go c.writeLoop()

	h.logger.Debug("client attached",
		log.String("client", c.ID()),
		log.String("remote", c.RemoteAddr().String()),
	)
	if h.onConnect != nil {
		if err := h.onConnect(c.ID()); err != nil {
			h.logger.Warn("client rejected", log.String("client", c.ID()), log.Error(err))
			h.drop(c, "rejected")
			return
		}
	}
	h.readLoop(c)
}

func (h *Hub) readLoop(c *Connection) {
	defer h.drop(c, "read loop ended")
	for {
		data, err := c.Receive()
		if err != nil {
			if !websocket.IsCloseError(errors.Cause(err), websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.IsClosed() {
				h.logger.Debug("client read failed", log.String("client", c.ID()), log.Error(err))
			}
			return
		}
		if h.onMessage != nil {
			h.onMessage(c.ID(), data)
		}
	}
}

func (h *Hub) drop(c *Connection, reason string) {
	h.mu.Lock()
	_, ok := h.conns[c.ID()]
	delete(h.conns, c.ID())
	h.mu.Unlock()
	_ = c.CloseWithReason(reason)
	if ok && h.onDisconnect != nil {
		h.onDisconnect(c.ID())
	}
}

// Send queues data for the client.
func (h *Hub) Send(id string, data []byte) error {
	h.mu.RLock()
	c, ok := h.conns[id]
	h.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrUnknownClient, "client %s", id)
	}
	if err := c.Enqueue(data); err != nil {
		return errors.Wrapf(err, "client %s", id)
	}
	return nil
}

// Clients returns connected client ids in order.
func (h *Hub) Clients() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.drain(time.Second)
		_ = c.CloseWithReason("server shutting down")
	}
	return nil
}
