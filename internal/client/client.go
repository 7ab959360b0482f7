// Package client runs the receiving side of replication: it applies server
// messages to local mirrors and reconciles a local world against them.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zeusync/rtsrep/internal/core/events/bus"
	"github.com/zeusync/rtsrep/internal/core/models"
	"github.com/zeusync/rtsrep/internal/core/observability/log"
	"github.com/zeusync/rtsrep/internal/core/protocol"
	"github.com/zeusync/rtsrep/internal/core/replication/bubble"
	"github.com/zeusync/rtsrep/internal/core/replication/config"
	"github.com/zeusync/rtsrep/internal/core/replication/netdriver"
	"github.com/zeusync/rtsrep/internal/core/replication/reconcile"
	"github.com/zeusync/rtsrep/internal/core/replication/registry"
	"github.com/zeusync/rtsrep/internal/core/replication/session"
	"github.com/zeusync/rtsrep/internal/core/world"
)

// Source yields encoded server messages. Messages is closed when the
// source ends, after which Err reports why.
type Source interface {
	Messages() <-chan []byte
	Err() error
}

type Client struct {
	cfg     *config.Config
	logger  log.Log
	session *session.Session

	local      *world.LocalWorld
	registry   *registry.Mirror
	bubble     *bubble.Mirror
	receiver   *netdriver.Receiver
	reconciler *reconcile.Reconciler

	mu            sync.Mutex
	serverSession string
	last          reconcile.Stats
	closed        bool
}

func New(cfg *config.Config, logger log.Log, events bus.EventBus, local *world.LocalWorld, codec *protocol.Codec, now time.Time) *Client {
	sess := session.New(session.RoleClient, cfg, logger, events, now)
	regMirror := registry.NewMirror()
	bubMirror := bubble.NewMirror(reconcile.TransformFeed(sess.Transforms, cfg.Units()))
	receiver := netdriver.NewReceiver(sess, codec, regMirror, bubMirror)

	locate := func() (reconcile.RegistryView, bool) {
		m, ok := receiver.Registry()
		if !ok {
			return nil, false
		}
		return m, true
	}

	return &Client{
		cfg:        cfg,
		logger:     sess.Logger.With(log.String("component", "client")),
		session:    sess,
		local:      local,
		registry:   regMirror,
		bubble:     bubMirror,
		receiver:   receiver,
		reconciler: reconcile.New(sess, local, local, locate, bubMirror),
	}
}

func (c *Client) Session() *session.Session { return c.session }

func (c *Client) World() *world.LocalWorld { return c.local }

// Handle applies one server message. A hello from a new server session
// drops queued reconciliation work.
func (c *Client) Handle(data []byte, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}

	err := c.receiver.Handle(data, now)
	if h, ok := c.receiver.Hello(); ok && h.Session != c.serverSession {
		if c.serverSession != "" {
			c.reconciler.Reset()
		}
		c.logger.Info("joined server session",
			log.String("server_session", h.Session),
			log.Float64("update_hz", h.UpdateHz),
		)
		c.serverSession = h.Session
	}
	return err
}

// Tick runs one reconciliation pass.
func (c *Client) Tick(now time.Time) reconcile.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return reconcile.Stats{}
	}
	st := c.reconciler.Tick(now)
	if st.Ran {
		c.last = st
	}
	return st
}

// Stats returns the last pass that ran.
func (c *Client) Stats() reconcile.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Run applies messages from src and ticks at the update rate until the
// server says goodbye, src ends or ctx is done.
func (c *Client) Run(ctx context.Context, src Source) error {
	ticker := time.NewTicker(c.cfg.TickInterval())
	defer ticker.Stop()

	msgs := src.Messages()
	for {
		select {
		case data, ok := <-msgs:
			if !ok {
				if err := src.Err(); err != nil {
					return err
				}
				return ErrSourceClosed
			}
			err := c.Handle(data, time.Now())
			switch {
			case errors.Is(err, netdriver.ErrSessionClosed):
				return nil
			case err != nil:
				c.logger.Warn("message rejected", log.Error(err))
			}
		case now := <-ticker.C:
			st := c.Tick(now)
			if st.Pending > 0 {
				c.logger.Debug("reconciliation deferred",
					log.Int("pending", st.Pending),
					log.Int("budget", st.Budget),
				)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) RequestLink(key models.OwnerKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconciler.RequestLink(key)
}

func (c *Client) RequestUnlink(id models.NetID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconciler.RequestUnlink(id)
}

// LatestTransform returns the newest replicated transform for id.
func (c *Client) LatestTransform(id models.NetID) (models.Transform, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconciler.LatestTransform(id)
}

// Close stops accepting messages and clears session caches.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.reconciler.Reset()
	c.session.Teardown()
}
