package client

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/rtsrep/internal/core/models"
	"github.com/zeusync/rtsrep/internal/core/protocol"
	"github.com/zeusync/rtsrep/internal/core/replication/config"
	"github.com/zeusync/rtsrep/internal/core/world"
	"github.com/zeusync/rtsrep/internal/server"
	"github.com/zeusync/rtsrep/internal/transport/loopback"
)

var t0 = time.Unix(1_700_000_000, 0)

func newCodec(t *testing.T, cfg *config.Config) *protocol.Codec {
	t.Helper()
	codec, err := protocol.NewCodec(cfg.Transport.CompressionThreshold, int(cfg.Transport.MaxMessageSize))
	require.NoError(t, err)
	t.Cleanup(func() { _ = codec.Close() })
	return codec
}

func newServer(t *testing.T, cfg *config.Config, units int, link *loopback.Link) *server.Server {
	t.Helper()
	w := world.New(16)
	for i := 0; i < units; i++ {
		tr := models.IdentityTransform()
		tr.Location = models.Vec3{X: float64(100 * i), Y: 300, Z: 10}
		w.Spawn(models.OwnerKey(fmt.Sprintf("unit-%03d", i)), tr, models.UnitState{})
	}
	opts := server.DefaultOptions()
	opts.Wander = false
	return server.NewServer(cfg, opts, nil, nil, w, newCodec(t, cfg), link)
}

func TestClientConvergesOnServerWorld(t *testing.T) {
	cfg := config.Default()
	link := loopback.New()
	srv := newServer(t, cfg, 20, link)

	local := world.NewLocal()
	cl := New(cfg, nil, nil, local, newCodec(t, cfg), t0)
	defer cl.Close()

	now := t0
	link.Attach("c1", func(data []byte) error { return cl.Handle(data, now) })
	require.NoError(t, srv.Connect("c1", now))

	step := func() {
		_, err := srv.Step(context.Background(), now)
		require.NoError(t, err)
		cl.Tick(now)
		now = now.Add(cfg.TickInterval())
	}
	for i := 0; i < 3; i++ {
		step()
	}

	assert.Equal(t, 20, local.Bound())
	for i := 0; i < 20; i++ {
		key := models.OwnerKey(fmt.Sprintf("unit-%03d", i))
		u, ok := local.Get(key)
		require.True(t, ok, key)
		entry, ok := srv.Registry().Lookup(key)
		require.True(t, ok)
		assert.Equal(t, entry.NetID, u.NetID())
		assert.True(t, u.Proxy())
		assert.InDelta(t, float64(100*i), u.Transform().Location.X, 0.5)

		tr, ok := cl.LatestTransform(entry.NetID)
		require.True(t, ok)
		assert.InDelta(t, 300, tr.Location.Y, 0.5)
	}

	assert.True(t, srv.Despawn("unit-005", now))
	for i := 0; i < 4; i++ {
		step()
	}
	_, ok := local.Get("unit-005")
	assert.False(t, ok)
	assert.Equal(t, 19, local.Bound())
}

func TestClientKeepsLocalUnitsAndBindsThem(t *testing.T) {
	cfg := config.Default()
	link := loopback.New()
	srv := newServer(t, cfg, 3, link)

	local := world.NewLocal()
	mine := local.Spawn("unit-001", 1, models.IdentityTransform())
	cl := New(cfg, nil, nil, local, newCodec(t, cfg), t0)

	now := t0
	link.Attach("c1", func(data []byte) error { return cl.Handle(data, now) })
	require.NoError(t, srv.Connect("c1", now))
	for i := 0; i < 3; i++ {
		_, err := srv.Step(context.Background(), now)
		require.NoError(t, err)
		cl.Tick(now)
		now = now.Add(cfg.TickInterval())
	}

	entry, ok := srv.Registry().Lookup("unit-001")
	require.True(t, ok)
	assert.Equal(t, entry.NetID, mine.NetID())
	assert.False(t, mine.Proxy())
	assert.Equal(t, 3, local.Len())
}

func TestClientFollowsNewServerSession(t *testing.T) {
	cfg := config.Default()
	first := loopback.New()
	srv := newServer(t, cfg, 5, first)

	local := world.NewLocal()
	cl := New(cfg, nil, nil, local, newCodec(t, cfg), t0)
	defer cl.Close()

	now := t0
	first.Attach("c1", func(data []byte) error { return cl.Handle(data, now) })
	require.NoError(t, srv.Connect("c1", now))
	for i := 0; i < 3; i++ {
		_, err := srv.Step(context.Background(), now)
		require.NoError(t, err)
		cl.Tick(now)
		now = now.Add(cfg.TickInterval())
	}
	require.Equal(t, 5, local.Bound())

	w := world.New(16)
	for i := 0; i < 3; i++ {
		tr := models.IdentityTransform()
		tr.Location = models.Vec3{X: float64(-50 * (i + 1)), Y: 20}
		w.Spawn(models.OwnerKey(fmt.Sprintf("scout-%03d", i)), tr, models.UnitState{})
	}
	second := loopback.New()
	opts := server.DefaultOptions()
	opts.Wander = false
	next := server.NewServer(cfg, opts, nil, nil, w, newCodec(t, cfg), second)
	second.Attach("c1", func(data []byte) error { return cl.Handle(data, now) })
	require.NoError(t, next.Connect("c1", now))

	converged := func() bool {
		if local.Len() != 3 || local.Bound() != 3 {
			return false
		}
		for i := 0; i < 3; i++ {
			key := models.OwnerKey(fmt.Sprintf("scout-%03d", i))
			u, ok := local.Get(key)
			entry, found := next.Registry().Lookup(key)
			if !ok || !found || u.NetID() != entry.NetID {
				return false
			}
		}
		return true
	}
	for i := 0; i < 40 && !converged(); i++ {
		_, err := next.Step(context.Background(), now)
		require.NoError(t, err)
		cl.Tick(now)
		now = now.Add(cfg.TickInterval())
	}
	require.True(t, converged(), "local world should hold exactly the new session's units")

	for i := 0; i < 5; i++ {
		_, ok := local.Get(models.OwnerKey(fmt.Sprintf("unit-%03d", i)))
		assert.False(t, ok, "proxies of the old session are gone")
	}
	scout, _ := local.Get("scout-002")
	for i := 0; i < 3; i++ {
		cl.Tick(now)
		now = now.Add(cfg.TickInterval())
	}
	assert.InDelta(t, -150, scout.Transform().Location.X, 0.5)
}

func TestClosedClientRejectsMessages(t *testing.T) {
	cfg := config.Default()
	cl := New(cfg, nil, nil, world.NewLocal(), newCodec(t, cfg), t0)
	cl.Close()
	cl.Close()
	assert.ErrorIs(t, cl.Handle([]byte{0x80}, t0), ErrClientClosed)
	assert.False(t, cl.Tick(t0).Ran)
}

type chanSource struct {
	ch  chan []byte
	mu  sync.Mutex
	err error
}

func (s *chanSource) Messages() <-chan []byte { return s.ch }

func (s *chanSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func TestRunStopsOnBye(t *testing.T) {
	cfg := config.Default()
	link := loopback.New()
	srv := newServer(t, cfg, 10, link)

	src := &chanSource{ch: make(chan []byte, 1024)}
	link.Attach("c1", func(data []byte) error {
		src.ch <- data
		return nil
	})

	local := world.NewLocal()
	cl := New(cfg, nil, nil, local, newCodec(t, cfg), time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cl.Run(ctx, src) }()

	require.NoError(t, srv.Start(ctx))
	require.NoError(t, srv.Connect("c1", time.Now()))
	assert.Eventually(t, func() bool { return local.Bound() == 10 }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, srv.Stop(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("client did not stop after bye")
	}
}

func TestRunReportsClosedSource(t *testing.T) {
	cfg := config.Default()
	cl := New(cfg, nil, nil, world.NewLocal(), newCodec(t, cfg), t0)

	src := &chanSource{ch: make(chan []byte)}
	close(src.ch)
	assert.ErrorIs(t, cl.Run(context.Background(), src), ErrSourceClosed)

	src = &chanSource{ch: make(chan []byte), err: fmt.Errorf("reset by peer")}
	close(src.ch)
	assert.EqualError(t, cl.Run(context.Background(), src), "reset by peer")
}
