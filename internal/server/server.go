package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/rtsrep/internal/core/events/bus"
	"github.com/zeusync/rtsrep/internal/core/models"
	"github.com/zeusync/rtsrep/internal/core/observability/log"
	"github.com/zeusync/rtsrep/internal/core/protocol"
	"github.com/zeusync/rtsrep/internal/core/replication/bubble"
	"github.com/zeusync/rtsrep/internal/core/replication/config"
	"github.com/zeusync/rtsrep/internal/core/replication/netdriver"
	"github.com/zeusync/rtsrep/internal/core/replication/registry"
	"github.com/zeusync/rtsrep/internal/core/replication/session"
	"github.com/zeusync/rtsrep/internal/core/replication/shaper"
	"github.com/zeusync/rtsrep/internal/core/world"
)

// Transport delivers frames to clients. A transport that is also an
// http.Handler is served on the configured address, and one that reports
// connects and disconnects is wired to the replicator.
type Transport interface {
	Send(clientID string, data []byte) error
	Close() error
}

type connectNotifier interface {
	OnConnect(fn func(id string) error)
	OnDisconnect(fn func(id string))
}

// Options tune the demo simulation that drives the world between ticks.
type Options struct {
	Wander       bool
	WanderRadius float64
	Seed         int64
}

func DefaultOptions() Options {
	return Options{
		Wander:       true,
		WanderRadius: 5000,
		Seed:         1,
	}
}

// StepStats describes one server tick.
type StepStats struct {
	Shaper    shaper.Stats
	Broadcast netdriver.BroadcastStats
}

// Server runs the authoritative replication pipeline: simulate, shape,
// broadcast.
type Server struct {
	cfg       *config.Config
	opts      Options
	logger    log.Log
	session   *session.Session
	transport Transport

	mu         sync.Mutex
	world      *world.World
	registry   *registry.Registry
	bubble     *bubble.Array
	shaper     *shaper.Shaper
	replicator *netdriver.Replicator
	rng        *rand.Rand
	lastStep   time.Time

	httpServer *http.Server
	listener   net.Listener

	running int32
	closed  int32

	workerGroup sync.WaitGroup
	stopChan    chan struct{}
}

func NewServer(cfg *config.Config, opts Options, logger log.Log, events bus.EventBus, w *world.World, codec *protocol.Codec, transport Transport) *Server {
	sess := session.New(session.RoleServer, cfg, logger, events, time.Now())
	reg := registry.New(cfg.Server.Quarantine, sess.Logger)
	arr := bubble.NewArray(cfg)

	s := &Server{
		cfg:        cfg,
		opts:       opts,
		logger:     sess.Logger.With(log.String("component", "server")),
		session:    sess,
		transport:  transport,
		world:      w,
		registry:   reg,
		bubble:     arr,
		shaper:     shaper.New(sess, reg, arr),
		replicator: netdriver.NewReplicator(sess, codec, reg, arr, transport),
		rng:        rand.New(rand.NewSource(opts.Seed)),
		stopChan:   make(chan struct{}),
	}
	if n, ok := transport.(connectNotifier); ok {
		n.OnConnect(func(id string) error { return s.Connect(id, time.Now()) })
		n.OnDisconnect(func(id string) { s.Disconnect(id, time.Now()) })
	}
	return s
}

func (s *Server) Session() *session.Session { return s.session }

func (s *Server) Registry() *registry.Registry { return s.registry }

// Connect registers a client with the replicator and sends it the hello.
func (s *Server) Connect(id string, now time.Time) error {
	return s.replicator.Connect(id, now)
}

func (s *Server) Disconnect(id string, now time.Time) {
	s.replicator.Disconnect(id, now)
}

// Spawn adds a unit to the simulated world.
func (s *Server) Spawn(key models.OwnerKey, t models.Transform, st models.UnitState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.world.Get(key); ok {
		return fmt.Errorf("%w: %s", ErrUnitExists, key)
	}
	s.world.Spawn(key, t, st)
	return nil
}

// Despawn removes a unit from registry, bubble and world together.
func (s *Server) Despawn(key models.OwnerKey, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.shaper.Despawn(now, key)
	return s.world.Despawn(key) || removed
}

// Step advances the simulation and runs one replication tick.
func (s *Server) Step(ctx context.Context, now time.Time) (StepStats, error) {
	s.mu.Lock()
	var st StepStats
	if s.opts.Wander && !s.lastStep.IsZero() {
		s.world.Wander(s.rng, now.Sub(s.lastStep).Seconds(), s.opts.WanderRadius)
	}
	s.lastStep = now
	st.Shaper = s.shaper.Tick(now, s.world)
	s.mu.Unlock()

	if !st.Shaper.Ran {
		return st, nil
	}
	var err error
	st.Broadcast, err = s.replicator.Broadcast(ctx, now)
	return st, err
}

// Start serves the transport, if it is an http.Handler, and starts the tick
// loop.
func (s *Server) Start(ctx context.Context) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrServerClosed
	}
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrServerAlreadyRunning
	}

	s.logger.Info("Starting server")

	if h, ok := s.transport.(http.Handler); ok {
		ln, err := net.Listen("tcp", s.cfg.Transport.ListenAddr)
		if err != nil {
			atomic.StoreInt32(&s.running, 0)
			s.logger.Error("Failed to create listener", log.Error(err))
			return fmt.Errorf("%w: %v", ErrListenerFailed, err)
		}
		mux := http.NewServeMux()
		mux.Handle(s.cfg.Transport.Path, h)
		s.listener = ln
		s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("http server failed", log.Error(err))
			}
		}()
		s.logger.Info("Server listening",
			log.String("addr", ln.Addr().String()),
			log.String("path", s.cfg.Transport.Path),
		)
	}

	s.startWorkers(ctx)
	s.logger.Info("Server started successfully")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) startWorkers(ctx context.Context) {
	s.workerGroup.Add(1)
	go func() {
		defer s.workerGroup.Done()
		s.tickLoop(ctx)
	}()
}

func (s *Server) tickLoop(ctx context.Context) {
	s.logger.Debug("Tick loop started", log.Duration("interval", s.cfg.TickInterval()))
	ticker := time.NewTicker(s.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			st, err := s.Step(ctx, now)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("broadcast failed", log.Error(err))
			}
			if st.Broadcast.Failed > 0 {
				s.logger.Debug("clients failed this tick", log.Int("failed", st.Broadcast.Failed))
			}
		case <-ctx.Done():
			s.logger.Debug("Tick loop stopped", log.Error(ctx.Err()))
			return
		case <-s.stopChan:
			s.logger.Debug("Tick loop stopped")
			return
		}
	}
}

// Stop ends the tick loop, says goodbye to clients and closes the transport.
func (s *Server) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return ErrServerNotRunning
	}
	atomic.StoreInt32(&s.closed, 1)
	s.logger.Info("Stopping server")

	close(s.stopChan)
	s.workerGroup.Wait()

	s.replicator.Shutdown("server stopping")
	err := s.transport.Close()
	if s.httpServer != nil {
		err = errors.Join(err, s.httpServer.Shutdown(ctx))
	}
	s.session.Teardown()

	s.logger.Info("Server stopped")
	return err
}
