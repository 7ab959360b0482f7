// Package session scopes replication state to one play session so that
// nothing outlives a world teardown.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/zeusync/rtsrep/internal/core/events/bus"
	"github.com/zeusync/rtsrep/internal/core/observability/log"
	"github.com/zeusync/rtsrep/internal/core/replication/cache"
	"github.com/zeusync/rtsrep/internal/core/replication/config"
)

type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Session owns the per-world caches and the startup clock.
type Session struct {
	ID        string
	Role      Role
	Config    *config.Config
	Logger    log.Log
	Bus       bus.EventBus
	StartedAt time.Time

	Cache      *cache.WorldCache
	Transforms *cache.TransformCache

	mu       sync.Mutex
	torndown bool
}

func New(role Role, cfg *config.Config, logger log.Log, events bus.EventBus, startedAt time.Time) *Session {
	id := uuid.NewString()
	if events == nil {
		events = bus.New()
	}
	return &Session{
		ID:         id,
		Role:       role,
		Config:     cfg,
		Logger:     log.OrNop(logger).With(log.String("session", id), log.Stringer("role", role)),
		Bus:        events,
		StartedAt:  startedAt,
		Cache:      cache.NewWorldCache(cfg.Client.CacheRebuildInterval, cfg.Client.EnableCache),
		Transforms: cache.NewTransformCache(),
	}
}

// InGrace reports whether now is inside the startup grace window.
func (s *Session) InGrace(now time.Time) bool {
	return s.Config.InGrace(s.StartedAt, now)
}

// Restart moves the session start, reopening the grace window. Used when a
// client joins mid-session.
func (s *Session) Restart(now time.Time) {
	s.mu.Lock()
	s.StartedAt = now
	s.torndown = false
	s.mu.Unlock()
}

// Teardown clears every world-scoped cache. Safe to call more than once.
func (s *Session) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torndown {
		return
	}
	s.torndown = true
	s.Cache.Clear()
	s.Transforms.Clear()
	s.Logger.Info("session torn down")
}

// Locator finds a dependency that may not exist yet, retrying on a throttled
// schedule instead of every tick. Once found the value is kept.
type Locator[T any] struct {
	limiter *rate.Limiter
	find    func() (T, bool)
	spawn   func() (T, error)
	logger  log.Log

	value T
	found bool
}

// NewLocator retries find at most once per every. spawn is optional and
// runs when find fails.
func NewLocator[T any](every time.Duration, find func() (T, bool), spawn func() (T, error), logger log.Log) *Locator[T] {
	limit := rate.Inf
	if every > 0 {
		limit = rate.Every(every)
	}
	return &Locator[T]{
		limiter: rate.NewLimiter(limit, 1),
		find:    find,
		spawn:   spawn,
		logger:  log.OrNop(logger),
	}
}

// Get returns the dependency, attempting discovery when the throttle allows.
func (l *Locator[T]) Get(now time.Time) (T, bool) {
	if l.found {
		return l.value, true
	}
	if !l.limiter.AllowN(now, 1) {
		return l.value, false
	}
	if v, ok := l.find(); ok {
		l.value, l.found = v, true
		return v, true
	}
	if l.spawn != nil {
		v, err := l.spawn()
		if err != nil {
			l.logger.Warn("dependency spawn failed", log.Error(err))
			return l.value, false
		}
		l.value, l.found = v, true
		return v, true
	}
	return l.value, false
}

// Forget drops the located value so the next Get searches again.
func (l *Locator[T]) Forget() {
	var zero T
	l.value, l.found = zero, false
}
