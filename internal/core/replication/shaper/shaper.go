// Package shaper decides, each server replication tick, which units are
// pushed into the registry and snapshot bubble, under per-chunk and
// per-tick budgets.
package shaper

import (
	"time"

	"github.com/zeusync/rtsrep/internal/core/events/bus"
	"github.com/zeusync/rtsrep/internal/core/models"
	"github.com/zeusync/rtsrep/internal/core/observability/log"
	"github.com/zeusync/rtsrep/internal/core/replication/bubble"
	"github.com/zeusync/rtsrep/internal/core/replication/config"
	"github.com/zeusync/rtsrep/internal/core/replication/quant"
	"github.com/zeusync/rtsrep/internal/core/replication/registry"
	"github.com/zeusync/rtsrep/internal/core/replication/session"
)

const source = "shaper"

// signature is the last replicated summary of a unit. A unit whose current
// signature equals the stored one is skipped.
type signature struct {
	id        models.NetID
	transform quant.Packed
	state     models.UnitState
}

// Stats describes one tick.
type Stats struct {
	Ran            bool
	Grace          bool
	Processed      int
	Dirty          int
	Removed        int
	DeferredChunks int
	DeferredUnits  int
	Pruned         int
	Reconciled     registry.ReconcileResult
}

// Shaper is driven by the server tick. It is not safe for concurrent use.
type Shaper struct {
	cfg      *config.Config
	session  *session.Session
	registry *registry.Registry
	bubble   *bubble.Array
	logger   log.Log

	signatures  map[models.OwnerKey]signature
	cursors     map[string]int
	chunkCursor int

	lastTick        time.Time
	lastDiagnostics time.Time
}

func New(s *session.Session, reg *registry.Registry, arr *bubble.Array) *Shaper {
	return &Shaper{
		cfg:        s.Config,
		session:    s,
		registry:   reg,
		bubble:     arr,
		logger:     s.Logger.With(log.String("component", source)),
		signatures: make(map[models.OwnerKey]signature),
		cursors:    make(map[string]int),
	}
}

// Tick runs one replication pass if the update interval has elapsed.
func (s *Shaper) Tick(now time.Time, pop models.Population) Stats {
	var st Stats
	if pop == nil {
		return st
	}
	if !s.lastTick.IsZero() && now.Sub(s.lastTick) < s.cfg.TickInterval() {
		return st
	}
	s.lastTick = now
	st.Ran = true

	if s.cfg.Mode == config.ModeDirect {
		s.tickDirect(now, pop, &st)
	} else {
		s.tickShaped(now, pop, &st)
	}

	if s.lastDiagnostics.IsZero() || now.Sub(s.lastDiagnostics) >= s.cfg.Server.DiagnosticsEvery {
		s.lastDiagnostics = now
		st.Reconciled = s.registry.Reconcile(pop, now)
		if st.Reconciled.Changed() {
			bus.Emit(s.session.Bus, bus.EventRegistryRepaired, source, st.Reconciled, now)
		}
		s.dropStaleSignatures()
	}

	removed := s.bubble.RetainOnly(s.registry.Has)
	st.Pruned = len(removed)
	if st.Pruned > 0 {
		s.logger.Debug("pruned bubble items without registry entry", log.Int("count", st.Pruned))
	}
	return st
}

func (s *Shaper) tickDirect(now time.Time, pop models.Population, st *Stats) {
	pop.Each(func(u models.Replicable) bool {
		st.Processed++
		changed := s.process(now, u, false)
		switch {
		case u.Terminal() && changed:
			st.Removed++
		case changed:
			st.Dirty++
		}
		return true
	})
}

func (s *Shaper) tickShaped(now time.Time, pop models.Population, st *Stats) {
	st.Grace = s.session.InGrace(now)
	force := st.Grace || s.cfg.Server.ProcessCleanChunks
	budget := s.cfg.Server.MaxPerTick

	chunks := pop.Chunks()
	n := len(chunks)
	if n == 0 {
		return
	}
	start := s.chunkCursor % n
	for i := 0; i < n; i++ {
		c := chunks[(start+i)%n]
		if budget <= 0 {
			if s.chunkNeedsWork(c, force) {
				st.DeferredChunks++
			}
			continue
		}
		used := s.processChunk(now, c, force, min(budget, s.cfg.Server.MaxPerChunk), st)
		budget -= used
		if budget <= 0 {
			s.chunkCursor = (start + i + 1) % n
		}
	}

	if st.DeferredChunks > 0 || st.DeferredUnits > 0 {
		s.logger.Debug("tick budget exhausted",
			log.Int("budget", s.cfg.Server.MaxPerTick),
			log.Int("deferred_chunks", st.DeferredChunks),
			log.Int("deferred_units", st.DeferredUnits),
		)
		bus.Emit(s.session.Bus, bus.EventBudgetExhausted, source,
			bus.BudgetEvent{Budget: s.cfg.Server.MaxPerTick, Deferred: st.DeferredChunks + st.DeferredUnits}, now)
	}
}

// processChunk walks the chunk from its cursor and processes up to limit
// units that need work. The cursor resumes after the last processed unit so
// oversized chunks are covered across ticks. Units left over once the limit
// is reached count as deferred.
func (s *Shaper) processChunk(now time.Time, c models.Chunk, force bool, limit int, st *Stats) int {
	size := c.Len()
	if size == 0 || limit <= 0 {
		return 0
	}
	start := s.cursors[c.Key()] % size
	used := 0
	next := start
	for i := 0; i < size; i++ {
		idx := (start + i) % size
		u := c.At(idx)
		if (!force || u.Terminal()) && !s.needsWork(u) {
			continue
		}
		if used >= limit {
			st.DeferredUnits++
			continue
		}
		used++
		st.Processed++
		changed := s.process(now, u, true)
		switch {
		case u.Terminal() && changed:
			st.Removed++
		case changed:
			st.Dirty++
		}
		next = idx + 1
	}
	s.cursors[c.Key()] = next % size
	return used
}

func (s *Shaper) chunkNeedsWork(c models.Chunk, force bool) bool {
	if force {
		return c.Len() > 0
	}
	for i := 0; i < c.Len(); i++ {
		if s.needsWork(c.At(i)) {
			return true
		}
	}
	return false
}

func (s *Shaper) needsWork(u models.Replicable) bool {
	key := u.OwnerKey()
	if u.Terminal() {
		_, tracked := s.registry.Lookup(key)
		return tracked
	}
	if !u.NetID().Valid() {
		return true
	}
	prev, ok := s.signatures[key]
	if !ok {
		return true
	}
	return prev != s.signatureOf(u)
}

// process pushes one unit through registry and bubble. Terminal units are
// removed from both.
func (s *Shaper) process(now time.Time, u models.Replicable, shaped bool) bool {
	key := u.OwnerKey()
	if key == "" {
		return false
	}
	if u.Terminal() {
		return s.remove(now, key)
	}

	id := s.registry.EnsureEntityRegistered(key, u.NetID(), u.LocalIndex(), now)
	if !id.Valid() {
		return false
	}
	if u.NetID() != id {
		u.SetNetID(id)
	}

	var dirty bool
	if shaped {
		dirty = s.bubble.Upsert(id, key, u.Transform(), u.State())
	} else {
		dirty = s.bubble.Overwrite(id, key, u.Transform(), u.State())
	}
	s.signatures[key] = s.signatureOf(u)
	return dirty
}

// Despawn removes a unit from registry and bubble in the same step.
func (s *Shaper) Despawn(now time.Time, key models.OwnerKey) bool {
	return s.remove(now, key)
}

func (s *Shaper) remove(now time.Time, key models.OwnerKey) bool {
	delete(s.signatures, key)
	id, ok := s.registry.RemoveEntity(key, now)
	if !ok {
		return false
	}
	s.bubble.Remove(id)
	bus.Emit(s.session.Bus, bus.EventEntityDespawned, source,
		bus.EntityEvent{NetID: uint32(id), OwnerKey: string(key)}, now)
	return true
}

func (s *Shaper) signatureOf(u models.Replicable) signature {
	return signature{
		id:        u.NetID(),
		transform: quant.Pack(u.Transform(), s.cfg.Units()),
		state:     u.State(),
	}
}

func (s *Shaper) dropStaleSignatures() {
	for key := range s.signatures {
		if _, ok := s.registry.Lookup(key); !ok {
			delete(s.signatures, key)
		}
	}
}
