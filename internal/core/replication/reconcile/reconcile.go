// Package reconcile keeps a client's local entities bound to the server
// registry and applies replicated snapshots to them.
package reconcile

import (
	"math"
	"sort"
	"time"

	"github.com/zeusync/rtsrep/internal/core/events/bus"
	"github.com/zeusync/rtsrep/internal/core/models"
	"github.com/zeusync/rtsrep/internal/core/observability/log"
	"github.com/zeusync/rtsrep/internal/core/replication/bubble"
	"github.com/zeusync/rtsrep/internal/core/replication/config"
	"github.com/zeusync/rtsrep/internal/core/replication/registry"
	"github.com/zeusync/rtsrep/internal/core/replication/session"
)

const source = "reconcile"

type BindingState uint8

const (
	StateUnbound BindingState = iota
	StateBound
	StateOrphaned
)

func (s BindingState) String() string {
	switch s {
	case StateBound:
		return "bound"
	case StateOrphaned:
		return "orphaned"
	default:
		return "unbound"
	}
}

// RegistryView is the client's copy of the server registry.
// *registry.Mirror implements it.
type RegistryView interface {
	Has(id models.NetID) bool
	Get(id models.NetID) (registry.Entry, bool)
	LookupOwner(key models.OwnerKey) (models.NetID, bool)
	LookupIndex(idx int32) (models.NetID, bool)
	Entries() []registry.Entry
	Signature() uint64
}

// Binder creates and destroys bindings between NetIDs and local entities.
// Release drops the binding of the entity owning key, whatever id it holds.
type Binder interface {
	Link(key models.OwnerKey, id models.NetID, localIndex int32) bool
	Unlink(id models.NetID) bool
	Release(key models.OwnerKey) bool
}

// LocalWorld lists the client's entities.
type LocalWorld interface {
	Entities() []models.LocalEntity
}

// Classify reports how e relates to reg. An id the registry gives to
// another OwnerKey is no binding at all.
func Classify(e models.LocalEntity, reg RegistryView) BindingState {
	id := e.NetID()
	if !id.Valid() {
		return StateUnbound
	}
	if reg == nil {
		return StateOrphaned
	}
	entry, ok := reg.Get(id)
	switch {
	case !ok:
		return StateOrphaned
	case e.OwnerKey() != "" && entry.OwnerKey != e.OwnerKey():
		return StateUnbound
	default:
		return StateBound
	}
}

// Stats describes one reconciliation pass.
type Stats struct {
	Ran           bool
	RegistryReady bool
	Grace         bool
	Stable        bool

	Entities int
	Bound    int
	Unbound  int
	Orphaned int

	LinksRequested   int
	UnlinksRequested int
	Duplicates       int
	Stale            int
	Fallbacks        int
	Applied          int

	Budget   int
	Executed int
	Pending  int
}

// pass holds the lookups built during one Tick for use while draining.
type pass struct {
	reg     RegistryView
	byKey   map[models.OwnerKey]models.LocalEntity
	holders map[models.NetID]models.LocalEntity
	linked  map[models.NetID]struct{}
	now     time.Time
}

// Reconciler is driven by the client tick. It is not safe for concurrent use.
type Reconciler struct {
	cfg     *config.Config
	session *session.Session
	logger  log.Log

	world    LocalWorld
	binder   Binder
	registry *session.Locator[RegistryView]
	bubble   *bubble.Mirror
	queue    *Queue

	zeroStreak map[models.OwnerKey]int
	lastSig    uint64
	sigAt      time.Time
	sigSeen    bool
	lastTick   time.Time
	announced  bool

	cur *pass
}

// New builds a reconciler. locate returns the registry copy once it exists
// and is retried at most once per DiscoveryRetry.
func New(s *session.Session, world LocalWorld, binder Binder, locate func() (RegistryView, bool), mirror *bubble.Mirror) *Reconciler {
	logger := s.Logger.With(log.String("component", source))
	if mirror == nil {
		mirror = bubble.NewMirror(bubble.Callbacks{})
	}
	return &Reconciler{
		cfg:        s.Config,
		session:    s,
		logger:     logger,
		world:      world,
		binder:     binder,
		registry:   session.NewLocator(s.Config.DiscoveryRetry, locate, nil, logger),
		bubble:     mirror,
		queue:      NewQueue(),
		zeroStreak: make(map[models.OwnerKey]int),
	}
}

// Tick runs one reconciliation pass if the update interval has elapsed.
func (r *Reconciler) Tick(now time.Time) Stats {
	var st Stats
	if !r.lastTick.IsZero() && now.Sub(r.lastTick) < r.cfg.TickInterval() {
		return st
	}
	r.lastTick = now
	st.Ran = true

	reg, ok := r.registry.Get(now)
	if !ok {
		st.Pending = r.queue.Len()
		return st
	}
	st.RegistryReady = true
	if !r.announced {
		r.announced = true
		r.logger.Info("registry available")
		bus.Emit(r.session.Bus, bus.EventRegistryAvailable, source, nil, now)
	}
	st.Grace = r.session.InGrace(now)

	entities := r.world.Entities()
	st.Entities = len(entities)
	r.session.Cache.RebuildIfNeeded(now, entities)

	if sig := reg.Signature(); !r.sigSeen || sig != r.lastSig {
		r.lastSig, r.sigAt, r.sigSeen = sig, now, true
	}
	st.Stable = now.Sub(r.sigAt) >= r.cfg.Client.UnlinkDebounce

	p := &pass{
		reg:     reg,
		byKey:   make(map[models.OwnerKey]models.LocalEntity, len(entities)),
		holders: make(map[models.NetID]models.LocalEntity, len(entities)),
		linked:  make(map[models.NetID]struct{}),
		now:     now,
	}
	r.cur = p
	defer func() { r.cur = nil }()

	r.resolveIdentities(p, entities, &st)
	r.requestMissing(p, &st)
	r.applySnapshots(p, &st)

	st.Budget = r.cfg.Client.MaxActionsPerTick
	if st.Grace {
		st.Budget *= r.cfg.Client.GraceBudgetMultiplier
	}
	st.Executed = r.queue.Drain(st.Budget, r.execute)
	st.Pending = r.queue.Len()
	if st.Pending > 0 {
		bus.Emit(r.session.Bus, bus.EventBudgetExhausted, source,
			bus.BudgetEvent{Budget: st.Budget, Deferred: st.Pending}, now)
	}
	return st
}

// resolveIdentities gives every entity its authoritative NetID and settles
// duplicate claims. The registry owner of a NetID keeps it.
func (r *Reconciler) resolveIdentities(p *pass, entities []models.LocalEntity, st *Stats) {
	for _, e := range entities {
		if key := e.OwnerKey(); key != "" {
			p.byKey[key] = e
		}
	}
	for _, e := range entities {
		key := e.OwnerKey()
		if id, ok := r.authoritative(p.reg, e); ok && e.NetID() != id {
			e.SetNetID(id)
		}

		id := e.NetID()
		if id.Valid() && key != "" {
			if entry, ok := p.reg.Get(id); ok && entry.OwnerKey != key {
				r.release(p, e, entry.OwnerKey, st)
				continue
			}
		}
		if !id.Valid() {
			st.Unbound++
			r.zeroStreak[key]++
			if r.zeroStreak[key] >= r.cfg.Client.ZeroNetIDRetryPasses {
				r.zeroStreak[key] = 0
				if r.queue.Link(key, 0, e.LocalIndex()) {
					st.LinksRequested++
				}
			}
			continue
		}
		delete(r.zeroStreak, key)

		other, dup := p.holders[id]
		if !dup {
			p.holders[id] = e
			continue
		}
		st.Duplicates++
		loser := e
		if entry, ok := p.reg.Get(id); ok && entry.OwnerKey == key {
			loser = other
			p.holders[id] = e
		}
		r.logger.Warn("duplicate net id",
			log.Stringer("net_id", id),
			log.String("kept", string(p.holders[id].OwnerKey())),
			log.String("reset", string(loser.OwnerKey())),
		)
		loser.SetNetID(models.InvalidNetID)
		bus.Emit(r.session.Bus, bus.EventDuplicateNetID, source,
			bus.EntityEvent{NetID: uint32(id), OwnerKey: string(loser.OwnerKey())}, p.now)
		if r.queue.Link(loser.OwnerKey(), 0, loser.LocalIndex()) {
			st.LinksRequested++
		}
	}

	for key := range r.zeroStreak {
		if _, ok := p.byKey[key]; !ok {
			delete(r.zeroStreak, key)
		}
	}

	for id := range p.holders {
		if p.reg.Has(id) || r.bubble.Has(id) {
			st.Bound++
			continue
		}
		st.Orphaned++
		if st.Stable && r.queue.Unlink(id) {
			st.UnlinksRequested++
		}
	}
}

// release takes a NetID the registry assigns to owner away from e, which
// happens when a new server session reuses ids. e is released once the
// queue drains, unless its key has resolved again by then.
func (r *Reconciler) release(p *pass, e models.LocalEntity, owner models.OwnerKey, st *Stats) {
	id := e.NetID()
	st.Stale++
	st.Unbound++
	r.logger.Warn("net id belongs to another unit",
		log.Stringer("net_id", id),
		log.String("holder", string(e.OwnerKey())),
		log.String("owner", string(owner)),
	)
	e.SetNetID(models.InvalidNetID)
	if o, ok := p.byKey[owner]; ok && o.NetID() == id {
		st.Duplicates++
		bus.Emit(r.session.Bus, bus.EventDuplicateNetID, source,
			bus.EntityEvent{NetID: uint32(id), OwnerKey: string(e.OwnerKey())}, p.now)
	}
	if r.queue.Release(e.OwnerKey()) {
		st.UnlinksRequested++
	}
}

// authoritative looks up e's NetID by local index, then owner key, then the
// snapshot bubble.
func (r *Reconciler) authoritative(reg RegistryView, e models.LocalEntity) (models.NetID, bool) {
	key := e.OwnerKey()
	if idx := e.LocalIndex(); idx != models.NoLocalIndex {
		if id, ok := reg.LookupIndex(idx); ok {
			if entry, found := reg.Get(id); found && (key == "" || entry.OwnerKey == key) {
				return id, true
			}
		}
	}
	if key == "" {
		return models.InvalidNetID, false
	}
	if id, ok := reg.LookupOwner(key); ok {
		return id, true
	}
	if it, ok := r.bubble.FindByOwner(key); ok {
		return it.NetID, true
	}
	return models.InvalidNetID, false
}

func (r *Reconciler) requestMissing(p *pass, st *Stats) {
	for _, entry := range p.reg.Entries() {
		if holder, ok := p.holders[entry.NetID]; ok && (holder.OwnerKey() == "" || holder.OwnerKey() == entry.OwnerKey) {
			continue
		}
		if r.queue.Link(entry.OwnerKey, entry.NetID, entry.LocalIndex) {
			st.LinksRequested++
		}
	}
}

func (r *Reconciler) applySnapshots(p *pass, st *Stats) {
	units := r.cfg.Units()
	claimed := make(map[models.NetID]struct{}, len(p.holders))
	for id := range p.holders {
		claimed[id] = struct{}{}
	}

	ids := make([]models.NetID, 0, len(p.holders))
	for id := range p.holders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		e := p.holders[id]
		item, hasItem := r.bubble.Get(id)
		if !hasItem && !p.reg.Has(id) {
			continue
		}

		t, ok := r.session.Transforms.Get(id)
		if !ok && hasItem {
			t, ok = item.Unpack(units), true
		}
		if (!ok || t.Degenerate()) && r.cfg.Client.NearestUnclaimedFallback {
			if near, found := r.nearestUnclaimed(e.Transform().Location, claimed); found {
				claimed[near.NetID] = struct{}{}
				t, ok = near.Unpack(units), true
				st.Fallbacks++
				bus.Emit(r.session.Bus, bus.EventSnapshotFallback, source,
					bus.EntityEvent{NetID: uint32(id), OwnerKey: string(e.OwnerKey())}, p.now)
			}
		}
		if ok && !t.Degenerate() {
			e.SetReplicatedTransform(t)
			st.Applied++
		}

		if hasItem {
			e.ApplyState(r.resolveState(p, e.State(), item.State))
		}
	}
}

// resolveState drops targets the client cannot resolve and keeps the
// current move intent unless the incoming one is newer.
func (r *Reconciler) resolveState(p *pass, cur, next models.UnitState) models.UnitState {
	if next.Target.Valid() {
		if _, ok := p.holders[next.Target.TargetNetID]; !ok {
			next.Target.Flags &^= models.TargetHasValid
		}
	}
	if !next.Move.NewerThan(cur.Move) {
		next.Move = cur.Move
	}
	return next
}

func (r *Reconciler) nearestUnclaimed(from models.Vec3, claimed map[models.NetID]struct{}) (bubble.Item, bool) {
	units := r.cfg.Units()
	var (
		best  bubble.Item
		found bool
		dist  = math.Inf(1)
	)
	for _, it := range r.bubble.Items() {
		if _, taken := claimed[it.NetID]; taken {
			continue
		}
		t := it.Unpack(units)
		if t.Degenerate() {
			continue
		}
		if d := t.Location.Distance(from); d < dist {
			best, dist, found = it, d, true
		}
	}
	return best, found
}

func (r *Reconciler) execute(c Command) {
	p := r.cur
	switch c.Kind {
	case CommandLink:
		r.executeLink(p, c)
	case CommandUnlink:
		r.executeUnlink(p, c)
	case CommandRelease:
		r.executeRelease(p, c)
	}
}

func (r *Reconciler) executeLink(p *pass, c Command) {
	id := c.NetID
	if !id.Valid() {
		if found, ok := p.reg.LookupOwner(c.OwnerKey); ok {
			id = found
		} else if it, ok := r.bubble.FindByOwner(c.OwnerKey); ok {
			id = it.NetID
		}
	}
	if !id.Valid() || (!p.reg.Has(id) && !r.bubble.Has(id)) {
		return
	}
	if _, done := p.linked[id]; done {
		return
	}
	if holder, ok := p.holders[id]; ok && holder.OwnerKey() == c.OwnerKey {
		return
	}

	linked := false
	if e := r.findLocal(p, c.OwnerKey, c.LocalIndex); e != nil {
		if e.NetID() != id {
			e.SetNetID(id)
			linked = true
		}
	} else {
		linked = r.binder.Link(c.OwnerKey, id, c.LocalIndex)
	}
	if !linked {
		return
	}
	p.linked[id] = struct{}{}
	if t, ok := r.LatestTransform(id); ok && !t.Degenerate() {
		if e := r.findLocal(p, c.OwnerKey, c.LocalIndex); e != nil {
			e.SetReplicatedTransform(t)
		}
	}
	bus.Emit(r.session.Bus, bus.EventEntityLinked, source,
		bus.EntityEvent{NetID: uint32(id), OwnerKey: string(c.OwnerKey)}, p.now)
}

// findLocal resolves a key to a local entity, first from this pass and then
// from the world cache.
func (r *Reconciler) findLocal(p *pass, key models.OwnerKey, idx int32) models.LocalEntity {
	if e, ok := p.byKey[key]; ok {
		return e
	}
	if e, ok := r.session.Cache.FindByOwnerKey(key); ok {
		return e
	}
	if e, ok := r.session.Cache.FindByLocalIndex(idx); ok && e.OwnerKey() == key {
		return e
	}
	return nil
}

func (r *Reconciler) executeUnlink(p *pass, c Command) {
	if p.reg.Has(c.NetID) || r.bubble.Has(c.NetID) {
		return
	}
	if !r.binder.Unlink(c.NetID) {
		return
	}
	delete(p.holders, c.NetID)
	r.session.Transforms.Delete(c.NetID)
	bus.Emit(r.session.Bus, bus.EventEntityUnlinked, source,
		bus.EntityEvent{NetID: uint32(c.NetID)}, p.now)
}

func (r *Reconciler) executeRelease(p *pass, c Command) {
	if _, ok := p.reg.LookupOwner(c.OwnerKey); ok {
		return
	}
	if _, ok := r.bubble.FindByOwner(c.OwnerKey); ok {
		return
	}
	if e := r.findLocal(p, c.OwnerKey, models.NoLocalIndex); e != nil && e.NetID().Valid() {
		return
	}
	if !r.binder.Release(c.OwnerKey) {
		return
	}
	delete(p.byKey, c.OwnerKey)
	bus.Emit(r.session.Bus, bus.EventEntityUnlinked, source,
		bus.EntityEvent{OwnerKey: string(c.OwnerKey)}, p.now)
}

// RequestLink queues a link for key, resolved by registry lookup when it runs.
func (r *Reconciler) RequestLink(key models.OwnerKey) bool {
	return r.queue.Link(key, models.InvalidNetID, models.NoLocalIndex)
}

// RequestUnlink queues an unlink for id. It only runs if id is still absent
// from both the registry and the bubble.
func (r *Reconciler) RequestUnlink(id models.NetID) bool {
	return r.queue.Unlink(id)
}

// LatestTransform returns the most recent replicated transform for id.
func (r *Reconciler) LatestTransform(id models.NetID) (models.Transform, bool) {
	if t, ok := r.session.Transforms.Get(id); ok {
		return t, true
	}
	if it, ok := r.bubble.Get(id); ok {
		return it.Unpack(r.cfg.Units()), true
	}
	return models.Transform{}, false
}

// Pending returns the number of queued commands.
func (r *Reconciler) Pending() int { return r.queue.Len() }

// Reset drops queued work and the located registry, for a new session.
func (r *Reconciler) Reset() {
	r.queue.Clear()
	r.registry.Forget()
	r.zeroStreak = make(map[models.OwnerKey]int)
	r.sigSeen = false
	r.lastTick = time.Time{}
	r.announced = false
}
