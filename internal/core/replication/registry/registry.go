// Package registry holds the authoritative ledger of which replicated units
// exist and the NetID each one owns.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/zeusync/rtsrep/internal/core/models"
	"github.com/zeusync/rtsrep/internal/core/observability/log"
)

// Entry binds an OwnerKey to its NetID.
type Entry struct {
	NetID      models.NetID    `msgpack:"id"`
	OwnerKey   models.OwnerKey `msgpack:"o"`
	LocalIndex int32           `msgpack:"i"`
}

// ReconcileResult summarizes one self-healing pass.
type ReconcileResult struct {
	Live     int
	Inserted int
	Repaired int
	Pruned   int
}

func (r ReconcileResult) Changed() bool {
	return r.Inserted > 0 || r.Repaired > 0 || r.Pruned > 0
}

// minSweep is the quarantine size below which expired ids are only dropped
// lazily.
const minSweep = 256

// Registry is the server-owned ledger. NetIDs are allocated from a strictly
// increasing counter and quarantined after release.
type Registry struct {
	mu         sync.RWMutex
	byKey      map[models.OwnerKey]Entry
	byID       map[models.NetID]models.OwnerKey
	quarantine map[models.NetID]time.Time
	hold       time.Duration
	sweepAt    int
	next       models.NetID
	version    uint64
	logger     log.Log
}

func New(quarantine time.Duration, logger log.Log) *Registry {
	return &Registry{
		byKey:      make(map[models.OwnerKey]Entry),
		byID:       make(map[models.NetID]models.OwnerKey),
		quarantine: make(map[models.NetID]time.Time),
		hold:       quarantine,
		sweepAt:    minSweep,
		next:       1,
		logger:     log.OrNop(logger).With(log.String("component", "registry")),
	}
}

// Reset clears every entry and restarts allocation for a new session.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey = make(map[models.OwnerKey]Entry)
	r.byID = make(map[models.NetID]models.OwnerKey)
	r.quarantine = make(map[models.NetID]time.Time)
	r.sweepAt = minSweep
	r.next = 1
	r.version++
}

// EnsureEntityRegistered returns the NetID bound to key, registering it if
// needed. A non-zero existing id is kept when it is free and not
// quarantined. Empty keys are ignored and yield InvalidNetID.
func (r *Registry) EnsureEntityRegistered(key models.OwnerKey, existing models.NetID, localIndex int32, now time.Time) models.NetID {
	if key == "" {
		return models.InvalidNetID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byKey[key]; ok {
		if e.LocalIndex != localIndex {
			e.LocalIndex = localIndex
			r.byKey[key] = e
			r.version++
		}
		return e.NetID
	}

	id := existing
	if !id.Valid() || r.inUseLocked(id) || r.quarantinedLocked(id, now) {
		id = r.allocateLocked(now)
	} else if id >= r.next {
		r.next = id + 1
	}

	r.byKey[key] = Entry{NetID: id, OwnerKey: key, LocalIndex: localIndex}
	r.byID[id] = key
	r.version++
	return id
}

// RemoveEntity drops key and quarantines its NetID.
func (r *Registry) RemoveEntity(key models.OwnerKey, now time.Time) (models.NetID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byKey[key]
	if !ok {
		return models.InvalidNetID, false
	}
	r.removeLocked(e, now)
	return e.NetID, true
}

// RemoveNetID drops the entry owning id and quarantines id.
func (r *Registry) RemoveNetID(id models.NetID, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byID[id]
	if !ok {
		return false
	}
	r.removeLocked(r.byKey[key], now)
	return true
}

// Reconcile registers every live non-terminal unit the ledger misses, fixes
// units carrying a stale NetID and prunes entries whose unit is gone or
// terminal.
func (r *Registry) Reconcile(pop models.Population, now time.Time) ReconcileResult {
	var res ReconcileResult
	if pop == nil {
		return res
	}

	live := make(map[models.OwnerKey]struct{})
	pop.Each(func(u models.Replicable) bool {
		if u.Terminal() || u.OwnerKey() == "" {
			return true
		}
		key := u.OwnerKey()
		if _, dup := live[key]; dup {
			return true
		}
		live[key] = struct{}{}
		res.Live++

		_, known := r.Lookup(key)
		id := r.EnsureEntityRegistered(key, u.NetID(), u.LocalIndex(), now)
		if !known {
			res.Inserted++
		}
		if u.NetID() != id {
			u.SetNetID(id)
			if known {
				res.Repaired++
			}
		}
		return true
	})

	r.mu.Lock()
	for key, e := range r.byKey {
		if _, ok := live[key]; !ok {
			r.removeLocked(e, now)
			res.Pruned++
		}
	}
	r.sweepLocked(now)
	r.mu.Unlock()

	if res.Changed() {
		r.logger.Debug("registry reconciled",
			log.Int("live", res.Live),
			log.Int("inserted", res.Inserted),
			log.Int("repaired", res.Repaired),
			log.Int("pruned", res.Pruned),
		)
	}
	return res
}

func (r *Registry) Lookup(key models.OwnerKey) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byKey[key]
	return e, ok
}

func (r *Registry) LookupNetID(id models.NetID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byID[id]
	if !ok {
		return Entry{}, false
	}
	return r.byKey[key], true
}

func (r *Registry) Has(id models.NetID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Version changes whenever the entry set changes.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Entries returns a copy of all entries ordered by NetID.
func (r *Registry) Entries() []Entry {
	entries, _ := r.Snapshot()
	return entries
}

// Snapshot returns the entries together with the version they belong to.
func (r *Registry) Snapshot() ([]Entry, uint64) {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.byKey))
	for _, e := range r.byKey {
		out = append(out, e)
	}
	version := r.version
	r.mu.RUnlock()
	sortEntries(out)
	return out, version
}

// Quarantined reports whether id is still held back from reuse.
func (r *Registry) Quarantined(id models.NetID, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quarantinedLocked(id, now)
}

// QuarantineLen returns how many released ids are tracked, expired or not.
func (r *Registry) QuarantineLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.quarantine)
}

// RegistrationCounts returns how many live non-terminal units are registered.
func (r *Registry) RegistrationCounts(pop models.Population) (registered, live int) {
	if pop == nil {
		return 0, 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	pop.Each(func(u models.Replicable) bool {
		if u.Terminal() {
			return true
		}
		live++
		if _, ok := r.byKey[u.OwnerKey()]; ok {
			registered++
		}
		return true
	})
	return registered, live
}

// RegistrationProgress is the registered share of live units in [0, 1].
func (r *Registry) RegistrationProgress(pop models.Population) float64 {
	registered, live := r.RegistrationCounts(pop)
	if live == 0 {
		return 1
	}
	return float64(registered) / float64(live)
}

func (r *Registry) AllRegistered(pop models.Population) bool {
	registered, live := r.RegistrationCounts(pop)
	return registered == live
}

func (r *Registry) removeLocked(e Entry, now time.Time) {
	delete(r.byKey, e.OwnerKey)
	delete(r.byID, e.NetID)
	if r.hold > 0 {
		r.quarantine[e.NetID] = now.Add(r.hold)
		if len(r.quarantine) >= r.sweepAt {
			r.sweepLocked(now)
		}
	}
	r.version++
}

// sweepLocked drops expired quarantine deadlines. The next sweep is due
// once the map doubles, so the cost stays amortized per release.
func (r *Registry) sweepLocked(now time.Time) {
	for id, until := range r.quarantine {
		if !now.Before(until) {
			delete(r.quarantine, id)
		}
	}
	r.sweepAt = max(minSweep, 2*len(r.quarantine))
}

func (r *Registry) inUseLocked(id models.NetID) bool {
	_, ok := r.byID[id]
	return ok
}

func (r *Registry) quarantinedLocked(id models.NetID, now time.Time) bool {
	until, ok := r.quarantine[id]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(r.quarantine, id)
	return false
}

func (r *Registry) allocateLocked(now time.Time) models.NetID {
	for {
		id := r.next
		r.next++
		if r.next == models.InvalidNetID {
			r.next = 1
		}
		if !id.Valid() || r.inUseLocked(id) || r.quarantinedLocked(id, now) {
			continue
		}
		return id
	}
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].NetID < entries[j].NetID })
}
