// Package bubble holds the per-unit snapshot stream: the server array that
// absorbs sub-threshold changes, per-client baselines that turn it into
// per-field deltas, and the client mirror that replays them.
package bubble

import (
	"sort"
	"sync"

	"github.com/zeusync/rtsrep/internal/core/models"
	"github.com/zeusync/rtsrep/internal/core/replication/config"
	"github.com/zeusync/rtsrep/internal/core/replication/quant"
)

type slot struct {
	item    Item
	version uint64
}

// Array is the server-side snapshot set keyed by NetID.
type Array struct {
	mu      sync.RWMutex
	items   map[models.NetID]*slot
	version uint64
	thr     config.Thresholds
	units   quant.Units
}

func NewArray(cfg *config.Config) *Array {
	return &Array{
		items: make(map[models.NetID]*slot),
		thr:   cfg.Thresholds,
		units: cfg.Units(),
	}
}

// Upsert stores the unit state. A new item is created fully dirty; an
// existing one only takes the field classes that moved past their
// thresholds. It reports whether the item changed.
func (a *Array) Upsert(id models.NetID, key models.OwnerKey, t models.Transform, st models.UnitState) bool {
	return a.put(id, key, t, st, true)
}

// Overwrite stores the quantized state without thresholds.
func (a *Array) Overwrite(id models.NetID, key models.OwnerKey, t models.Transform, st models.UnitState) bool {
	return a.put(id, key, t, st, false)
}

func (a *Array) put(id models.NetID, key models.OwnerKey, t models.Transform, st models.UnitState, shaped bool) bool {
	if !id.Valid() {
		return false
	}
	next := Item{NetID: id, OwnerKey: key, Transform: quant.Pack(t, a.units), State: st}

	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.items[id]
	if !ok {
		a.version++
		a.items[id] = &slot{item: next, version: a.version}
		return true
	}
	if shaped {
		next = merge(s.item, next, a.thr, a.units)
	}
	if next == s.item {
		return false
	}
	a.version++
	s.item = next
	s.version = a.version
	return true
}

// Remove deletes the item. Removing an absent NetID is a no-op.
func (a *Array) Remove(id models.NetID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.items[id]; !ok {
		return false
	}
	delete(a.items, id)
	a.version++
	return true
}

// RetainOnly removes every item whose NetID fails keep and returns them.
func (a *Array) RetainOnly(keep func(models.NetID) bool) []models.NetID {
	a.mu.Lock()
	defer a.mu.Unlock()
	var removed []models.NetID
	for id := range a.items {
		if !keep(id) {
			delete(a.items, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		a.version++
		sortIDs(removed)
	}
	return removed
}

func (a *Array) Get(id models.NetID) (Item, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.items[id]
	if !ok {
		return Item{}, false
	}
	return s.item, true
}

func (a *Array) Has(id models.NetID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.items[id]
	return ok
}

func (a *Array) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.items)
}

func (a *Array) Version() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.version
}

// Units returns the quantization units the array packs with.
func (a *Array) Units() quant.Units { return a.units }

// Delta is the set of item changes for one client. A Full delta replaces
// the receiver's set.
type Delta struct {
	Full    bool           `msgpack:"f,omitempty"`
	Items   []ItemDelta    `msgpack:"i,omitempty"`
	Removed []models.NetID `msgpack:"r,omitempty"`
}

func (d Delta) Empty() bool {
	return !d.Full && len(d.Items) == 0 && len(d.Removed) == 0
}

type sentItem struct {
	item    Item
	version uint64
}

// Baseline remembers what one client was last sent. Not safe for concurrent
// use; the array itself may be read concurrently by many baselines.
type Baseline struct {
	sent    map[models.NetID]sentItem
	version uint64
	primed  bool
}

func NewBaseline() *Baseline {
	return &Baseline{sent: make(map[models.NetID]sentItem)}
}

// Diff builds the per-field delta from the baseline to the array and
// advances the baseline as if it was delivered.
func (b *Baseline) Diff(a *Array) Delta {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if b.primed && a.version == b.version {
		return Delta{}
	}

	d := Delta{Full: !b.primed}
	if d.Full {
		b.sent = make(map[models.NetID]sentItem, len(a.items))
	}

	for id, s := range a.items {
		prev, ok := b.sent[id]
		switch {
		case !ok:
			d.Items = append(d.Items, makeDelta(s.item, FieldAll))
		case prev.version != s.version:
			if mask := diffMask(prev.item, s.item); mask != 0 {
				d.Items = append(d.Items, makeDelta(s.item, mask))
			}
		default:
			continue
		}
		b.sent[id] = sentItem{item: s.item, version: s.version}
	}
	for id := range b.sent {
		if _, ok := a.items[id]; !ok {
			d.Removed = append(d.Removed, id)
			delete(b.sent, id)
		}
	}

	sort.Slice(d.Items, func(i, j int) bool { return d.Items[i].NetID < d.Items[j].NetID })
	sortIDs(d.Removed)
	b.primed = true
	b.version = a.version
	return d
}

// Reset forces the next Diff to be a full keyframe.
func (b *Baseline) Reset() {
	b.primed = false
	b.sent = make(map[models.NetID]sentItem)
}

func sortIDs(ids []models.NetID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
