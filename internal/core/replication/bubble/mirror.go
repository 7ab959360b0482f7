package bubble

import (
	"sort"
	"sync"

	"github.com/zeusync/rtsrep/internal/core/models"
)

// Callbacks observe a Mirror. Handlers must be idempotent: a keyframe may
// replay items the client already holds.
type Callbacks struct {
	OnAdded   func(Item)
	OnChanged func(Item, FieldMask)
	OnRemoved func(Item)
}

type notification struct {
	kind FieldMask
	item Item
	op   uint8
}

const (
	opAdded uint8 = iota
	opChanged
	opRemoved
)

// Mirror is the client copy of the bubble.
type Mirror struct {
	mu      sync.RWMutex
	items   map[models.NetID]Item
	byOwner map[models.OwnerKey]models.NetID
	cb      Callbacks
}

func NewMirror(cb Callbacks) *Mirror {
	return &Mirror{
		items:   make(map[models.NetID]Item),
		byOwner: make(map[models.OwnerKey]models.NetID),
		cb:      cb,
	}
}

// Apply merges d and fires callbacks after the mirror is updated.
func (m *Mirror) Apply(d Delta) {
	m.mu.Lock()
	var notes []notification

	if d.Full {
		keep := make(map[models.NetID]struct{}, len(d.Items))
		for _, it := range d.Items {
			keep[it.NetID] = struct{}{}
		}
		for id, it := range m.items {
			if _, ok := keep[id]; !ok {
				m.removeLocked(id)
				notes = append(notes, notification{op: opRemoved, item: it})
			}
		}
	}

	for _, id := range d.Removed {
		if it, ok := m.items[id]; ok {
			m.removeLocked(id)
			notes = append(notes, notification{op: opRemoved, item: it})
		}
	}

	for _, delta := range d.Items {
		if !delta.NetID.Valid() {
			continue
		}
		cur, ok := m.items[delta.NetID]
		next := cur
		delta.applyTo(&next)
		if !ok {
			m.storeLocked(next)
			notes = append(notes, notification{op: opAdded, item: next})
			continue
		}
		mask := diffMask(cur, next)
		if mask == 0 {
			continue
		}
		if mask.Has(FieldOwner) {
			if id, ok := m.byOwner[cur.OwnerKey]; ok && id == cur.NetID {
				delete(m.byOwner, cur.OwnerKey)
			}
		}
		m.storeLocked(next)
		notes = append(notes, notification{op: opChanged, item: next, kind: mask})
	}
	cb := m.cb
	m.mu.Unlock()

	for _, n := range notes {
		switch n.op {
		case opAdded:
			if cb.OnAdded != nil {
				cb.OnAdded(n.item)
			}
		case opChanged:
			if cb.OnChanged != nil {
				cb.OnChanged(n.item, n.kind)
			}
		case opRemoved:
			if cb.OnRemoved != nil {
				cb.OnRemoved(n.item)
			}
		}
	}
}

func (m *Mirror) storeLocked(it Item) {
	m.items[it.NetID] = it
	if it.OwnerKey != "" {
		m.byOwner[it.OwnerKey] = it.NetID
	}
}

func (m *Mirror) removeLocked(id models.NetID) {
	it := m.items[id]
	delete(m.items, id)
	if owner, ok := m.byOwner[it.OwnerKey]; ok && owner == id {
		delete(m.byOwner, it.OwnerKey)
	}
}

// SetCallbacks replaces the observers.
func (m *Mirror) SetCallbacks(cb Callbacks) {
	m.mu.Lock()
	m.cb = cb
	m.mu.Unlock()
}

func (m *Mirror) Get(id models.NetID) (Item, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	return it, ok
}

func (m *Mirror) Has(id models.NetID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.items[id]
	return ok
}

// FindByOwner returns the item last replicated for key.
func (m *Mirror) FindByOwner(key models.OwnerKey) (Item, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byOwner[key]
	if !ok {
		return Item{}, false
	}
	it, ok := m.items[id]
	return it, ok
}

func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Items returns a copy of every item ordered by NetID.
func (m *Mirror) Items() []Item {
	m.mu.RLock()
	out := make([]Item, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NetID < out[j].NetID })
	return out
}
