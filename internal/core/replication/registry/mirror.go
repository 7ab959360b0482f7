package registry

import (
	"sort"
	"sync"

	"github.com/zeusync/rtsrep/internal/core/models"
)

// Mirror is a client's read-only copy of the server registry, fed by deltas.
type Mirror struct {
	mu        sync.RWMutex
	byID      map[models.NetID]Entry
	byKey     map[models.OwnerKey]models.NetID
	byIndex   map[int32]models.NetID
	version   uint64
	signature uint64
	dirty     bool
}

func NewMirror() *Mirror {
	return &Mirror{
		byID:    make(map[models.NetID]Entry),
		byKey:   make(map[models.OwnerKey]models.NetID),
		byIndex: make(map[int32]models.NetID),
	}
}

// Apply merges d. Removing an unknown NetID is a no-op.
func (m *Mirror) Apply(d Delta) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.Full {
		m.byID = make(map[models.NetID]Entry, len(d.Upserts))
		m.byKey = make(map[models.OwnerKey]models.NetID, len(d.Upserts))
		m.byIndex = make(map[int32]models.NetID, len(d.Upserts))
	}
	for _, id := range d.Removed {
		if e, ok := m.byID[id]; ok {
			m.unindexLocked(e)
		}
	}
	for _, e := range d.Upserts {
		if prev, ok := m.byID[e.NetID]; ok {
			m.unindexLocked(prev)
		}
		if prevID, ok := m.byKey[e.OwnerKey]; ok && prevID != e.NetID {
			m.unindexLocked(m.byID[prevID])
		}
		m.byID[e.NetID] = e
		m.byKey[e.OwnerKey] = e.NetID
		if e.LocalIndex != models.NoLocalIndex {
			m.byIndex[e.LocalIndex] = e.NetID
		}
	}
	m.version = d.Version
	m.dirty = true
}

func (m *Mirror) unindexLocked(e Entry) {
	delete(m.byID, e.NetID)
	if id, ok := m.byKey[e.OwnerKey]; ok && id == e.NetID {
		delete(m.byKey, e.OwnerKey)
	}
	if id, ok := m.byIndex[e.LocalIndex]; ok && id == e.NetID {
		delete(m.byIndex, e.LocalIndex)
	}
}

func (m *Mirror) Has(id models.NetID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byID[id]
	return ok
}

func (m *Mirror) Get(id models.NetID) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	return e, ok
}

func (m *Mirror) LookupOwner(key models.OwnerKey) (models.NetID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[key]
	return id, ok
}

func (m *Mirror) LookupIndex(idx int32) (models.NetID, bool) {
	if idx == models.NoLocalIndex {
		return models.InvalidNetID, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byIndex[idx]
	return id, ok
}

func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func (m *Mirror) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Entries returns all entries ordered by NetID.
func (m *Mirror) Entries() []Entry {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.byID))
	for _, e := range m.byID {
		out = append(out, e)
	}
	m.mu.RUnlock()
	sortEntries(out)
	return out
}

// Signature hashes the current NetID set, recomputed lazily after Apply.
func (m *Mirror) Signature() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dirty {
		entries := make([]Entry, 0, len(m.byID))
		for _, e := range m.byID {
			entries = append(entries, e)
		}
		m.signature = Signature(entries)
		m.dirty = false
	}
	return m.signature
}

func sortIDs(ids []models.NetID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
