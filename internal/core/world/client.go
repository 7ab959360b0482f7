package world

import (
	"sort"
	"sync"

	"github.com/zeusync/rtsrep/internal/core/models"
)

var _ models.LocalEntity = (*LocalUnit)(nil)

// LocalUnit is a client entity. Proxies are spawned by linking and
// destroyed by unlinking; simulated units only lose their binding.
type LocalUnit struct {
	key       models.OwnerKey
	index     int32
	id        models.NetID
	transform models.Transform
	state     models.UnitState
	proxy     bool
	applied   int
}

func (u *LocalUnit) OwnerKey() models.OwnerKey   { return u.key }
func (u *LocalUnit) LocalIndex() int32           { return u.index }
func (u *LocalUnit) NetID() models.NetID         { return u.id }
func (u *LocalUnit) SetNetID(id models.NetID)    { u.id = id }
func (u *LocalUnit) Transform() models.Transform { return u.transform }
func (u *LocalUnit) State() models.UnitState     { return u.state }
func (u *LocalUnit) Proxy() bool                 { return u.proxy }

// Applied counts snapshots applied to the unit.
func (u *LocalUnit) Applied() int { return u.applied }

// Visible reports whether the unit has a position worth rendering. A proxy
// stays hidden until its first replicated transform arrives.
func (u *LocalUnit) Visible() bool { return !u.proxy || u.applied > 0 }

func (u *LocalUnit) SetReplicatedTransform(t models.Transform) {
	u.transform = t
	u.applied++
}

func (u *LocalUnit) ApplyState(st models.UnitState) { u.state = st }

// LocalWorld is the client's set of entities. It also binds and unbinds
// them on behalf of reconciliation.
type LocalWorld struct {
	mu    sync.RWMutex
	units map[models.OwnerKey]*LocalUnit
}

func NewLocal() *LocalWorld {
	return &LocalWorld{units: make(map[models.OwnerKey]*LocalUnit)}
}

// Spawn adds a locally simulated unit without a NetID.
func (w *LocalWorld) Spawn(key models.OwnerKey, index int32, t models.Transform) *LocalUnit {
	w.mu.Lock()
	defer w.mu.Unlock()
	if u, ok := w.units[key]; ok {
		return u
	}
	u := &LocalUnit{key: key, index: index, transform: t}
	w.units[key] = u
	return u
}

// Link binds id to the unit owning key, spawning a hidden proxy when the
// client has no such unit. Relinking an already bound unit is a no-op.
func (w *LocalWorld) Link(key models.OwnerKey, id models.NetID, index int32) bool {
	if key == "" || !id.Valid() {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	u, ok := w.units[key]
	if !ok {
		u = &LocalUnit{key: key, index: index, transform: models.IdentityTransform(), proxy: true}
		w.units[key] = u
	}
	if u.id == id {
		return false
	}
	u.id = id
	return true
}

// Unlink destroys proxies bound to id and clears the binding of simulated
// units holding it.
func (w *LocalWorld) Unlink(id models.NetID) bool {
	if !id.Valid() {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := false
	for key, u := range w.units {
		if u.id != id {
			continue
		}
		if u.proxy {
			delete(w.units, key)
		} else {
			u.id = models.InvalidNetID
		}
		changed = true
	}
	return changed
}

// Release drops the binding of the unit owning key. A proxy is destroyed,
// a simulated unit only loses its NetID.
func (w *LocalWorld) Release(key models.OwnerKey) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	u, ok := w.units[key]
	if !ok {
		return false
	}
	if u.proxy {
		delete(w.units, key)
		return true
	}
	if !u.id.Valid() {
		return false
	}
	u.id = models.InvalidNetID
	return true
}

func (w *LocalWorld) Get(key models.OwnerKey) (*LocalUnit, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	u, ok := w.units[key]
	return u, ok
}

// ByNetID returns the first unit bound to id.
func (w *LocalWorld) ByNetID(id models.NetID) (*LocalUnit, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, u := range w.units {
		if u.id == id {
			return u, true
		}
	}
	return nil, false
}

func (w *LocalWorld) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.units)
}

// Entities returns every unit ordered by OwnerKey.
func (w *LocalWorld) Entities() []models.LocalEntity {
	w.mu.RLock()
	units := make([]*LocalUnit, 0, len(w.units))
	for _, u := range w.units {
		units = append(units, u)
	}
	w.mu.RUnlock()
	sort.Slice(units, func(i, j int) bool { return units[i].key < units[j].key })
	out := make([]models.LocalEntity, len(units))
	for i, u := range units {
		out[i] = u
	}
	return out
}

// Visible counts units that have a position to show.
func (w *LocalWorld) Visible() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	n := 0
	for _, u := range w.units {
		if u.Visible() {
			n++
		}
	}
	return n
}

// Bound counts units holding a NetID.
func (w *LocalWorld) Bound() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	n := 0
	for _, u := range w.units {
		if u.id.Valid() {
			n++
		}
	}
	return n
}
