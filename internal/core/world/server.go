// Package world is an in-memory unit store standing in for the simulation's
// component storage. The server side groups units into fixed-size chunks;
// the client side holds the local entities replication binds to.
package world

import (
	"math"
	"math/rand"
	"sort"
	"strconv"

	"github.com/zeusync/rtsrep/internal/core/models"
)

var (
	_ models.Replicable = (*Unit)(nil)
	_ models.Population = (*World)(nil)
	_ models.Chunk      = (*chunk)(nil)
)

// Unit is one simulated unit on the server.
type Unit struct {
	key       models.OwnerKey
	index     int32
	id        models.NetID
	transform models.Transform
	state     models.UnitState
	dead      bool
	chunk     *chunk
}

func (u *Unit) OwnerKey() models.OwnerKey       { return u.key }
func (u *Unit) LocalIndex() int32               { return u.index }
func (u *Unit) NetID() models.NetID             { return u.id }
func (u *Unit) SetNetID(id models.NetID)        { u.id = id }
func (u *Unit) Transform() models.Transform     { return u.transform }
func (u *Unit) State() models.UnitState         { return u.state }
func (u *Unit) Terminal() bool                  { return u.dead || u.state.Tags.Has(models.TagDead) }
func (u *Unit) SetTransform(t models.Transform) { u.transform = t }
func (u *Unit) SetState(st models.UnitState)    { u.state = st }

// Kill marks the unit dead; it stays in the world until despawned.
func (u *Unit) Kill() {
	u.dead = true
	u.state.Tags = u.state.Tags.With(models.TagDead)
	u.state.Combat.Health = 0
}

type chunk struct {
	key   string
	units []*Unit
}

func (c *chunk) Key() string                { return c.key }
func (c *chunk) Len() int                   { return len(c.units) }
func (c *chunk) At(i int) models.Replicable { return c.units[i] }

// World holds server units in chunks of at most chunkSize.
type World struct {
	chunks    []*chunk
	byKey     map[models.OwnerKey]*Unit
	chunkSize int
	nextIndex int32
	nextChunk int
}

func New(chunkSize int) *World {
	if chunkSize <= 0 {
		chunkSize = 128
	}
	return &World{
		byKey:     make(map[models.OwnerKey]*Unit),
		chunkSize: chunkSize,
	}
}

// Spawn adds a unit. Spawning an existing key returns the existing unit.
func (w *World) Spawn(key models.OwnerKey, t models.Transform, st models.UnitState) *Unit {
	if u, ok := w.byKey[key]; ok {
		return u
	}
	u := &Unit{key: key, index: w.nextIndex, transform: t, state: st}
	w.nextIndex++

	c := w.openChunk()
	c.units = append(c.units, u)
	u.chunk = c
	w.byKey[key] = u
	return u
}

func (w *World) openChunk() *chunk {
	for _, c := range w.chunks {
		if len(c.units) < w.chunkSize {
			return c
		}
	}
	c := &chunk{key: "chunk-" + strconv.Itoa(w.nextChunk)}
	w.nextChunk++
	w.chunks = append(w.chunks, c)
	return c
}

// Despawn removes the unit from the world.
func (w *World) Despawn(key models.OwnerKey) bool {
	u, ok := w.byKey[key]
	if !ok {
		return false
	}
	delete(w.byKey, key)
	c := u.chunk
	for i, other := range c.units {
		if other == u {
			c.units = append(c.units[:i], c.units[i+1:]...)
			break
		}
	}
	return true
}

func (w *World) Get(key models.OwnerKey) (*Unit, bool) {
	u, ok := w.byKey[key]
	return u, ok
}

func (w *World) Len() int { return len(w.byKey) }

func (w *World) Chunks() []models.Chunk {
	out := make([]models.Chunk, 0, len(w.chunks))
	for _, c := range w.chunks {
		out = append(out, c)
	}
	return out
}

func (w *World) Each(fn func(models.Replicable) bool) {
	for _, c := range w.chunks {
		for _, u := range c.units {
			if !fn(u) {
				return
			}
		}
	}
}

// Units returns every unit ordered by OwnerKey.
func (w *World) Units() []*Unit {
	out := make([]*Unit, 0, len(w.byKey))
	for _, u := range w.byKey {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// Wander advances every live unit toward its move target, picking a new
// random target inside radius once it arrives. Used by the demo server.
func (w *World) Wander(rng *rand.Rand, dt, radius float64) {
	for _, u := range w.Units() {
		if u.Terminal() {
			continue
		}
		mv := &u.state.Move
		if !mv.HasTarget || mv.IntentAtGoal {
			mv.HasTarget = true
			mv.IntentAtGoal = false
			mv.Center = models.Vec3{X: (rng.Float64()*2 - 1) * radius, Y: (rng.Float64()*2 - 1) * radius}
			mv.DesiredSpeed = 100 + rng.Float64()*200
			mv.SlackRadius = 25
			mv.ActionID++
			u.state.Tags = u.state.Tags.With(models.TagRun).Without(models.TagIdle)
		}
		to := mv.Center.Sub(u.transform.Location)
		dist := to.Length()
		mv.DistanceToGoal = dist
		step := mv.DesiredSpeed * dt
		if dist <= mv.SlackRadius || dist <= step {
			u.transform.Location = mv.Center
			mv.IntentAtGoal = true
			u.state.Tags = u.state.Tags.With(models.TagIdle).Without(models.TagRun)
			continue
		}
		u.transform.Location = u.transform.Location.Add(to.Scale(step / dist))
		u.transform.Rotation.Yaw = math.Atan2(to.Y, to.X) * 180 / math.Pi
	}
}
