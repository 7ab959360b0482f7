package models

import "strconv"

// NetID is the server-assigned network identity of a replicated unit.
// Zero means unassigned.
type NetID uint32

const InvalidNetID NetID = 0

func (id NetID) Valid() bool { return id != InvalidNetID }

func (id NetID) String() string { return strconv.FormatUint(uint64(id), 10) }

// OwnerKey is the stable spawn-time name of a unit, shared by server and
// clients before any NetID exists.
type OwnerKey string

// NoLocalIndex marks a unit without a secondary local index.
const NoLocalIndex int32 = -1

// Replicable is the server-side view of a simulated unit.
type Replicable interface {
	OwnerKey() OwnerKey
	LocalIndex() int32
	NetID() NetID
	SetNetID(NetID)
	Transform() Transform
	State() UnitState
	// Terminal reports a dead or despawning unit that must leave replication.
	Terminal() bool
}

// LocalEntity is the client-side view of a unit that receives replicated
// state.
type LocalEntity interface {
	OwnerKey() OwnerKey
	LocalIndex() int32
	NetID() NetID
	SetNetID(NetID)
	// Transform is the last transform the entity holds locally.
	Transform() Transform
	SetReplicatedTransform(Transform)
	State() UnitState
	ApplyState(UnitState)
}

// Chunk is a group of units stored together by the simulation.
type Chunk interface {
	Key() string
	Len() int
	At(i int) Replicable
}

// Population is the server-side set of live simulated units.
type Population interface {
	Chunks() []Chunk
	Each(fn func(Replicable) bool)
}
