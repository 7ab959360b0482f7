package bubble

import (
	"math"

	"github.com/zeusync/rtsrep/internal/core/models"
	"github.com/zeusync/rtsrep/internal/core/replication/config"
	"github.com/zeusync/rtsrep/internal/core/replication/quant"
)

// FieldMask selects the field classes carried by an ItemDelta.
type FieldMask uint16

const (
	FieldOwner FieldMask = 1 << iota
	FieldLocation
	FieldRotation
	FieldScale
	FieldTags
	FieldCombat
	FieldAgent
	FieldAI
	FieldTarget
	FieldMove

	FieldAll = FieldOwner | FieldLocation | FieldRotation | FieldScale | FieldTags |
		FieldCombat | FieldAgent | FieldAI | FieldTarget | FieldMove
)

func (m FieldMask) Has(f FieldMask) bool { return m&f != 0 }

// Item is the last replicated state of one unit.
type Item struct {
	NetID     models.NetID     `msgpack:"id"`
	OwnerKey  models.OwnerKey  `msgpack:"o"`
	Transform quant.Packed     `msgpack:"x"`
	State     models.UnitState `msgpack:"s"`
}

func (it Item) Unpack(u quant.Units) models.Transform {
	return it.Transform.Unpack(u)
}

func diffMask(a, b Item) FieldMask {
	var m FieldMask
	if a.OwnerKey != b.OwnerKey {
		m |= FieldOwner
	}
	if a.Transform.Location != b.Transform.Location {
		m |= FieldLocation
	}
	if a.Transform.Rotation != b.Transform.Rotation {
		m |= FieldRotation
	}
	if a.Transform.Scale != b.Transform.Scale {
		m |= FieldScale
	}
	if a.State.Tags != b.State.Tags {
		m |= FieldTags
	}
	if a.State.Combat != b.State.Combat {
		m |= FieldCombat
	}
	if a.State.Agent != b.State.Agent {
		m |= FieldAgent
	}
	if a.State.AI != b.State.AI {
		m |= FieldAI
	}
	if a.State.Target != b.State.Target {
		m |= FieldTarget
	}
	if a.State.Move != b.State.Move {
		m |= FieldMove
	}
	return m
}

// ItemDelta carries the fields of one item selected by Mask.
type ItemDelta struct {
	NetID    models.NetID                 `msgpack:"id"`
	Mask     FieldMask                    `msgpack:"m"`
	OwnerKey models.OwnerKey              `msgpack:"o,omitempty"`
	Location *quant.QVec3                 `msgpack:"l,omitempty"`
	Rotation *quant.QRotator              `msgpack:"r,omitempty"`
	Scale    *quant.QVec3                 `msgpack:"s,omitempty"`
	Tags     models.TagBits               `msgpack:"t,omitempty"`
	Combat   *models.CombatStats          `msgpack:"c,omitempty"`
	Agent    *models.AgentCharacteristics `msgpack:"a,omitempty"`
	AI       *models.AIStateSummary       `msgpack:"ai,omitempty"`
	Target   *models.AITarget             `msgpack:"tg,omitempty"`
	Move     *models.MoveIntent           `msgpack:"mv,omitempty"`
}

func makeDelta(it Item, mask FieldMask) ItemDelta {
	d := ItemDelta{NetID: it.NetID, Mask: mask}
	if mask.Has(FieldOwner) {
		d.OwnerKey = it.OwnerKey
	}
	if mask.Has(FieldLocation) {
		v := it.Transform.Location
		d.Location = &v
	}
	if mask.Has(FieldRotation) {
		v := it.Transform.Rotation
		d.Rotation = &v
	}
	if mask.Has(FieldScale) {
		v := it.Transform.Scale
		d.Scale = &v
	}
	if mask.Has(FieldTags) {
		d.Tags = it.State.Tags
	}
	if mask.Has(FieldCombat) {
		v := it.State.Combat
		d.Combat = &v
	}
	if mask.Has(FieldAgent) {
		v := it.State.Agent
		d.Agent = &v
	}
	if mask.Has(FieldAI) {
		v := it.State.AI
		d.AI = &v
	}
	if mask.Has(FieldTarget) {
		v := it.State.Target
		d.Target = &v
	}
	if mask.Has(FieldMove) {
		v := it.State.Move
		d.Move = &v
	}
	return d
}

// applyTo writes the masked fields of d into it. Fields flagged in the mask
// but missing from the payload are left untouched.
func (d ItemDelta) applyTo(it *Item) {
	it.NetID = d.NetID
	if d.Mask.Has(FieldOwner) {
		it.OwnerKey = d.OwnerKey
	}
	if d.Mask.Has(FieldLocation) && d.Location != nil {
		it.Transform.Location = *d.Location
	}
	if d.Mask.Has(FieldRotation) && d.Rotation != nil {
		it.Transform.Rotation = *d.Rotation
	}
	if d.Mask.Has(FieldScale) && d.Scale != nil {
		it.Transform.Scale = *d.Scale
	}
	if d.Mask.Has(FieldTags) {
		it.State.Tags = d.Tags
	}
	if d.Mask.Has(FieldCombat) && d.Combat != nil {
		it.State.Combat = *d.Combat
	}
	if d.Mask.Has(FieldAgent) && d.Agent != nil {
		it.State.Agent = *d.Agent
	}
	if d.Mask.Has(FieldAI) && d.AI != nil {
		it.State.AI = *d.AI
	}
	if d.Mask.Has(FieldTarget) && d.Target != nil {
		it.State.Target = *d.Target
	}
	if d.Mask.Has(FieldMove) && d.Move != nil {
		it.State.Move = *d.Move
	}
}

// merge returns cur updated with the parts of next that moved past the
// dirty thresholds.
func merge(cur, next Item, thr config.Thresholds, u quant.Units) Item {
	out := cur
	out.OwnerKey = next.OwnerKey

	curLoc := cur.Transform.Location.Dequantize(u.Location)
	nextLoc := next.Transform.Location.Dequantize(u.Location)
	if curLoc.Distance(nextLoc) > thr.Location {
		out.Transform.Location = next.Transform.Location
	}

	// rotations are already snapped to the angle threshold when packed
	out.Transform.Rotation = next.Transform.Rotation

	curScale := cur.Transform.Scale.Dequantize(u.Scale)
	nextScale := next.Transform.Scale.Dequantize(u.Scale)
	if exceeds(curScale.X, nextScale.X, thr.Scale) ||
		exceeds(curScale.Y, nextScale.Y, thr.Scale) ||
		exceeds(curScale.Z, nextScale.Z, thr.Scale) {
		out.Transform.Scale = next.Transform.Scale
	}

	out.State.Tags = next.State.Tags
	if combatChanged(cur.State.Combat, next.State.Combat, thr) {
		out.State.Combat = next.State.Combat
	}
	out.State.Agent = next.State.Agent
	out.State.AI = next.State.AI
	out.State.Target = next.State.Target
	out.State.Move = next.State.Move
	return out
}

func combatChanged(a, b models.CombatStats, thr config.Thresholds) bool {
	if exceeds(a.Health, b.Health, thr.Health) ||
		exceeds(a.MaxHealth, b.MaxHealth, thr.Health) ||
		exceeds(a.Shield, b.Shield, thr.Health) ||
		exceeds(a.MaxShield, b.MaxShield, thr.Health) ||
		exceeds(a.SightRadius, b.SightRadius, thr.SightRadius) ||
		exceeds(a.LoseSightRadius, b.LoseSightRadius, thr.SightRadius) {
		return true
	}
	a.Health, b.Health = 0, 0
	a.MaxHealth, b.MaxHealth = 0, 0
	a.Shield, b.Shield = 0, 0
	a.MaxShield, b.MaxShield = 0, 0
	a.SightRadius, b.SightRadius = 0, 0
	a.LoseSightRadius, b.LoseSightRadius = 0, 0
	return a != b
}

// exceeds reports a change strictly larger than threshold. With a zero
// threshold any change counts.
func exceeds(a, b, threshold float64) bool {
	d := math.Abs(a - b)
	if threshold <= 0 {
		return d > 0
	}
	return d > threshold
}
