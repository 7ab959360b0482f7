package bubble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/rtsrep/internal/core/models"
	"github.com/zeusync/rtsrep/internal/core/replication/config"
)

func at(x, y float64) models.Transform {
	t := models.IdentityTransform()
	t.Location = models.Vec3{X: x, Y: y}
	return t
}

func healthy(hp float64) models.UnitState {
	return models.UnitState{Combat: models.CombatStats{Health: hp, MaxHealth: 100}}
}

func TestUpsertCreatesDirtyItem(t *testing.T) {
	a := NewArray(config.Default())
	assert.True(t, a.Upsert(1, "u1", at(100, 100), healthy(100)))
	it, ok := a.Get(1)
	require.True(t, ok)
	assert.Equal(t, models.OwnerKey("u1"), it.OwnerKey)
	assert.False(t, a.Upsert(0, "bad", at(1, 1), healthy(1)), "zero NetID is rejected")
}

func TestUpsertSuppressesSubThresholdChanges(t *testing.T) {
	a := NewArray(config.Default())
	a.Upsert(1, "u1", at(100, 100), healthy(100))
	v := a.Version()

	assert.False(t, a.Upsert(1, "u1", at(130, 100), healthy(100)), "30 units is below the 50 unit threshold")
	assert.False(t, a.Upsert(1, "u1", at(100, 100), healthy(99.5)), "half a point of health is below threshold")
	assert.Equal(t, v, a.Version())

	assert.True(t, a.Upsert(1, "u1", at(151, 100), healthy(100)))
	it, _ := a.Get(1)
	assert.Equal(t, int32(151), it.Transform.Location.X)
}

func TestUpsertComparesAgainstLastStored(t *testing.T) {
	a := NewArray(config.Default())
	a.Upsert(1, "u1", at(0, 10), healthy(100))
	// creeping movement accumulates until it crosses the threshold
	dirty := 0
	for x := 10.0; x <= 60; x += 10 {
		if a.Upsert(1, "u1", at(x, 10), healthy(100)) {
			dirty++
		}
	}
	assert.Equal(t, 1, dirty)
}

func TestUpsertAngleThreshold(t *testing.T) {
	a := NewArray(config.Default())
	tr := at(10, 10)
	tr.Rotation.Yaw = 90
	a.Upsert(1, "u1", tr, models.UnitState{})

	tr.Rotation.Yaw = 95
	assert.False(t, a.Upsert(1, "u1", tr, models.UnitState{}))
	tr.Rotation.Yaw = 110
	assert.True(t, a.Upsert(1, "u1", tr, models.UnitState{}))
}

func TestUpsertExactFields(t *testing.T) {
	a := NewArray(config.Default())
	st := healthy(100)
	a.Upsert(1, "u1", at(10, 10), st)

	st.Tags = models.TagAttack
	assert.True(t, a.Upsert(1, "u1", at(10, 10), st))

	st.Combat.AttackRange = 300
	assert.True(t, a.Upsert(1, "u1", at(10, 10), st))

	st.Move.ActionID = 4
	assert.True(t, a.Upsert(1, "u1", at(10, 10), st))
}

func TestOverwriteIgnoresThresholds(t *testing.T) {
	a := NewArray(config.Default())
	a.Overwrite(1, "u1", at(100, 100), healthy(100))
	assert.True(t, a.Overwrite(1, "u1", at(102, 100), healthy(100)))
}

func TestJitterProducesNoUpdates(t *testing.T) {
	a := NewArray(config.Default())
	a.Upsert(1, "u1", at(500, 500), healthy(100))
	b := NewBaseline()
	require.True(t, b.Diff(a).Full)

	for tick := 0; tick < 100; tick++ {
		off := 2.0
		if tick%2 == 0 {
			off = -2
		}
		a.Upsert(1, "u1", at(500+off, 500-off), healthy(100))
		assert.True(t, b.Diff(a).Empty(), "tick %d", tick)
	}
}

func TestBaselineSendsOnlyChangedFields(t *testing.T) {
	a := NewArray(config.Default())
	a.Upsert(1, "u1", at(100, 100), healthy(100))
	a.Upsert(2, "u2", at(200, 200), healthy(100))
	b := NewBaseline()
	first := b.Diff(a)
	require.True(t, first.Full)
	require.Len(t, first.Items, 2)
	assert.Equal(t, FieldAll, first.Items[0].Mask)

	a.Upsert(2, "u2", at(400, 200), healthy(100))
	d := b.Diff(a)
	require.Len(t, d.Items, 1)
	assert.Equal(t, models.NetID(2), d.Items[0].NetID)
	assert.Equal(t, FieldLocation, d.Items[0].Mask)
	assert.NotNil(t, d.Items[0].Location)
	assert.Nil(t, d.Items[0].Combat)

	a.Remove(1)
	d = b.Diff(a)
	assert.Equal(t, []models.NetID{1}, d.Removed)
	assert.Empty(t, d.Items)
}

func TestRetainOnly(t *testing.T) {
	a := NewArray(config.Default())
	for id := models.NetID(1); id <= 4; id++ {
		a.Upsert(id, models.OwnerKey(id.String()), at(10, 10), models.UnitState{})
	}
	removed := a.RetainOnly(func(id models.NetID) bool { return id%2 == 0 })
	assert.Equal(t, []models.NetID{1, 3}, removed)
	assert.Equal(t, 2, a.Len())
}

type recorder struct {
	added, changed, removed []models.NetID
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnAdded:   func(it Item) { r.added = append(r.added, it.NetID) },
		OnChanged: func(it Item, _ FieldMask) { r.changed = append(r.changed, it.NetID) },
		OnRemoved: func(it Item) { r.removed = append(r.removed, it.NetID) },
	}
}

func TestMirrorConvergesToServer(t *testing.T) {
	a := NewArray(config.Default())
	b := NewBaseline()
	rec := &recorder{}
	m := NewMirror(rec.callbacks())

	a.Upsert(1, "u1", at(100, 100), healthy(100))
	a.Upsert(2, "u2", at(200, 200), healthy(80))
	m.Apply(b.Diff(a))
	assert.Equal(t, []models.NetID{1, 2}, rec.added)

	st := healthy(40)
	st.Tags = models.TagChase
	a.Upsert(2, "u2", at(300, 200), st)
	m.Apply(b.Diff(a))
	assert.Equal(t, []models.NetID{2}, rec.changed)

	server, _ := a.Get(2)
	client, ok := m.Get(2)
	require.True(t, ok)
	assert.Equal(t, server, client)

	found, ok := m.FindByOwner("u2")
	require.True(t, ok)
	assert.Equal(t, models.NetID(2), found.NetID)

	a.Remove(1)
	m.Apply(b.Diff(a))
	assert.Equal(t, []models.NetID{1}, rec.removed)
	_, ok = m.FindByOwner("u1")
	assert.False(t, ok)
}

func TestMirrorKeyframeIsIdempotent(t *testing.T) {
	a := NewArray(config.Default())
	a.Upsert(1, "u1", at(100, 100), healthy(100))
	a.Upsert(2, "u2", at(200, 200), healthy(100))

	rec := &recorder{}
	m := NewMirror(rec.callbacks())
	b := NewBaseline()
	m.Apply(b.Diff(a))

	// lost send: server resends a keyframe without item 1
	a.Remove(1)
	b.Reset()
	m.Apply(b.Diff(a))

	assert.Equal(t, []models.NetID{1}, rec.removed)
	assert.Empty(t, rec.changed, "replayed unchanged item fires no change")
	assert.Equal(t, 1, m.Len())

	// removing something unknown does nothing
	m.Apply(Delta{Removed: []models.NetID{1, 99}})
	assert.Len(t, rec.removed, 1)
}
