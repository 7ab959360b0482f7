package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/rtsrep/internal/core/models"
)

type stubEntity struct {
	key   models.OwnerKey
	index int32
	id    models.NetID
}

func (e *stubEntity) OwnerKey() models.OwnerKey   { return e.key }
func (e *stubEntity) LocalIndex() int32           { return e.index }
func (e *stubEntity) NetID() models.NetID         { return e.id }
func (e *stubEntity) SetNetID(id models.NetID)    { e.id = id }
func (e *stubEntity) Transform() models.Transform { return models.Transform{} }
func (e *stubEntity) SetReplicatedTransform(models.Transform) {}
func (e *stubEntity) State() models.UnitState { return models.UnitState{} }
func (e *stubEntity) ApplyState(models.UnitState) {}

func entities(n int) []models.LocalEntity {
	out := make([]models.LocalEntity, n)
	for i := range out {
		out[i] = &stubEntity{key: models.OwnerKey(fmt.Sprintf("unit-%d", i)), index: int32(i)}
	}
	return out
}

var t0 = time.Unix(1_700_000_000, 0)

func TestWorldCacheRebuildsOnInterval(t *testing.T) {
	c := NewWorldCache(time.Second, true)
	list := entities(100)

	require.True(t, c.RebuildIfNeeded(t0, list))
	assert.Equal(t, 100, c.Len())

	e, ok := c.FindByOwnerKey("unit-42")
	require.True(t, ok)
	assert.Equal(t, int32(42), e.LocalIndex())

	e, ok = c.FindByLocalIndex(7)
	require.True(t, ok)
	assert.Equal(t, models.OwnerKey("unit-7"), e.OwnerKey())

	more := append(list, &stubEntity{key: "late", index: 500})
	assert.False(t, c.RebuildIfNeeded(t0.Add(500*time.Millisecond), more))
	_, ok = c.FindByOwnerKey("late")
	assert.False(t, ok, "stale until the interval elapses")

	assert.True(t, c.RebuildIfNeeded(t0.Add(time.Second), more))
	_, ok = c.FindByOwnerKey("late")
	assert.True(t, ok)
}

func TestWorldCacheClear(t *testing.T) {
	c := NewWorldCache(time.Minute, true)
	c.RebuildIfNeeded(t0, entities(10))
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.True(t, c.RebuildIfNeeded(t0.Add(time.Millisecond), entities(3)), "clear forces the next rebuild")
}

func TestDisabledWorldCache(t *testing.T) {
	c := NewWorldCache(time.Second, false)
	assert.False(t, c.RebuildIfNeeded(t0, entities(5)))
	_, ok := c.FindByOwnerKey("unit-1")
	assert.False(t, ok)
}

func TestTransformCacheTrim(t *testing.T) {
	c := NewTransformCache()
	for id := models.NetID(1); id <= 5; id++ {
		c.Set(id, models.Transform{Location: models.Vec3{X: float64(id)}})
	}
	c.Set(0, models.Transform{})
	assert.Equal(t, 5, c.Len())

	dropped := c.Trim(func(id models.NetID) bool { return id <= 2 })
	assert.Equal(t, 3, dropped)
	tr, ok := c.Get(2)
	require.True(t, ok)
	assert.Equal(t, 2.0, tr.Location.X)
	_, ok = c.Get(3)
	assert.False(t, ok)
}
