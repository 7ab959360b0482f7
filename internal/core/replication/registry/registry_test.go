package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/rtsrep/internal/core/models"
)

type fakeUnit struct {
	key      models.OwnerKey
	index    int32
	id       models.NetID
	terminal bool
}

func (u *fakeUnit) OwnerKey() models.OwnerKey   { return u.key }
func (u *fakeUnit) LocalIndex() int32           { return u.index }
func (u *fakeUnit) NetID() models.NetID         { return u.id }
func (u *fakeUnit) SetNetID(id models.NetID)    { u.id = id }
func (u *fakeUnit) Transform() models.Transform { return models.IdentityTransform() }
func (u *fakeUnit) State() models.UnitState     { return models.UnitState{} }
func (u *fakeUnit) Terminal() bool              { return u.terminal }

type fakePopulation []*fakeUnit

func (p fakePopulation) Chunks() []models.Chunk { return nil }

func (p fakePopulation) Each(fn func(models.Replicable) bool) {
	for _, u := range p {
		if !fn(u) {
			return
		}
	}
}

var t0 = time.Unix(1_700_000_000, 0)

func TestEnsureEntityRegisteredIsIdempotent(t *testing.T) {
	r := New(15*time.Second, nil)

	id := r.EnsureEntityRegistered("a", 0, 0, t0)
	require.Equal(t, models.NetID(1), id)
	assert.Equal(t, id, r.EnsureEntityRegistered("a", 0, 0, t0))
	assert.Equal(t, id, r.EnsureEntityRegistered("a", 99, 0, t0), "registry keeps its own id")
	assert.Equal(t, 1, r.Len())

	assert.Equal(t, models.InvalidNetID, r.EnsureEntityRegistered("", 0, 0, t0))
}

func TestAllocationIsStrictlyIncreasing(t *testing.T) {
	r := New(15*time.Second, nil)
	var last models.NetID
	for i := 0; i < 100; i++ {
		id := r.EnsureEntityRegistered(models.OwnerKey(fmt.Sprintf("u%d", i)), 0, int32(i), t0)
		require.Greater(t, id, last)
		last = id
	}
}

func TestExistingNetIDIsKeptWhenFree(t *testing.T) {
	r := New(15*time.Second, nil)
	assert.Equal(t, models.NetID(42), r.EnsureEntityRegistered("a", 42, 0, t0))
	// counter moves past adopted ids
	assert.Equal(t, models.NetID(43), r.EnsureEntityRegistered("b", 0, 1, t0))
	// taken id is not shared
	assert.Equal(t, models.NetID(44), r.EnsureEntityRegistered("c", 42, 2, t0))
}

func TestQuarantinePreventsReuse(t *testing.T) {
	r := New(15*time.Second, nil)
	id := r.EnsureEntityRegistered("a", 0, 0, t0)
	removed, ok := r.RemoveEntity("a", t0)
	require.True(t, ok)
	require.Equal(t, id, removed)

	assert.True(t, r.Quarantined(id, t0.Add(14*time.Second)))
	again := r.EnsureEntityRegistered("b", id, 1, t0.Add(time.Second))
	assert.NotEqual(t, id, again, "quarantined id must not be handed out")

	assert.False(t, r.Quarantined(id, t0.Add(15*time.Second)))
	assert.Equal(t, id, r.EnsureEntityRegistered("c", id, 2, t0.Add(16*time.Second)))
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	r := New(time.Second, nil)
	_, ok := r.RemoveEntity("ghost", t0)
	assert.False(t, ok)
	assert.False(t, r.RemoveNetID(7, t0))
}

func TestReconcileInsertsRepairsAndPrunes(t *testing.T) {
	r := New(15*time.Second, nil)
	a := &fakeUnit{key: "a", index: 0}
	b := &fakeUnit{key: "b", index: 1}
	dead := &fakeUnit{key: "dead", index: 2, terminal: true}
	pop := fakePopulation{a, b, dead}

	r.EnsureEntityRegistered("stale", 0, 9, t0)
	r.EnsureEntityRegistered("dead", 0, 2, t0)

	res := r.Reconcile(pop, t0)
	assert.Equal(t, 2, res.Live)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 2, res.Pruned)
	assert.True(t, a.NetID().Valid())
	assert.True(t, b.NetID().Valid())
	assert.NotEqual(t, a.NetID(), b.NetID())

	_, ok := r.Lookup("stale")
	assert.False(t, ok)
	_, ok = r.Lookup("dead")
	assert.False(t, ok)

	// a unit carrying a wrong id is corrected
	a.id = 999
	res = r.Reconcile(pop, t0)
	assert.Equal(t, 1, res.Repaired)
	e, _ := r.Lookup("a")
	assert.Equal(t, e.NetID, a.NetID())

	assert.True(t, r.AllRegistered(pop))
	assert.Equal(t, 1.0, r.RegistrationProgress(pop))
}

func TestRegistrationProgress(t *testing.T) {
	r := New(time.Second, nil)
	pop := fakePopulation{{key: "a"}, {key: "b"}, {key: "c"}, {key: "d"}}
	r.EnsureEntityRegistered("a", 0, 0, t0)
	registered, live := r.RegistrationCounts(pop)
	assert.Equal(t, 1, registered)
	assert.Equal(t, 4, live)
	assert.InDelta(t, 0.25, r.RegistrationProgress(pop), 1e-9)
	assert.False(t, r.AllRegistered(pop))
}

func TestResetRestartsAllocation(t *testing.T) {
	r := New(time.Minute, nil)
	r.EnsureEntityRegistered("a", 0, 0, t0)
	r.EnsureEntityRegistered("b", 0, 1, t0)
	r.Reset()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, models.NetID(1), r.EnsureEntityRegistered("c", 0, 0, t0))
}

func TestQuarantineStaysBounded(t *testing.T) {
	r := New(15*time.Second, nil)
	now := t0
	for i := 0; i < 100_000; i++ {
		key := models.OwnerKey(fmt.Sprintf("u-%d", i))
		r.EnsureEntityRegistered(key, 0, int32(i), now)
		_, ok := r.RemoveEntity(key, now)
		require.True(t, ok)
		now = now.Add(time.Second)
	}
	assert.LessOrEqual(t, r.QuarantineLen(), 2*minSweep)

	id := r.EnsureEntityRegistered("last", 0, 0, now)
	r.RemoveEntity("last", now)
	assert.True(t, r.Quarantined(id, now.Add(14*time.Second)))
}

func TestReconcileSweepsExpiredQuarantine(t *testing.T) {
	r := New(time.Second, nil)
	for i := 0; i < 10; i++ {
		key := models.OwnerKey(fmt.Sprintf("u-%d", i))
		r.EnsureEntityRegistered(key, 0, int32(i), t0)
		r.RemoveEntity(key, t0)
	}
	require.Equal(t, 10, r.QuarantineLen())

	r.Reconcile(fakePopulation{}, t0.Add(2*time.Second))
	assert.Zero(t, r.QuarantineLen())
}

func TestSnapshotPairsEntriesWithVersion(t *testing.T) {
	r := New(0, nil)
	r.EnsureEntityRegistered("a", 0, 0, t0)
	r.EnsureEntityRegistered("b", 0, 1, t0)

	entries, version := r.Snapshot()
	b := NewBaseline()
	require.True(t, b.Diff(entries, version).Full)

	_, ok := r.RemoveEntity("a", t0)
	require.True(t, ok)
	assert.Len(t, entries, 2, "a snapshot is a copy")

	entries, version = r.Snapshot()
	d := b.Diff(entries, version)
	assert.Equal(t, []models.NetID{1}, d.Removed)
}
