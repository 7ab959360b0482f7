package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/rtsrep/internal/core/models"
)

func TestBaselineFirstDiffIsFull(t *testing.T) {
	r := New(0, nil)
	r.EnsureEntityRegistered("a", 0, 0, t0)
	r.EnsureEntityRegistered("b", 0, 1, t0)

	b := NewBaseline()
	d := b.Diff(r.Entries(), r.Version())
	assert.True(t, d.Full)
	assert.Len(t, d.Upserts, 2)

	d = b.Diff(r.Entries(), r.Version())
	assert.True(t, d.Empty(), "unchanged registry yields an empty delta")
}

func TestBaselineCarriesRemovalsAndAdds(t *testing.T) {
	r := New(0, nil)
	r.EnsureEntityRegistered("a", 0, 0, t0)
	b := NewBaseline()
	b.Diff(r.Entries(), r.Version())

	r.RemoveEntity("a", t0)
	r.EnsureEntityRegistered("c", 0, 2, t0)

	d := b.Diff(r.Entries(), r.Version())
	require.False(t, d.Full)
	assert.Equal(t, []models.NetID{1}, d.Removed)
	require.Len(t, d.Upserts, 1)
	assert.Equal(t, models.OwnerKey("c"), d.Upserts[0].OwnerKey)

	b.Reset()
	assert.True(t, b.Diff(r.Entries(), r.Version()).Full)
}

func TestMirrorAppliesDeltas(t *testing.T) {
	r := New(0, nil)
	r.EnsureEntityRegistered("a", 0, 0, t0)
	r.EnsureEntityRegistered("b", 0, models.NoLocalIndex, t0)

	m := NewMirror()
	b := NewBaseline()
	m.Apply(b.Diff(r.Entries(), r.Version()))

	assert.Equal(t, 2, m.Len())
	id, ok := m.LookupOwner("a")
	require.True(t, ok)
	assert.Equal(t, models.NetID(1), id)
	id, ok = m.LookupIndex(0)
	require.True(t, ok)
	assert.Equal(t, models.NetID(1), id)
	_, ok = m.LookupIndex(models.NoLocalIndex)
	assert.False(t, ok)

	sigBefore := m.Signature()
	r.RemoveEntity("a", t0)
	m.Apply(b.Diff(r.Entries(), r.Version()))
	assert.False(t, m.Has(1))
	_, ok = m.LookupOwner("a")
	assert.False(t, ok)
	assert.NotEqual(t, sigBefore, m.Signature())

	// replaying a removal is harmless
	assert.NotPanics(t, func() { m.Apply(Delta{Removed: []models.NetID{1, 1, 77}}) })
	assert.Equal(t, 1, m.Len())
}

func TestMirrorFullReplaces(t *testing.T) {
	m := NewMirror()
	m.Apply(Delta{Full: true, Upserts: []Entry{{NetID: 1, OwnerKey: "a"}, {NetID: 2, OwnerKey: "b"}}})
	m.Apply(Delta{Full: true, Upserts: []Entry{{NetID: 3, OwnerKey: "c"}}})
	assert.Equal(t, 1, m.Len())
	assert.False(t, m.Has(1))
	assert.True(t, m.Has(3))
}

func TestSignatureIsOrderIndependent(t *testing.T) {
	a := []Entry{{NetID: 1}, {NetID: 2}, {NetID: 3}}
	b := []Entry{{NetID: 3}, {NetID: 1}, {NetID: 2}}
	assert.Equal(t, Signature(a), Signature(b))
	assert.NotEqual(t, Signature(a), Signature(a[:2]))
}
