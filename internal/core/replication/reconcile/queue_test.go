package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zeusync/rtsrep/internal/core/models"
)

func TestQueueDeduplicates(t *testing.T) {
	q := NewQueue()
	assert.True(t, q.Link("a", 0, models.NoLocalIndex))
	assert.False(t, q.Link("a", 7, 3), "second request fills the NetID")
	assert.False(t, q.Link("", 1, 0))
	assert.True(t, q.Unlink(9))
	assert.False(t, q.Unlink(9))
	assert.False(t, q.Unlink(0))
	assert.Equal(t, 2, q.Len())

	var got []Command
	n := q.Drain(10, func(c Command) { got = append(got, c) })
	assert.Equal(t, 2, n)
	assert.Equal(t, Command{Kind: CommandLink, OwnerKey: "a", NetID: 7, LocalIndex: 3}, got[0])
	assert.Equal(t, CommandUnlink, got[1].Kind)
	assert.Zero(t, q.Len())

	assert.True(t, q.Link("a", 0, 0), "drained keys can be queued again")
}

func TestQueueDrainRespectsBudget(t *testing.T) {
	q := NewQueue()
	for _, k := range []models.OwnerKey{"a", "b", "c", "d"} {
		q.Link(k, 0, 0)
	}
	var order []models.OwnerKey
	run := func(c Command) { order = append(order, c.OwnerKey) }

	assert.Equal(t, 3, q.Drain(3, run))
	assert.Equal(t, 1, q.Len())
	assert.False(t, q.Link("d", 0, 0), "still pending")
	assert.Zero(t, q.Drain(0, run))
	assert.Equal(t, 1, q.Drain(3, run))
	assert.Equal(t, []models.OwnerKey{"a", "b", "c", "d"}, order)

	q.Link("e", 0, 0)
	q.Clear()
	assert.Zero(t, q.Len())
}

func TestQueueDeduplicatesReleases(t *testing.T) {
	q := NewQueue()
	assert.True(t, q.Release("a"))
	assert.False(t, q.Release("a"))
	assert.False(t, q.Release(""))
	assert.True(t, q.Link("a", 0, 0), "links and releases are tracked apart")
	assert.Equal(t, 2, q.Len())

	var got []Command
	q.Drain(1, func(c Command) { got = append(got, c) })
	assert.Equal(t, []Command{{Kind: CommandRelease, OwnerKey: "a", LocalIndex: models.NoLocalIndex}}, got)
	assert.True(t, q.Release("a"), "drained releases can be queued again")
	assert.False(t, q.Link("a", 0, 0), "the link is still pending")
	assert.Equal(t, "release", CommandRelease.String())
}
