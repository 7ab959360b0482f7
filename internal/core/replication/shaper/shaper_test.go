package shaper

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/rtsrep/internal/core/events/bus"
	"github.com/zeusync/rtsrep/internal/core/models"
	"github.com/zeusync/rtsrep/internal/core/replication/bubble"
	"github.com/zeusync/rtsrep/internal/core/replication/config"
	"github.com/zeusync/rtsrep/internal/core/replication/registry"
	"github.com/zeusync/rtsrep/internal/core/replication/session"
	"github.com/zeusync/rtsrep/internal/core/world"
)

var t0 = time.Unix(1_700_000_000, 0)

type fixture struct {
	cfg    *config.Config
	sess   *session.Session
	reg    *registry.Registry
	arr    *bubble.Array
	shaper *Shaper
	world  *world.World
	now    time.Time
}

func newFixture(t *testing.T, units, chunkSize int, tweak func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.GraceWindow = 0
	if tweak != nil {
		tweak(cfg)
	}
	require.NoError(t, cfg.Validate())

	sess := session.New(session.RoleServer, cfg, nil, bus.New(), t0)
	reg := registry.New(cfg.Server.Quarantine, nil)
	arr := bubble.NewArray(cfg)
	w := world.New(chunkSize)
	for i := 0; i < units; i++ {
		tr := models.IdentityTransform()
		tr.Location = models.Vec3{X: float64(100 + i*10), Y: 100}
		w.Spawn(models.OwnerKey(fmt.Sprintf("unit-%04d", i)), tr, models.UnitState{})
	}
	return &fixture{cfg: cfg, sess: sess, reg: reg, arr: arr, shaper: New(sess, reg, arr), world: w, now: t0}
}

func (f *fixture) tick() Stats {
	st := f.shaper.Tick(f.now, f.world)
	f.now = f.now.Add(f.cfg.TickInterval())
	return st
}

func TestBudgetSpreadsWorkAcrossTicks(t *testing.T) {
	f := newFixture(t, 1000, 100, nil)

	st := f.tick()
	require.True(t, st.Ran)
	assert.Equal(t, 256, st.Processed)
	assert.Equal(t, 256, f.arr.Len())
	assert.Positive(t, st.DeferredChunks)

	for i := 0; i < 3; i++ {
		f.tick()
	}
	assert.Equal(t, 1000, f.arr.Len(), "ceil(1000/256) ticks cover every unit")
	assert.Equal(t, 1000, f.reg.Len())
	assert.True(t, f.reg.AllRegistered(f.world))

	st = f.tick()
	assert.Zero(t, st.Processed, "clean chunks are skipped")
}

func TestOversizedChunkIsSliced(t *testing.T) {
	f := newFixture(t, 200, 200, func(c *config.Config) {
		c.Server.MaxPerChunk = 64
	})
	seen := 0
	for i := 0; i < 4; i++ {
		seen += f.tick().Processed
	}
	assert.Equal(t, 200, seen)
	assert.Equal(t, 200, f.arr.Len())
}

func TestChunkCapDeferralIsReported(t *testing.T) {
	f := newFixture(t, 200, 200, func(c *config.Config) {
		c.Server.MaxPerChunk = 64
	})
	var deferred []bus.BudgetEvent
	_, _ = f.sess.Bus.Subscribe(bus.EventBudgetExhausted, func(e bus.Event) error {
		deferred = append(deferred, e.Data().(bus.BudgetEvent))
		return nil
	})

	st := f.tick()
	assert.Equal(t, 64, st.Processed)
	assert.Zero(t, st.DeferredChunks, "the tick budget was not the limit")
	assert.Equal(t, 136, st.DeferredUnits)
	require.Len(t, deferred, 1)
	assert.Equal(t, 136, deferred[0].Deferred)

	for i := 0; i < 3; i++ {
		st = f.tick()
	}
	assert.Zero(t, st.DeferredUnits)
	assert.Len(t, deferred, 3)
}

func TestTickHonoursUpdateInterval(t *testing.T) {
	f := newFixture(t, 10, 10, nil)
	assert.True(t, f.shaper.Tick(t0, f.world).Ran)
	assert.False(t, f.shaper.Tick(t0.Add(10*time.Millisecond), f.world).Ran)
	assert.True(t, f.shaper.Tick(t0.Add(100*time.Millisecond), f.world).Ran)
}

func TestSubThresholdMovementIsNotDirty(t *testing.T) {
	f := newFixture(t, 1, 10, nil)
	f.tick()
	u, _ := f.world.Get("unit-0000")
	before := f.arr.Version()

	tr := u.Transform()
	tr.Location.X += 10
	u.SetTransform(tr)
	st := f.tick()
	assert.Equal(t, 1, st.Processed)
	assert.Zero(t, st.Dirty)
	assert.Equal(t, before, f.arr.Version())

	tr.Location.X += 100
	u.SetTransform(tr)
	st = f.tick()
	assert.Equal(t, 1, st.Dirty)
}

func TestTerminalUnitLeavesRegistryAndBubble(t *testing.T) {
	f := newFixture(t, 3, 10, nil)
	f.tick()
	u, _ := f.world.Get("unit-0001")
	id := u.NetID()
	require.True(t, f.arr.Has(id))

	u.Kill()
	st := f.tick()
	assert.Equal(t, 1, st.Removed)
	assert.False(t, f.reg.Has(id))
	assert.False(t, f.arr.Has(id))
	assert.True(t, f.reg.Quarantined(id, f.now))

	st = f.tick()
	assert.Zero(t, st.Processed, "removed terminal unit is not revisited")
}

func TestDespawnRemovesBothTogether(t *testing.T) {
	f := newFixture(t, 2, 10, nil)
	var despawned []bus.EntityEvent
	_, _ = f.sess.Bus.Subscribe(bus.EventEntityDespawned, func(e bus.Event) error {
		despawned = append(despawned, e.Data().(bus.EntityEvent))
		return nil
	})
	f.tick()
	u, _ := f.world.Get("unit-0000")
	id := u.NetID()

	require.True(t, f.shaper.Despawn(f.now, "unit-0000"))
	f.world.Despawn("unit-0000")
	assert.False(t, f.reg.Has(id))
	assert.False(t, f.arr.Has(id))
	assert.False(t, f.shaper.Despawn(f.now, "unit-0000"))
	require.Len(t, despawned, 1)
	assert.Equal(t, uint32(id), despawned[0].NetID)
}

func TestGraceWindowForcesEverything(t *testing.T) {
	f := newFixture(t, 10, 10, func(c *config.Config) {
		c.GraceWindow = 10 * time.Second
	})
	f.tick()
	st := f.tick()
	assert.True(t, st.Grace)
	assert.Equal(t, 10, st.Processed, "unchanged units are resent during grace")
	assert.Zero(t, st.Dirty)
}

func TestDirectModeIgnoresBudgets(t *testing.T) {
	f := newFixture(t, 500, 100, func(c *config.Config) {
		c.Mode = config.ModeDirect
		c.Server.MaxPerTick = 10
	})
	st := f.tick()
	assert.Equal(t, 500, st.Processed)
	assert.Equal(t, 500, f.arr.Len())

	u, _ := f.world.Get("unit-0000")
	tr := u.Transform()
	tr.Location.X += 2
	u.SetTransform(tr)
	st = f.tick()
	assert.Equal(t, 1, st.Dirty, "no thresholds in direct mode")
}

func TestOrphanBubbleItemsArePruned(t *testing.T) {
	f := newFixture(t, 2, 10, nil)
	f.tick()
	f.arr.Upsert(999, "ghost", models.IdentityTransform(), models.UnitState{})
	st := f.tick()
	assert.Equal(t, 1, st.Pruned)
	assert.False(t, f.arr.Has(999))
}

func TestDiagnosticsRepairsRegistry(t *testing.T) {
	f := newFixture(t, 5, 10, nil)
	f.tick()
	// an entry vanishes outside the shaper
	u, _ := f.world.Get("unit-0002")
	f.reg.RemoveNetID(u.NetID(), f.now)

	f.now = f.now.Add(f.cfg.Server.DiagnosticsEvery)
	st := f.tick()
	assert.Equal(t, 1, st.Reconciled.Inserted)
	assert.True(t, f.reg.AllRegistered(f.world))
	assert.True(t, f.reg.Has(u.NetID()))
}
