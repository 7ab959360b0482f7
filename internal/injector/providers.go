package injector

import (
	"fmt"
	"math/rand"

	"github.com/google/wire"

	"github.com/zeusync/rtsrep/internal/client"
	"github.com/zeusync/rtsrep/internal/core/events/bus"
	"github.com/zeusync/rtsrep/internal/core/models"
	"github.com/zeusync/rtsrep/internal/core/observability/log"
	"github.com/zeusync/rtsrep/internal/core/protocol"
	"github.com/zeusync/rtsrep/internal/core/replication/config"
	"github.com/zeusync/rtsrep/internal/core/world"
	"github.com/zeusync/rtsrep/internal/server"
	"github.com/zeusync/rtsrep/internal/transport/ws"
)

// PopulationSize is the number of units the demo server starts with.
type PopulationSize int

var CommonSet = wire.NewSet(
	ProvideLogger,
	wire.Bind(new(log.Log), new(*log.Logger)),
	ProvideEventBus,
	ProvideCodec,
)

var ServerSet = wire.NewSet(
	CommonSet,
	ProvideWorld,
	ProvideHub,
	wire.Bind(new(server.Transport), new(*ws.Hub)),
	server.NewServer,
)

var ClientSet = wire.NewSet(
	CommonSet,
	world.NewLocal,
	client.New,
)

func ProvideLogger(cfg *config.Config) (*log.Logger, func()) {
	logger := log.New(cfg.Level())
	return logger, func() { _ = logger.Sync() }
}

func ProvideEventBus() bus.EventBus {
	return bus.New()
}

func ProvideCodec(cfg *config.Config) (*protocol.Codec, func(), error) {
	codec, err := protocol.NewCodec(cfg.Transport.CompressionThreshold, int(cfg.Transport.MaxMessageSize))
	if err != nil {
		return nil, nil, fmt.Errorf("codec: %w", err)
	}
	return codec, func() { _ = codec.Close() }, nil
}

func ProvideHub(cfg *config.Config, logger log.Log) *ws.Hub {
	return ws.NewHub(cfg.Transport, logger)
}

// ProvideWorld spawns n units scattered inside the wander radius.
func ProvideWorld(cfg *config.Config, opts server.Options, n PopulationSize) *world.World {
	w := world.New(cfg.Server.MaxPerChunk)
	rng := rand.New(rand.NewSource(opts.Seed))
	for i := 0; i < int(n); i++ {
		t := models.IdentityTransform()
		t.Location = models.Vec3{
			X: (rng.Float64()*2 - 1) * opts.WanderRadius,
			Y: (rng.Float64()*2 - 1) * opts.WanderRadius,
		}
		t.Rotation.Yaw = rng.Float64() * 360
		w.Spawn(models.OwnerKey(fmt.Sprintf("unit-%05d", i)), t, models.UnitState{
			Combat: models.CombatStats{
				Health:      100,
				MaxHealth:   100,
				SightRadius: 800,
				RunSpeed:    300,
				Initialized: true,
			},
		})
	}
	return w
}
