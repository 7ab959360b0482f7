//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"time"

	"github.com/google/wire"

	"github.com/zeusync/rtsrep/internal/client"
	"github.com/zeusync/rtsrep/internal/core/replication/config"
	"github.com/zeusync/rtsrep/internal/server"
)

func InitializeServer(cfg *config.Config, opts server.Options, n PopulationSize) (*server.Server, func(), error) {
	wire.Build(ServerSet)
	return nil, nil, nil
}

func InitializeClient(cfg *config.Config, now time.Time) (*client.Client, func(), error) {
	wire.Build(ClientSet)
	return nil, nil, nil
}
