package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zeusync/rtsrep/internal/core/replication/config"
	"github.com/zeusync/rtsrep/internal/injector"
	"github.com/zeusync/rtsrep/internal/server"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to replication config yaml (defaults when empty)")
		addr       = flag.String("addr", "", "listen address, overrides the config")
		units      = flag.Int("units", 500, "number of simulated units")
		seed       = flag.Int64("seed", 1, "simulation seed")
		wander     = flag.Bool("wander", true, "move units around between ticks")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error loading config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Transport.ListenAddr = *addr
	}

	opts := server.DefaultOptions()
	opts.Seed = *seed
	opts.Wander = *wander

	srv, cleanup, err := injector.InitializeServer(cfg, opts, injector.PopulationSize(*units))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error building server:", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error starting server:", err)
		return
	}

	<-stopCh
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		fmt.Fprintln(os.Stderr, "Error stopping server:", err)
	}
	cancel()
}
