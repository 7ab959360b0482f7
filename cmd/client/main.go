package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zeusync/rtsrep/internal/core/events/bus"
	"github.com/zeusync/rtsrep/internal/core/observability/log"
	"github.com/zeusync/rtsrep/internal/core/replication/config"
	"github.com/zeusync/rtsrep/internal/injector"
	"github.com/zeusync/rtsrep/internal/transport/ws"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to replication config yaml (defaults when empty)")
		url        = flag.String("url", "", "server websocket url (defaults to the configured listen address)")
		report     = flag.Duration("report", 2*time.Second, "how often to log convergence")
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
	target := *url
	if target == "" {
		target = "ws://" + cfg.Transport.ListenAddr + cfg.Transport.Path
	}

	cl, cleanup, err := injector.InitializeClient(cfg, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error building client:", err)
		os.Exit(1)
	}
	defer cleanup()
	defer cl.Close()

	logger := cl.Session().Logger.With(log.String("component", "cmd"))
	_, _ = cl.Session().Bus.Subscribe(bus.EventDuplicateNetID, func(e bus.Event) error {
		logger.Warn("duplicate NetID resolved", log.Any("data", e.Data()))
		return nil
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn, err := ws.Dial(ctx, target, cfg.Transport)
	if err != nil {
		logger.Error("Failed to connect", log.String("url", target), log.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()
	logger.Info("Connected", log.String("url", target))

	go func() {
		ticker := time.NewTicker(*report)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st := cl.Stats()
				logger.Info("Reconciliation",
					log.Int("entities", st.Entities),
					log.Int("bound", st.Bound),
					log.Int("visible", cl.World().Visible()),
					log.Int("pending", st.Pending),
					log.Int("duplicates", st.Duplicates),
					log.Int("stale", st.Stale),
					log.Bool("grace", st.Grace),
				)
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := cl.Run(ctx, conn); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Client stopped", log.Error(err))
		return
	}
	logger.Info("Client stopped")
}
