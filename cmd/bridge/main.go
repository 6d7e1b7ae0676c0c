package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/dispatch-voice-relay/internal/bridge"
	"github.com/dispatch-voice-relay/internal/config"
	"github.com/dispatch-voice-relay/internal/httpapi"
	"github.com/dispatch-voice-relay/internal/logging"
	"github.com/dispatch-voice-relay/internal/metrics"
	"github.com/dispatch-voice-relay/internal/pending"
)

func main() {
	logging.Init()

	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.FatalExitf("bridge: load config", "err", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := pending.Open(cfg.Pending.DBPath, m)
	if err != nil {
		logging.FatalExitf("bridge: open pending store", "err", err)
	}
	defer store.Close()
	store.StartSweeper(ctx, cfg.Pending.SweepInterval, cfg.Pending.Retention)

	b := bridge.New(store, bridge.NewRegistry(), nil, bridge.LogNotifier{}, m, 0)
	defer b.Close()

	srv := httpapi.New(cfg.HTTP.Addr, b, reg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })

	if err := g.Wait(); err != nil {
		logging.FatalExitf("bridge: server failed", "err", err)
	}
	logging.Infow("bridge: shutdown complete")
	_ = logging.Sync()
}
