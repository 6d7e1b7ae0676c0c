package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/dispatch-voice-relay/internal/audio"
	"github.com/dispatch-voice-relay/internal/bridge"
	"github.com/dispatch-voice-relay/internal/capture"
	"github.com/dispatch-voice-relay/internal/config"
	"github.com/dispatch-voice-relay/internal/dispatch"
	"github.com/dispatch-voice-relay/internal/httpapi"
	"github.com/dispatch-voice-relay/internal/logging"
	"github.com/dispatch-voice-relay/internal/metrics"
	"github.com/dispatch-voice-relay/internal/pending"
	"github.com/dispatch-voice-relay/internal/playback"
	"github.com/dispatch-voice-relay/internal/session"
	"github.com/dispatch-voice-relay/internal/transport"
)

func main() {
	logging.Init()

	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	pcmIn := flag.String("pcm-in", "", "raw s16le PCM file used as the capture source; silence when empty")
	pcmOut := flag.String("pcm-out", "", "file receiving played raw s16le PCM; discarded when empty")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.FatalExitf("relay: load config", "err", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := pending.Open(cfg.Pending.DBPath, m)
	if err != nil {
		logging.FatalExitf("relay: open pending store", "err", err)
	}
	defer store.Close()
	store.StartSweeper(ctx, cfg.Pending.SweepInterval, cfg.Pending.Retention)

	codec, err := audio.NewCodec(cfg.Capture.SampleRate, cfg.Capture.Channels)
	if err != nil {
		logging.FatalExitf("relay: init codec", "err", err)
	}

	player := &playback.DecodingPlayer{
		Codec: codec,
		Sink:  newPCMSink(*pcmOut),
		Fetch: fetchClip,
	}
	queue := playback.NewQueue(player, 64, m)
	defer queue.Close()

	dispatcher := dispatch.New(cfg.Identity.SenderID, queue, nil, nil, m)

	ch, err := transport.NewChannel(transport.Options{
		URL:         cfg.Relay.URL,
		Base:        cfg.Relay.ReconnectBase,
		Cap:         cfg.Relay.ReconnectCap,
		MaxAttempts: cfg.Relay.MaxAttempts,
		OnFrame:     dispatcher.HandleFrame,
		Metrics:     m,
	})
	if err != nil {
		logging.FatalExitf("relay: build channel", "err", err)
	}

	recorder := capture.NewRecorder(
		newCaptureDevice(*pcmIn, codec.FrameSize()),
		codec, ch,
		cfg.Identity.SenderID, cfg.Identity.SenderRole,
		cfg.Capture.MaxClip,
	)

	// The push ingress runs here too, on the same registry the session
	// registers with, so a wake-up arriving while this session is open is
	// handed off for immediate playback instead of parking in the store.
	registry := bridge.NewRegistry()
	deliver := bridge.New(store, registry, nil, bridge.LogNotifier{}, m, 0)
	defer deliver.Close()
	srv := httpapi.New(cfg.HTTP.Addr, deliver, reg)

	sess := session.New(ch, queue, store, registry, nil)
	if err := sess.Open(ctx); err != nil {
		logging.FatalExitf("relay: open session", "err", err)
	}
	defer sess.Close()

	go console(ctx, recorder, sess)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })

	if err := g.Wait(); err != nil {
		logging.FatalExitf("relay: push ingress failed", "err", err)
	}
	logging.Infow("relay: shutdown complete")
	_ = logging.Sync()
}

// console is the operator's push-to-talk surface: one command per line on
// stdin, mirroring the press/release gesture pair.
func console(ctx context.Context, rec *capture.Recorder, sess *session.Session) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		switch strings.TrimSpace(sc.Text()) {
		case "talk":
			if err := rec.BeginCapture(ctx); err != nil {
				logging.Warnw("relay: capture failed to start", "err", err)
			}
		case "over":
			if _, err := rec.EndCapture(); err != nil {
				logging.Warnw("relay: capture failed to finish", "err", err)
			}
		case "cancel":
			if err := rec.CancelCapture(); err != nil {
				logging.Warnw("relay: nothing to cancel", "err", err)
			}
		case "stop":
			sess.StopPlayback()
		case "pending":
			if n, err := sess.PlayPending(ctx); err != nil {
				logging.Warnw("relay: pending drain failed", "err", err)
			} else {
				logging.Infow("relay: pending clips queued", "count", n)
			}
		case "dismiss":
			if n, err := sess.DismissPending(ctx); err != nil {
				logging.Warnw("relay: dismiss failed", "err", err)
			} else {
				logging.Infow("relay: pending clips dismissed", "count", n)
			}
		case "fg":
			if err := sess.Foreground(ctx); err != nil {
				logging.Warnw("relay: foreground refresh failed", "err", err)
			}
		case "":
		default:
			logging.Infow("relay: commands are talk, over, cancel, stop, pending, dismiss, fg")
		}
	}
}
