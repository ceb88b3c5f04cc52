package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/page-companion/companion/internal/auth"
	"github.com/page-companion/companion/internal/bridge"
	"github.com/page-companion/companion/internal/config"
	"github.com/page-companion/companion/internal/logging"
	"github.com/page-companion/companion/internal/metrics"
	"github.com/page-companion/companion/internal/relay"
	"github.com/page-companion/companion/internal/voice"
)

const version = "0.1.0"

func main() {
	if err := config.LoadDotEnv(); err != nil {
		// logger is not configured yet
		_, _ = os.Stderr.WriteString("companion: .env: " + err.Error() + "\n")
	}
	sugar := logging.Init()
	if sugar == nil {
		l, _ := zap.NewProduction()
		defer l.Sync()
		sugar = l.Sugar()
	}

	cfg := config.Load()
	m := metrics.New("companion")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tokens := auth.NewTokenProvider(auth.KeyringStore{}, cfg.KeyringService, cfg.KeyringUser, cfg.Token)

	// The relay is optional: without a background process voice still works,
	// commands are dropped and utterances go out without tab context.
	var (
		rel    *relay.Relay
		ctxSrc voice.ContextProvider
		cmdRel voice.CommandRelay
	)
	manifest, err := config.LoadManifest()
	if err != nil {
		sugar.Warnw("companion: manifest unreadable", "err", err)
	}
	client, err := relay.Open(ctx, cfg.BackgroundURL, manifest, cfg.MCPServiceName, version)
	switch {
	case err == nil:
		defer client.Close()
		rel = relay.New(client, cfg.RelayCallTimeout, m)
		ctxSrc, cmdRel = rel, rel
		sugar.Infow("companion: background connected")
	case errors.Is(err, relay.ErrNoBackground):
		sugar.Infow("companion: no background process configured; commands disabled")
	default:
		sugar.Warnw("companion: background connect failed; commands disabled", "err", err)
	}

	var wg sync.WaitGroup
	saver := voice.NewAudioSaver(cfg.SaveAudioDir)
	if saver != nil {
		if err := os.MkdirAll(saver.Dir, 0o755); err != nil {
			sugar.Warnw("companion: save audio dir", "dir", saver.Dir, "err", err)
		}
		wg.Add(1)
		saver.StartCleaner(ctx, &wg, cfg.SaveAudioRetention, time.Hour, 500)
	}

	sink, err := voice.NewSpeakerSink()
	if err != nil {
		sugar.Infow("companion: speaker unavailable, replies are timed only", "err", err)
		sink = voice.NewTimedSink(saver)
	}

	hub := bridge.NewHub(cmdRel, m, cfg.Language, cfg.AllowedOrigins...)
	session := voice.NewSession(voice.SessionConfig{
		Socket: voice.SocketConfig{URL: cfg.VoiceURL},
		Capture: voice.CaptureConfig{
			MinUtterance: &cfg.MinUtterance,
			MaxUtterance: cfg.MaxUtterance,
		},
		Silence: voice.SilenceConfig{
			Threshold:       &cfg.SilenceThreshold,
			SilenceDuration: cfg.SilenceDuration,
			CheckInterval:   cfg.CheckInterval,
		},
		TurnTimeout: cfg.TurnTimeout,
		Language:    cfg.Language,
	}, voice.SessionDeps{
		Tokens:   tokens,
		Device:   voice.NewSystemDevice(),
		Player:   voice.NewPlayer(sink),
		Relay:    cmdRel,
		Context:  ctxSrc,
		Notifier: hub,
		Metrics:  m,
		Saver:    saver,
	})
	hub.Bind(session)

	mux := http.NewServeMux()
	mux.Handle("/ui", hub)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(session.State().String()))
	})
	srv := &http.Server{Addr: cfg.UIListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		sugar.Infow("companion: listening", "addr", cfg.UIListenAddr, "voice_url", cfg.VoiceURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Errorw("companion: http server failed", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	sugar.Infow("companion: shutdown signal received, closing resources")

	session.Stop()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("companion: http shutdown", "err", err)
	}
	if rel != nil {
		rel.Wait()
	}
	wg.Wait()

	_ = logging.Sync()
	sugar.Info("companion: shutdown complete")
}
