package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/page-companion/companion/internal/background"
	"github.com/page-companion/companion/internal/config"
	"github.com/page-companion/companion/internal/logging"
	"github.com/page-companion/companion/internal/mcpws"
	"github.com/page-companion/companion/internal/metrics"
)

func main() {
	_ = config.LoadDotEnv()
	cfg := config.LoadBackground()
	m := metrics.New("background")
	store := background.NewStore()
	server := background.NewServer(store, m, cfg.Version)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Spawned by the companion from its manifest. stdout carries the
	// protocol, so the logger is never initialized in this mode.
	if cfg.Stdio {
		if err := server.Run(ctx, &sdk.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
			os.Exit(1)
		}
		return
	}

	sugar := logging.Init()
	if sugar == nil {
		l, _ := zap.NewProduction()
		defer l.Sync()
		sugar = l.Sugar()
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp/ws", mcpws.Handler(server, cfg.AllowedOrigins...))
	mux.Handle("/events", background.EventsHandler(store, cfg.AllowedOrigins...))
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		sugar.Infow("background: listening", "addr", cfg.ListenAddr, "version", cfg.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Errorw("background: http server failed", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("background: http shutdown", "err", err)
	}
	_ = logging.Sync()
	sugar.Info("background: shutdown complete")
}
