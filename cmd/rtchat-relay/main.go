// Command rtchat-relay is the topic hub WebSocket relay clients connect to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/matheus3301/rtchat/internal/relay"
)

func main() {
	listen := flag.String("listen", "127.0.0.1:7420", "address to listen on")
	path := flag.String("path", "/relay", "WebSocket endpoint path")
	maxFrame := flag.String("max-frame", "1MiB", "largest accepted frame")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger, err := newLogger(*level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	limit, err := humanize.ParseBytes(*maxFrame)
	if err != nil {
		logger.Fatal("invalid --max-frame", zap.Error(err))
	}

	hub := relay.NewMemory()
	defer func() { _ = hub.Close() }()

	mux := http.NewServeMux()
	mux.Handle(*path, relay.NewServer(hub, int64(limit), logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := &http.Server{Addr: *listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("relay listening",
		zap.String("addr", *listen), zap.String("path", *path),
		zap.String("max_frame", humanize.IBytes(limit)))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("relay server failed", zap.Error(err))
	}
	logger.Info("relay stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
