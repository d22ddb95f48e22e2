package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cellworld.ai/internal/app"
	"cellworld.ai/internal/config"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/server.yaml", "config path (empty: defaults plus CELLWORLD_* env)")
		addr       = flag.String("addr", "", "http listen address (overrides config)")
		snapPath   = flag.String("snapshot", "", "snapshot to seed an empty world from (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "seed an empty world from the newest snapshot when -snapshot is empty")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(strings.TrimSpace(*configPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := app.New(ctx, cfg, app.Options{SnapshotPath: *snapPath, LoadLatest: *loadLatest}, logger)
	if err != nil {
		logger.Fatalf("init: %v", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Printf("close: %v", err)
		}
	}()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := svc.Run(ctx); err != nil {
			logger.Printf("services stopped: %v", err)
			cancel()
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           svc.Handler(envBool("CELLWORLD_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("world=%s cells=%d listening on %s", cfg.Server.WorldID, svc.Graph.Len(), cfg.Server.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
		cancel()
	}
	<-runDone
	if cfg.Persistence.SnapshotDir != "" {
		if path, err := svc.WriteSnapshot(); err != nil {
			logger.Printf("final snapshot: %v", err)
		} else {
			logger.Printf("final snapshot=%s", path)
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
