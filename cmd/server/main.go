// Command server runs the Anthropic-compatible proxy: it terminates the
// Messages API and relays requests onto Amazon Q, Gemini or custom
// OpenAI/Claude-compatible endpoints over a pool of managed accounts.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amq2api/amq2api/internal/api"
	"github.com/amq2api/amq2api/internal/auth"
	"github.com/amq2api/amq2api/internal/cache"
	"github.com/amq2api/amq2api/internal/config"
	"github.com/amq2api/amq2api/internal/distributor"
	"github.com/amq2api/amq2api/internal/router"
	"github.com/amq2api/amq2api/internal/session"
	"github.com/amq2api/amq2api/internal/store"
	log "github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Errorf("failed to load configuration: %v", err)
		os.Exit(1)
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	db, err := store.Open(cfg)
	if err != nil {
		log.Errorf("failed to open account store: %v", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	rc, err := store.NewConfigStore(db)
	if err != nil {
		log.Errorf("failed to load runtime config: %v", err)
		os.Exit(1)
	}

	cacheMgr := cache.NewManager(time.Duration(cfg.CacheTTLSeconds)*time.Second, cfg.CacheMaxEntries)
	dist := distributor.New(db)
	tokens := auth.NewManager(db)
	tokens.SetGeminiClientCredentials(cfg.GeminiClientID, cfg.GeminiClientSecret)
	deviceFlow := auth.NewDeviceFlow(db)
	binder := session.NewBinder()
	rt := router.New(cfg, db, rc, dist, tokens, cacheMgr, binder)
	server := api.New(cfg, db, rc, rt, tokens, deviceFlow, cacheMgr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go cacheMgr.Run(done)
	go binder.Run(done)
	go dist.Run(done)
	go pruneCallLogs(db, done)
	if cfg.EnableAutoRefresh {
		go tokens.RunScheduler(ctx, time.Duration(cfg.TokenRefreshIntervalHours)*time.Hour)
	}

	err = server.Run(ctx)
	close(done)
	if err != nil {
		log.Errorf("server stopped with error: %v", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

// pruneCallLogs trims aged call-log rows hourly; they only feed 24h windows.
func pruneCallLogs(db *store.Store, done <-chan struct{}) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if n, err := db.PruneCallLogs(); err != nil {
				log.Warnf("call log prune failed: %v", err)
			} else if n > 0 {
				log.Debugf("pruned %d call log rows", n)
			}
		}
	}
}
