package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sitepress/api/internal/app"
	"sitepress/api/internal/config"
	"sitepress/api/internal/history"
	"sitepress/api/internal/lease"
	"sitepress/api/internal/logger"
	"sitepress/api/internal/search"
	"sitepress/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLog, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer appLog.Sync()

	data, closeData, err := openStore(ctx, cfg, appLog)
	if err != nil {
		appLog.Fatal("settings store unavailable", "driver", cfg.StoreDriver, "error", err)
	}
	defer closeData()

	opts := []app.Option{app.WithLogger(appLog)}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		locks, err := lease.NewRedisLockStore(cfg.RedisURL)
		if err != nil {
			appLog.Fatal("redis connection failed", "error", err)
		}
		defer locks.Close()
		appLog.Info("draft lock stored in redis")
		opts = append(opts, app.WithLockStore(locks))
	} else {
		appLog.Info("draft lock stored in settings store", "driver", cfg.StoreDriver)
	}

	if strings.TrimSpace(cfg.JournalDir) != "" {
		if err := os.MkdirAll(cfg.JournalDir, 0o755); err != nil {
			appLog.Fatal("failed to create journal dir", "dir", cfg.JournalDir, "error", err)
		}
		opts = append(opts, app.WithJournal(history.New(cfg.JournalDir)))
	}

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, appLog)
		defer meiliClient.Close()
		index = meiliClient
	}
	searchService := search.NewService(index, search.NewStoreSearcher(data), appLog)
	opts = append(opts, app.WithSearch(searchService))
	go searchService.ReindexFromStore(ctx)

	service := app.New(cfg, data, opts...)
	go service.RunScheduler(ctx, cfg.SchedulerInterval)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, appLog)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		appLog.Info("sitepress api listening", "addr", cfg.Addr, "driver", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Fatal("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	appLog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLog.Warn("shutdown error", "error", err)
	}
}

func openStore(ctx context.Context, cfg config.Config, appLog *logger.Logger) (app.DataStore, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StoreDriver)) {
	case "memory":
		appLog.Warn("using in-memory settings store; data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	case "", "postgres":
	default:
		return nil, nil, errors.New("unknown STORE_DRIVER " + cfg.StoreDriver)
	}

	db, err := store.Open(ctx, cfg.DatabaseURL, store.Pool{MaxOpen: cfg.DBMaxOpen, MaxIdle: cfg.DBMaxIdle})
	if err != nil {
		return nil, nil, err
	}
	if cfg.AutoMigrate {
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		for _, name := range applied {
			appLog.Info("migration applied", "name", name)
		}
	}
	return store.NewPostgresStore(db), func() { _ = db.Close() }, nil
}
