package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"docflow/api/internal/app"
	"docflow/api/internal/config"
	"docflow/api/internal/content"
	"docflow/api/internal/gitrepo"
	"docflow/api/internal/lock"
	"docflow/api/internal/logger"
	"docflow/api/internal/observation"
	"docflow/api/internal/session"
	"docflow/api/internal/store"
	"docflow/api/internal/validation"
	"docflow/api/internal/workflow"

	"github.com/joho/godotenv"
)

// metadataStore is what both store implementations provide.
type metadataStore interface {
	content.MetadataStore
	Ping(ctx context.Context) error
	EnsureUserByName(ctx context.Context, name string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	SetUserRole(ctx context.Context, userID, role string) error
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()

	var meta metadataStore
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("database connection failed", "error", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.MigrationsDir)); err != nil {
			log.Fatal("migrations failed", "error", err)
		}
		meta = store.NewPostgresStore(db)
	} else {
		log.Warn("DATABASE_URL not set, keeping metadata in memory")
		meta = store.NewMemoryStore()
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatal("failed to create repos dir", "error", err)
	}

	var locks workflow.Locker
	var bus observation.Bus
	var revoked app.Revoker
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisLocks, err := lock.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatal("redis connection failed", "error", err)
		}
		defer redisLocks.Close()
		locks = redisLocks
		bus = observation.NewRedisBus(redisLocks.Client(), log)
		revoked = session.NewRedisStoreWithClient(redisLocks.Client())
		log.Info("using redis for draft locks, change observation and token revocation")
	} else {
		locks = lock.NewMemoryStore()
		bus = observation.NewLocalBus()
		revoked = session.NewMemoryStore()
	}

	registry, err := validation.NewRegistry(cfg.DocumentTypes, cfg.SchemaDir)
	if err != nil {
		log.Fatal("load validators failed", "error", err)
	}

	repo := content.NewRepository(meta, gitrepo.New(cfg.ReposDir), bus, log)
	service := app.New(cfg, app.Deps{
		Users:      meta,
		Revoked:    revoked,
		Repository: repo,
		Workflows:  workflow.NewEngine(repo, locks, cfg.LockTTL, log),
		Bus:        bus,
		Validators: registry,
		Log:        log,
	})
	if err := service.Bootstrap(ctx); err != nil {
		log.Warn("bootstrap failed, will retry on next restart", "error", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("docflow API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	service.Shutdown(shutdownCtx)
}
