package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tribechat/internal/backend"
	"github.com/tribechat/internal/backend/memory"
	"github.com/tribechat/internal/backend/postgres"
	"github.com/tribechat/internal/config"
	"github.com/tribechat/internal/devserver"
	"github.com/tribechat/internal/logger"
	"github.com/tribechat/internal/model"
	"github.com/tribechat/internal/startup"
	"github.com/tribechat/migrations"
)

func main() {
	logger.SetPrefix("devbackend")
	pg := flag.Bool("pg", false, "back the row store with embedded PostgreSQL instead of memory")
	seed := flag.Bool("seed", false, "seed demo tribes and memberships")
	flag.Parse()

	logger.Info("starting dev backend")
	cfg := config.Load()

	var store backend.Store
	var feed backend.Realtime

	if *pg {
		embeddedDB, err := startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()

		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
		if err != nil {
			logger.Errorf("parse db config: %v", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())

		pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "devbackend: ")
		defer pool.Close()
		runMigrations(pool)
		logger.Info("database connected, migrations applied")

		pgFeed, err := postgres.NewFeed(context.Background(), pool)
		if err != nil {
			logger.Errorf("change feed: %v", err)
			os.Exit(1)
		}
		defer pgFeed.Close()
		store, feed = postgres.NewStore(pool), pgFeed
	} else {
		mem := memory.New()
		defer mem.Close()
		if *seed {
			seedDemo(mem)
		}
		store, feed = mem, mem
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      devserver.New(store, feed).Router(cfg.CORSAllowedOrigins),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("dev backend listening on %s", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("dev backend stopped")
}

func seedDemo(mem *memory.Backend) {
	mem.SetMember("demo", "alice", model.RoleOwner)
	mem.SetMember("demo", "bob", model.RoleModerator)
	mem.SetMember("demo", "carol", model.RoleMember)
	logger.Info("seeded demo tribe: alice(owner), bob(moderator), carol(member)")
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	files := []string{"001_init.sql"}
	for _, f := range files {
		data, err := migrations.Files.ReadFile(f)
		if err != nil {
			logger.Errorf("read migration %s: %v", f, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", f, err)
			os.Exit(1)
		}
	}
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "tribechat"
		password = "tribechat_secret"
		database = "tribechat"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
