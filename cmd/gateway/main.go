// Package main runs the pledgevault gateway: the REST and WebSocket surface
// over the crowdfunding engine, backed by the configured storage driver.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/R3E-Network/pledgevault/internal/app"
	"github.com/R3E-Network/pledgevault/internal/app/cache"
	"github.com/R3E-Network/pledgevault/internal/app/httpapi"
	"github.com/R3E-Network/pledgevault/internal/app/storage"
	"github.com/R3E-Network/pledgevault/internal/app/storage/leveldb"
	"github.com/R3E-Network/pledgevault/internal/app/storage/memory"
	"github.com/R3E-Network/pledgevault/internal/app/storage/postgres"
	"github.com/R3E-Network/pledgevault/internal/config"
	"github.com/R3E-Network/pledgevault/pkg/logger"
)

func main() {
	envFile := flag.String("env", "", "optional .env file loaded before reading the environment")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Fatalf("load env (%s): %v", *envFile, err)
		}
	} else {
		_ = godotenv.Load() // allow .env for local runs
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	logg := logger.New(cfg.LoggingConfig()).WithField("component", "gateway")

	policy, err := config.LoadPlatformPolicyOrDefault(cfg.PolicyFile)
	if err != nil {
		logg.WithError(err).Fatal("load platform policy")
	}
	logg.WithField("fee_account", policy.FeeAccount).
		WithField("creation_fee_bps", policy.CreationFeeBps).
		WithField("donation_fee_bps", policy.DonationFeeBps).
		WithField("custody", policy.Custody).
		Info("platform policy loaded")

	store, err := openStore(cfg, logg)
	if err != nil {
		logg.WithError(err).Fatal("open storage")
	}

	ctx := context.Background()

	var c cache.Cache
	if cfg.Redis.Addr != "" {
		r := cache.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, "pledgevault")
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := r.Ping(pingCtx)
		pingCancel()
		if err != nil {
			logg.WithError(err).Fatal("connect redis")
		}
		logg.WithField("addr", cfg.Redis.Addr).Info("redis cache enabled")
		c = r
	}

	application, err := app.New(app.Options{
		Store:           store,
		Policy:          policy,
		Cache:           c,
		CacheTTL:        cfg.CacheTTL(),
		WatcherSchedule: cfg.Watcher.Schedule,
	}, logg)
	if err != nil {
		logg.WithError(err).Fatal("build application")
	}

	handler, err := httpapi.NewHandler(application, httpapi.Options{
		JWTSecret:      cfg.Auth.JWTSecret,
		AdminToken:     cfg.Auth.AdminToken,
		RateLimitRPS:   cfg.RateLimit.RPS,
		RateLimitBurst: cfg.RateLimit.Burst,
		AllowedOrigins: cfg.AllowedOrigins(),
		AuditLogPath:   cfg.AuditLogPath,
		Log:            logg,
	})
	if err != nil {
		logg.WithError(err).Fatal("build http handler")
	}

	if cfg.Auth.JWTSecret == "" {
		logg.Warn("no JWT secret configured; trusting X-Caller header (development only)")
	}

	if err := application.Start(ctx); err != nil {
		logg.WithError(err).Fatal("start application")
	}

	server := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logg.WithField("addr", cfg.HTTPAddr()).Info("gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logg.WithError(err).Fatal("server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logg.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.WithError(err).Error("server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		logg.WithError(err).Error("application stop")
	}
	if err := store.Close(); err != nil {
		logg.WithError(err).Error("close storage")
	}
	logg.Info("gateway stopped")
}

// openStore builds the storage backend selected by the configuration. The
// postgres driver applies pending migrations before serving.
func openStore(cfg config.Config, logg *logger.Logger) (storage.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		db, err := sqlx.Connect("postgres", cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime())
		if err := postgres.Migrate(db.DB); err != nil {
			db.Close()
			return nil, err
		}
		logg.Info("postgres storage ready")
		return postgres.New(db), nil
	case "leveldb":
		store, err := leveldb.Open(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		logg.WithField("path", cfg.Database.Path).Info("leveldb storage ready")
		return store, nil
	default:
		logg.Warn("using in-memory storage; all state is lost on restart")
		return memory.New(), nil
	}
}
