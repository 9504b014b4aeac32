package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sgrastar/authrim-sub004/internal/actor"
	"github.com/sgrastar/authrim-sub004/internal/asyncgrant"
	"github.com/sgrastar/authrim-sub004/internal/audit"
	"github.com/sgrastar/authrim-sub004/internal/authcode"
	"github.com/sgrastar/authrim-sub004/internal/config"
	"github.com/sgrastar/authrim-sub004/internal/logger"
	"github.com/sgrastar/authrim-sub004/internal/repository/postgres"
	"github.com/sgrastar/authrim-sub004/internal/resolve"
	"github.com/sgrastar/authrim-sub004/internal/rotation"
	"github.com/sgrastar/authrim-sub004/internal/session"
	"github.com/sgrastar/authrim-sub004/internal/token"
	"github.com/sgrastar/authrim-sub004/internal/versiongate"
)

var (
	buildVersion = "N/A" // set by ldflags
	buildDate    = "N/A" // set by ldflags
	buildCommit  = "N/A" // set by ldflags
)

const serviceName = "authrim-core"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, os.Interrupt)
	defer stop()

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	logger := logger.New(cfg.LogLevel)

	db, err := postgres.NewConnection(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatal("failed to initialize storage", "error", err)
	}
	defer db.Close()

	cold := postgres.NewColdStore(db)
	sink := audit.NewSink(cold, logger.Component("audit"), 256)
	defer sink.Close()

	actorOpts := actor.Options{
		IdleTTL:     cfg.Actor.IdleTTL,
		QueueCap:    cfg.Actor.QueueCap,
		LoadTimeout: cfg.Actor.LoadTimeout,
	}

	// Resolution chain: memory, replicated cache, durable loaders, defaults.
	var redisCache *resolve.RedisCache
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("replicated cache unreachable, continuing without it", "error", err)
		} else {
			redisCache = resolve.NewRedisCache(client, cfg.Redis.KeyPrefix, cfg.Cache.RedisTTL, logger.Component("cache"))
		}
		defer client.Close()
	}
	mem := resolve.NewMemoryCache(cfg.Cache.MemorySize, cfg.Cache.MemoryTTL)
	mux := resolve.NewMux()
	chain := resolve.NewDefaultChain(logger.Component("resolve"), mem, redisCache, mux, nil)

	tokens := token.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessTTL)

	codeShards, codeQuotas := authcode.NewRegistries(cold, logger.Component("authcode"), actorOpts)
	codes := authcode.New(codeShards, codeQuotas, authcode.Config{
		ShardCount:    cfg.AuthCode.ShardCount,
		TTL:           cfg.AuthCode.TTL,
		PerUserLimit:  cfg.AuthCode.PerUserLimit,
		SweepInterval: cfg.AuthCode.SweepInterval,
	}, logger.Component("authcode"))

	famShards, topologyReg := rotation.NewRegistries(cold, logger.Component("rotation"), actorOpts)
	engine := rotation.New(famShards, topologyReg, chain, tokens, sink, rotation.Config{
		ShardCount:  cfg.Rotation.ShardCount,
		MaxTTL:      cfg.Rotation.MaxTTL,
		StrictScope: cfg.Rotation.StrictScope,
	}, logger.Component("rotation"))
	mux.Register(rotation.TopologyKey, engine.TopologyLoader())
	if err := engine.EnsureTopology(ctx); err != nil {
		logger.Fatal("failed to seed shard topology", "error", err)
	}

	sessionReg, watermarkReg := session.NewRegistries(cold, logger.Component("session"), actorOpts)
	sessions := session.New(sessionReg, watermarkReg, cold, sink, session.Config{
		TTL:                cfg.Session.TTL,
		Sliding:            cfg.Session.Sliding,
		ReconcileInterval:  cfg.Session.ReconcileInterval,
		MirrorRetryMaxWait: cfg.Session.MirrorRetryMaxWait,
	}, logger.Component("session"))

	grantReg := asyncgrant.NewRegistry(cold, logger.Component("asyncgrant"), actorOpts)
	grants := asyncgrant.New(grantReg, asyncgrant.Config{
		TTL:          cfg.AsyncGrant.TTL,
		PollInterval: cfg.AsyncGrant.PollInterval,
		Retention:    cfg.AsyncGrant.Retention,
	}, logger.Component("asyncgrant"))
	defer grants.Stop()
	if err := grants.Seed(ctx, cold); err != nil {
		logger.Fatal("failed to re-arm grant expiry wake-ups", "error", err)
	}

	// Version records get their own short-TTL memory tier so deploy-window
	// staleness is bounded tighter than the general cache.
	gateMem := resolve.NewMemoryCache(cfg.Cache.MemorySize, cfg.VersionGate.CacheTTL)
	gateChain := resolve.NewDefaultChain(logger.Component("versiongate"), gateMem, redisCache, mux, nil)

	versionReg := versiongate.NewRegistry(cold, logger.Component("versiongate"), actorOpts)
	gate := versiongate.New(versionReg, gateChain, versiongate.Config{
		RetryAfter: cfg.VersionGate.RetryAfter,
	}, logger.Component("versiongate"))
	mux.Register(versiongate.KeyPrefix, gate.Loader())
	if err := gate.Register(ctx, serviceName, buildVersion); err != nil {
		logger.Error("failed to register deployment version", "error", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		codes.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sessions.Run(ctx)
	}()

	logger.Info("consistency core running",
		"service", serviceName,
		"code_shards", cfg.AuthCode.ShardCount,
		"rotation_shards", cfg.Rotation.ShardCount)
	logAppVersion()

	<-ctx.Done()
	logger.Info("received interruption signal, shutting down")
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	closeAll(shutdownCtx, logger,
		codeShards, codeQuotas, famShards, topologyReg,
		sessionReg, watermarkReg, grantReg, versionReg)
	logger.Info("shutdown complete")
}

type registryCloser interface {
	Close(ctx context.Context) error
}

func closeAll(ctx context.Context, logger *logger.Logger, registries ...registryCloser) {
	for _, r := range registries {
		if err := r.Close(ctx); err != nil {
			logger.Error("error during actor registry shutdown", "error", err)
		}
	}
}

func logAppVersion() {
	tmpl := `
Build version: %s
Build date: %s
Build commit: %s
`

	fmt.Printf(tmpl, buildVersion, buildDate, buildCommit)
}
