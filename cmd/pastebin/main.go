package main

import (
	"context"
	"encoding/base64"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"pastebin/cfg"
	"pastebin/pkg/kms"
	"pastebin/svc/access"
	"pastebin/svc/auth"
	"pastebin/svc/cache"
	"pastebin/svc/db"
	"pastebin/svc/lim"
	"pastebin/svc/svc"
	"pastebin/svc/sweep"
	"pastebin/svc/util"
	"pastebin/svc/web"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthcheck())
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting pastebin")

	if err := run(c); err != nil {
		util.Fatal().Err(err).Msg("pastebin stopped")
		os.Exit(1)
	}
	util.Info().Msg("Shutdown complete")
}

// healthcheck is the container probe. It checks the configured database
// without creating or migrating it.
func healthcheck() int {
	c, err := cfg.Load()
	if err != nil {
		return 1
	}
	defer c.Wipe()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if c.DatabaseDriver == cfg.DriverSQLite {
		err = db.ProbeSQLite(ctx, c.DatabasePath)
	} else {
		err = db.ProbeGorm(ctx, c.DatabaseDriver, c.DatabaseURL.Value())
	}
	if err != nil {
		return 1
	}
	return 0
}

func run(c *cfg.Cfg) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var kmsAdapter *kms.Adapter
	if c.PepperFromKMS || c.SessionSecretFromKMS || c.EncryptAtRest {
		a, err := kms.NewAdapter(ctx)
		if err != nil {
			return errors.Wrap(err, "initialize KMS adapter")
		}
		kmsAdapter = a
		util.Info().Str("provider", a.ProviderName()).Msg("KMS adapter initialized")
	}

	pepper, err := loadSecret(ctx, kmsAdapter, c.PepperFromKMS, "ARGON2_PEPPER", c.Pepper)
	if err != nil {
		return errors.Wrap(err, "load pepper")
	}
	if len(pepper) < 32 {
		util.Wipe(pepper)
		return errors.Errorf("pepper too short: %d bytes, must be >= 32", len(pepper))
	}
	sessionSecret, err := loadSecret(ctx, kmsAdapter, c.SessionSecretFromKMS, "SESSION_SECRET", c.SessionSecret)
	if err != nil {
		util.Wipe(pepper)
		return errors.Wrap(err, "load session secret")
	}
	defer util.Wipe(sessionSecret)
	if len(sessionSecret) == 0 && c.UnlockTTL > 0 {
		util.Warn().Msg("no SESSION_SECRET, unlock cookies disabled")
	}

	store, sqlite, err := openStore(c)
	if err != nil {
		util.Wipe(pepper)
		return err
	}
	defer store.Close()

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				util.Wipe(pepper)
				return errors.Wrap(err, "redis required in production")
			}
			util.Warn().Err(err).Msg("redis unavailable (dev mode)")
			rdb = nil
		} else {
			util.Info().Str("url", util.RedactURL(c.RedisURL)).Msg("redis connected")
			defer rdb.Close()
		}
	}

	lru, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Wipe(pepper)
		return errors.Wrap(err, "create LRU cache")
	}
	util.Info().Int("size", c.LRUCacheSize).Msg("LRU cache initialized")

	hasher, err := auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, pepper)
	util.Wipe(pepper)
	if err != nil {
		return errors.Wrap(err, "initialize hasher")
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		return errors.Wrap(err, "start hasher")
	}
	defer hasher.Stop()
	util.Info().Int("workers", c.HasherWorkerCount).Msg("hasher initialized")

	limiter, err := lim.New(c.Limits.SubmitPerMinute, rdb, c.TrustedProxies)
	if err != nil {
		return errors.Wrap(err, "initialize rate limiter")
	}
	defer limiter.Stop()
	util.Info().
		Int("per_minute", c.Limits.SubmitPerMinute).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	g, gctx := errgroup.WithContext(ctx)

	var attempts lim.AttemptStore
	if rdb != nil {
		attempts = lim.NewRedisAttempts(rdb, c.Limits.FailedLoginWindow)
	} else {
		mem := lim.NewMemoryAttempts(c.Limits.FailedLoginWindow)
		g.Go(func() error {
			mem.Run(gctx, c.Limits.FailedLoginWindow)
			return nil
		})
		attempts = mem
	}
	policy := access.New(attempts, hasher, c.Limits.FailedLoginMaxAttempts)

	var sealer svc.Sealer
	if c.EncryptAtRest {
		dekCache := kms.NewDEKCache(kmsAdapter, c.KEKCacheTTL)
		defer dekCache.Stop()
		sealer = kms.NewEnvelope(kmsAdapter, dekCache)
		util.Info().Dur("dek_cache_ttl", c.KEKCacheTTL).Msg("encryption at rest enabled")
	}

	pasteSvc, err := svc.NewPaste(store, lru, rdb, hasher, policy, sealer, c)
	if err != nil {
		return errors.Wrap(err, "initialize paste service")
	}
	defer pasteSvc.Shutdown()
	if err := pasteSvc.RefreshStoreBytes(ctx); err != nil {
		util.Warn().Err(err).Msg("failed to read store size")
	}

	sweeper := sweep.New(store, pasteSvc)
	if c.Sweep.Interval > 0 {
		g.Go(func() error {
			return sweeper.Run(gctx, c.Sweep.Interval)
		})
	}
	if sqlite != nil {
		g.Go(func() error {
			sqlite.RunMaintenance(gctx, 0)
			return nil
		})
		util.Info().Msg("WAL maintenance worker started")
	}

	server := web.NewServer(c, web.Deps{
		Paste:         pasteSvc,
		Limiter:       limiter,
		Store:         store,
		Redis:         rdb,
		Sweeper:       sweeper,
		SessionSecret: sessionSecret,
	})
	g.Go(func() error {
		util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
		return server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		util.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			util.Error().Err(err).Msg("server shutdown error")
		}
		return nil
	})
	return g.Wait()
}

// openStore picks the backend by driver. The second return value is set for
// the embedded SQLite backend, which needs WAL maintenance.
func openStore(c *cfg.Cfg) (db.Store, *db.SQLite, error) {
	if c.DatabaseDriver == cfg.DriverSQLite {
		s, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
		if err != nil {
			return nil, nil, errors.Wrap(err, "initialize database")
		}
		util.Info().Str("path", c.DatabasePath).Msg("database initialized")
		return s, s, nil
	}
	g, err := db.OpenGorm(c.DatabaseDriver, c.DatabaseURL.Value(), c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "initialize %s database", c.DatabaseDriver)
	}
	util.Info().Str("driver", c.DatabaseDriver).Msg("database initialized")
	return g, nil, nil
}

// loadSecret reads a base64 secret from KMS when fromKMS is set and the
// plain environment value otherwise.
func loadSecret(ctx context.Context, a *kms.Adapter, fromKMS bool, key string, env cfg.Secret) ([]byte, error) {
	if !fromKMS {
		return []byte(env.Value()), nil
	}
	b64, err := a.GetSecret(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "get %s from KMS", key)
	}
	secret, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s format", key)
	}
	return secret, nil
}
