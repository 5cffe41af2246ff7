package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/oriys/tenantgate/internal/api"
	"github.com/oriys/tenantgate/internal/auth"
	"github.com/oriys/tenantgate/internal/cache"
	"github.com/oriys/tenantgate/internal/config"
	"github.com/oriys/tenantgate/internal/envelope"
	"github.com/oriys/tenantgate/internal/logging"
	"github.com/oriys/tenantgate/internal/metrics"
	"github.com/oriys/tenantgate/internal/observability"
	"github.com/oriys/tenantgate/internal/ratelimit"
	"github.com/oriys/tenantgate/internal/secrets"
	"github.com/oriys/tenantgate/internal/store"
	"github.com/oriys/tenantgate/internal/tenant"
	"github.com/oriys/tenantgate/internal/tenantdb"
)

func serveCmd() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Server.Addr = listenAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides Server:Addr)")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if err := logging.Default().SetOutput(cfg.Server.AccessLog); err != nil {
		return err
	}
	defer logging.Default().Close()

	if cfg.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Metrics.Namespace, nil)
	}
	if err := observability.Init(ctx, observability.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		SampleRate:     cfg.Telemetry.SampleRate,
	}); err != nil {
		logging.Op().Warn("telemetry disabled", "error", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		observability.Shutdown(shutdownCtx)
	}()

	cipher, err := secrets.NewCipherFromSecret(cfg.Encryption.Key, secrets.PurposeConnectionStrings)
	if err != nil {
		return fmt.Errorf("connection string cipher: %w", err)
	}
	st, err := store.NewPostgresStore(ctx, cfg.Database.MainDSN, cipher)
	if err != nil {
		return err
	}
	defer st.Close()

	mainHandle, err := tenantdb.OpenMain(ctx, cfg.Database.MainDSN)
	if err != nil {
		return fmt.Errorf("open main database: %w", err)
	}
	opts := tenantdb.DefaultOptions()
	opts.ConnectTimeout = cfg.Database.ConnectTimeout
	if cfg.Database.MaxOpenConns > 0 {
		opts.MaxOpenConns = cfg.Database.MaxOpenConns
	}
	if cfg.Database.MaxIdleConns > 0 {
		opts.MaxIdleConns = cfg.Database.MaxIdleConns
	}
	opts.ConfigTTL = cfg.Tenancy.ConfigCacheTTL
	provider := tenantdb.NewProvider(mainHandle, st, opts)
	defer provider.Close()

	var redisClient *redis.Client
	if cfg.Tenancy.SharedCache || (cfg.RateLimiting.Enabled && cfg.RateLimiting.Backend == "redis") {
		redisClient = newRedisClient(cfg)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logging.Op().Warn("redis unreachable at startup", "addr", cfg.Redis.Addr, "error", err)
		}
	}

	localMemo := cache.NewInMemoryCache(time.Minute)
	defer localMemo.Close()
	var memo cache.Cache = localMemo

	srvCfg := api.ServerConfig{
		Store:       st,
		Handles:     provider,
		CORSOrigins: cfg.Server.CORSOrigins,
		Metrics:     cfg.Metrics.Enabled,
		Envelope:    envelope.DefaultOptions(),
	}

	if cfg.Tenancy.SharedCache {
		memo = cache.NewTieredCache(localMemo, cache.NewRedisCache(redisClient, ""), cfg.Tenancy.MemoL1TTL)
	}
	resolver := tenant.NewResolver(st, st, provider, tenant.ResolverOptions{
		Memo:         memo,
		MemoTTL:      cfg.Tenancy.SubuserMemoTTL,
		ProbeTimeout: cfg.Tenancy.ProbeTimeout,
	})
	srvCfg.Resolver = resolver

	if cfg.Tenancy.SharedCache {
		inv := cache.NewInvalidator(redisClient)
		defer inv.Close()
		go inv.Start(ctx, invalidationHandler(ctx, provider.Invalidate, resolver.ForgetLocal))
		srvCfg.Invalidations = inv
		logging.Op().Info("shared tenancy cache enabled", "redis", cfg.Redis.Addr)
	}

	if cfg.RateLimiting.Enabled {
		limiter := ratelimit.New(rateLimitBackend(cfg, redisClient), ratelimit.Options{
			Policies:            policiesFromConfig(cfg.RateLimiting),
			ForgotPasswordPaths: cfg.RateLimiting.ForgotPasswordPaths,
			BypassPaths:         cfg.RateLimiting.BypassPaths,
		})
		go limiter.Run(ctx, cfg.RateLimiting.CleanupInterval)
		srvCfg.Limiter = limiter
		logging.Op().Info("rate limiting enabled",
			"backend", cfg.RateLimiting.Backend,
			"normal_user", cfg.RateLimiting.NormalUserLimit,
			"private_cloud", cfg.RateLimiting.PrivateCloudLimit)
	}

	if cfg.Encryption.Enabled {
		codec, err := envelope.NewCodecFromSecret(cfg.Encryption.ResponseSecret())
		if err != nil {
			return fmt.Errorf("response envelope: %w", err)
		}
		srvCfg.Codec = codec
	}

	if cfg.Auth.Secret != "" || cfg.Auth.PublicKeyFile != "" {
		jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTAuthConfig{
			Algorithm:     cfg.Auth.Algorithm,
			Secret:        cfg.Auth.Secret,
			PublicKeyFile: cfg.Auth.PublicKeyFile,
			Issuer:        cfg.Auth.Issuer,
			Audience:      cfg.Auth.Audience,
		})
		if err != nil {
			return fmt.Errorf("jwt authenticator: %w", err)
		}
		srvCfg.Authenticators = append(srvCfg.Authenticators, jwtAuth)
	} else {
		logging.Op().Warn("no bearer token key configured, all requests are anonymous")
	}

	httpServer := api.StartHTTPServer(cfg.Server.Addr, srvCfg)
	logging.Op().Info("tenantgate started", "addr", cfg.Server.Addr, "version", version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Op().Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// invalidationHandler routes a broadcast key: subuser keys drop this
// instance's memo entry, anything else is an owner whose config changed.
func invalidationHandler(ctx context.Context, invalidateOwner func(owner string), forgetSubuser func(ctx context.Context, email string)) func(key string) {
	return func(key string) {
		if email, ok := tenant.ParseSubuserInvalidationKey(key); ok {
			forgetSubuser(ctx, email)
			return
		}
		invalidateOwner(key)
	}
}

func rateLimitBackend(cfg *config.Config, client *redis.Client) ratelimit.Backend {
	if cfg.RateLimiting.Backend == "redis" && client != nil {
		return ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(client))
	}
	return ratelimit.NewLocalBackend()
}

func policiesFromConfig(rl config.RateLimitingConfig) ratelimit.Policies {
	p := ratelimit.DefaultPolicies()
	p.PrivateTenant.Limit = rl.PrivateCloudLimit
	p.PrivateTenant.Window = rl.Window
	p.NormalUser.Limit = rl.NormalUserLimit
	p.NormalUser.Window = rl.Window
	p.Unauthenticated.Limit = rl.UnauthenticatedLimit
	p.Unauthenticated.Window = rl.Window
	p.ForgotPassword.Limit = rl.ForgotPasswordHourlyLimit
	p.ForgotPassword.Window = rl.ForgotPasswordWindow
	return p
}
