package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/crewdesk/crewdesk-auth/internal/adapter/cache"
	oauthadapter "github.com/crewdesk/crewdesk-auth/internal/adapter/oauth"
	"github.com/crewdesk/crewdesk-auth/internal/bootstrap"
	"github.com/crewdesk/crewdesk-auth/internal/config"
	httptransport "github.com/crewdesk/crewdesk-auth/internal/http"
	"github.com/crewdesk/crewdesk-auth/internal/http/handler"
	httpmiddleware "github.com/crewdesk/crewdesk-auth/internal/http/middleware"
	"github.com/crewdesk/crewdesk-auth/internal/jwt"
	apimiddleware "github.com/crewdesk/crewdesk-auth/internal/middleware"
	"github.com/crewdesk/crewdesk-auth/internal/repository"
	"github.com/crewdesk/crewdesk-auth/internal/server"
	"github.com/crewdesk/crewdesk-auth/internal/service"
	"github.com/crewdesk/crewdesk-auth/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newUserRepository,
			newPasskeyRepository,
			newResetTokenRepository,
			newRedisClient,
			newCache,
			newOAuthProviderClient,
			newRateLimiter,
			newTokenGenerator,
			newWebAuthn,
			newTokenService,
			newPasswordService,
			newOAuthService,
			newPasskeyService,
			handler.NewAuthHandler,
			newAuthMiddleware,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsureAdmin, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(1)
	return node, err
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newUserRepository(pool *pgxpool.Pool) repository.UserRepository {
	return repository.NewPostgresUserRepo(pool)
}

func newPasskeyRepository(pool *pgxpool.Pool) repository.PasskeyRepository {
	return repository.NewPostgresPasskeyRepo(pool)
}

func newResetTokenRepository(pool *pgxpool.Pool) repository.ResetTokenRepository {
	return repository.NewPostgresResetTokenRepo(pool)
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newCache(client redis.UniversalClient) repository.Cache {
	return cacheadapter.NewRedisCache(client)
}

func newOAuthProviderClient() oauthadapter.ProviderClient {
	return oauthadapter.NewHTTPProviderClient(nil)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func newTokenGenerator(cfg config.Config) *jwt.Generator {
	return jwt.NewGenerator([]byte(cfg.JWTSecret), cfg.Issuer, cfg.Audience, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
}

func newWebAuthn(cfg config.Config) (*webauthn.WebAuthn, error) {
	return service.NewWebAuthn(cfg)
}

func newTokenService(users repository.UserRepository, cache repository.Cache, generator *jwt.Generator, cfg config.Config, logger *zap.Logger) *service.TokenService {
	return service.NewTokenService(users, cache, generator, cfg.SessionTTL, logger)
}

func newPasswordService(
	users repository.UserRepository,
	resets repository.ResetTokenRepository,
	cache repository.Cache,
	tokens *service.TokenService,
	node *snowflake.Node,
	cfg config.Config,
	logger *zap.Logger,
) *service.PasswordService {
	return service.NewPasswordService(users, resets, cache, tokens, node, cfg.ResetTokenTTL, cfg.LoginMaxAttempts, cfg.LoginAttemptTTL, logger)
}

func newOAuthService(
	cfg config.Config,
	users repository.UserRepository,
	passkeys repository.PasskeyRepository,
	cache repository.Cache,
	providerClient oauthadapter.ProviderClient,
	node *snowflake.Node,
	logger *zap.Logger,
) *service.OAuthService {
	return service.NewOAuthService(cfg, users, passkeys, cache, providerClient, node, logger)
}

func newPasskeyService(
	users repository.UserRepository,
	passkeys repository.PasskeyRepository,
	cache repository.Cache,
	tokens *service.TokenService,
	wa *webauthn.WebAuthn,
	cfg config.Config,
	logger *zap.Logger,
) *service.PasskeyService {
	return service.NewPasskeyService(users, passkeys, cache, tokens, wa, cfg.StateTTL, logger)
}

func newAuthMiddleware(tokens *service.TokenService) *httpmiddleware.Auth {
	return &httpmiddleware.Auth{Tokens: tokens}
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
