package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/sdp-client/internal/config"
	"github.com/Sternrassler/sdp-client/pkg/client"
	"github.com/Sternrassler/sdp-client/pkg/logging"
	"github.com/Sternrassler/sdp-client/pkg/oauth"
	"github.com/Sternrassler/sdp-client/pkg/ratelimit"
)

// app bundles the components every command needs. With Redis configured the
// token records and the rate limit window are shared through it.
type app struct {
	creds   oauth.Credentials
	redis   *redis.Client
	tracker *oauth.Tracker
	limiter ratelimit.Limiter
	client  *client.Client
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	if err := cfg.RequireCredentials(); err != nil {
		return nil, err
	}

	a := &app{creds: cfg.Client.Credentials()}

	trackerCfg := oauth.DefaultConfig()
	trackerCfg.TokenURL = cfg.OAuth.TokenURL
	trackerCfg.ExpiryWindow = cfg.OAuth.ExpiryWindow
	trackerCfg.ServeStaleOnFailure = cfg.OAuth.ServeStaleOnFailure
	trackerCfg.Timeout = cfg.HTTPTimeout

	limiterLogger := logging.NewLogger("rate-limiter")

	var err error
	if cfg.Redis.Enabled() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.redis.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}

		trackerCfg.Store = oauth.NewRedisStore(a.redis, "")
		a.limiter, err = ratelimit.NewRedisWindow(a.redis, "", cfg.RateLimit.Calls, cfg.RateLimit.Window, limiterLogger)
	} else {
		a.limiter, err = ratelimit.NewWindow(cfg.RateLimit.Calls, cfg.RateLimit.Window, limiterLogger)
	}
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}

	a.tracker, err = oauth.NewTracker(trackerCfg, logging.NewLogger("oauth"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create token tracker: %w", err)
	}

	clientCfg := client.DefaultConfig(cfg.ServiceURL, a.creds, a.tracker, a.limiter)
	clientCfg.Timeout = cfg.HTTPTimeout
	a.client, err = client.New(clientCfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create client: %w", err)
	}

	return a, nil
}

// Close releases the Redis connection, if any.
func (a *app) Close() error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Close()
}
