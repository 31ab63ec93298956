//go:build integration

package ratelimit

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestRedisWindow_Integration_FirstCallsPass(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	limiter, err := NewRedisWindow(redisClient, "test:first", 3, time.Minute, logger)
	if err != nil {
		t.Fatalf("NewRedisWindow() error = %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		wait, err := limiter.reserve(ctx)
		if err != nil {
			t.Fatalf("reserve() error = %v", err)
		}
		if wait != 0 {
			t.Errorf("call %d wait = %s, want 0", i, wait)
		}
	}

	wait, err := limiter.reserve(ctx)
	if err != nil {
		t.Fatalf("reserve() error = %v", err)
	}
	if wait < 59*time.Second || wait > time.Minute {
		t.Errorf("over-quota wait = %s, want about 1m", wait)
	}

	ttl, err := redisClient.PTTL(ctx, "test:first"+RedisKeySlotsSuffix).Result()
	if err != nil {
		t.Fatalf("PTTL error = %v", err)
	}
	if ttl <= 0 {
		t.Errorf("slots key should expire, ttl = %s", ttl)
	}
}

func TestRedisWindow_Integration_SharedAcrossLimiters(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)

	// Two limiters with the same prefix model two processes.
	a, err := NewRedisWindow(redisClient, "test:shared", 4, 300*time.Millisecond, logger)
	if err != nil {
		t.Fatalf("NewRedisWindow() error = %v", err)
	}
	b, err := NewRedisWindow(redisClient, "test:shared", 4, 300*time.Millisecond, logger)
	if err != nil {
		t.Fatalf("NewRedisWindow() error = %v", err)
	}

	var (
		mu     sync.Mutex
		grants []time.Time
		wg     sync.WaitGroup
	)

	for i := 0; i < 12; i++ {
		limiter := a
		if i%2 == 1 {
			limiter = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Acquire(context.Background()); err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			mu.Lock()
			grants = append(grants, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })
	total := grants[len(grants)-1].Sub(grants[0])

	// 12 calls at 4 per 300ms need at least two full windows.
	if total < 550*time.Millisecond {
		t.Errorf("12 calls completed in %s, want >= 600ms", total)
	}
}

func TestRedisWindow_Integration_Cancel(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	limiter, err := NewRedisWindow(redisClient, "test:cancel", 1, time.Hour, logger)
	if err != nil {
		t.Fatalf("NewRedisWindow() error = %v", err)
	}

	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = limiter.Acquire(ctx)
	if !errors.Is(err, ErrNotGranted) {
		t.Errorf("Acquire() error = %v, want ErrNotGranted", err)
	}
}
