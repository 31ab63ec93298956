package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// ErrRecordNotFound indicates the store holds no record for a client.
var ErrRecordNotFound = errors.New("token record not found")

// DefaultStoreKeyPrefix namespaces token records in Redis.
const DefaultStoreKeyPrefix = "sdp:oauth:"

// storeRetention keeps a record after its access token expired, because the
// refresh token stays valid far longer than the access token.
const storeRetention = 30 * 24 * time.Hour

var tokenStoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sdp_token_store_errors_total",
	Help: "Total token store operation errors",
}, []string{"operation"})

// Store persists token records. The client secret is never stored.
type Store interface {
	Load(ctx context.Context, clientID string) (Record, error)
	Save(ctx context.Context, clientID string, r Record) error
}

// RedisStore keeps token records in Redis as JSON.
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store. An empty prefix selects
// DefaultStoreKeyPrefix.
func NewRedisStore(redisClient *redis.Client, prefix string) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultStoreKeyPrefix
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *RedisStore) key(clientID string) string {
	return s.prefix + clientID
}

// Load returns the stored record of clientID or ErrRecordNotFound.
func (s *RedisStore) Load(ctx context.Context, clientID string) (Record, error) {
	data, err := s.redis.Get(ctx, s.key(clientID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, ErrRecordNotFound
		}
		tokenStoreErrors.WithLabelValues("load").Inc()
		return Record{}, fmt.Errorf("redis get: %w", err)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		tokenStoreErrors.WithLabelValues("load").Inc()
		return Record{}, fmt.Errorf("decode token record: %w", err)
	}

	return r, nil
}

// Save stores r for clientID.
func (s *RedisStore) Save(ctx context.Context, clientID string, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		tokenStoreErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("encode token record: %w", err)
	}

	if err := s.redis.Set(ctx, s.key(clientID), data, storeRetention).Err(); err != nil {
		tokenStoreErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// MemoryStore is a process-local Store, mainly for tests and single-process tools.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Load returns the stored record of clientID or ErrRecordNotFound.
func (s *MemoryStore) Load(_ context.Context, clientID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[clientID]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return r, nil
}

// Save stores r for clientID.
func (s *MemoryStore) Save(_ context.Context, clientID string, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.ClientSecret = ""
	s.records[clientID] = r
	return nil
}
