package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisKey holds the ledger document when no key is configured.
const DefaultRedisKey = "hoist:ledger"

// RedisStore keeps the ledger document under a single Redis key. The key
// expires together with the last open window.
type RedisStore struct {
	client redis.UniversalClient
	key    string
	logger *logging.Logger
	now    func() time.Time
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, key string, logger *logging.Logger) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key, logger: logger, now: time.Now}
}

// OpenRedis connects to the server described by a redis:// URL.
func OpenRedis(ctx context.Context, url, key string, logger *logging.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis ledger: %w", err)
	}
	return NewRedisStore(client, key, logger), nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Load returns the stored ledger. A missing key is an empty ledger; a corrupt
// value is logged and treated the same way.
func (s *RedisStore) Load(ctx context.Context) (Ledger, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return New(), nil
		}
		return nil, fmt.Errorf("load redis ledger: %w", err)
	}

	l, err := Decode(data)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("Ledger document is corrupt, starting empty",
				zap.String("key", s.key),
				zap.Error(err))
		}
		return New(), nil
	}
	return l, nil
}

// Save writes l as one document. An empty ledger deletes the key.
func (s *RedisStore) Save(ctx context.Context, l Ledger) error {
	if len(l) == 0 {
		if err := s.client.Del(ctx, s.key).Err(); err != nil {
			return fmt.Errorf("clear redis ledger: %w", err)
		}
		return nil
	}

	now := s.now()
	data, err := Encode(l, now)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, expiry(l, now)).Err(); err != nil {
		return fmt.Errorf("save redis ledger: %w", err)
	}
	return nil
}

// expiry is the time until the latest reset, at least one second.
func expiry(l Ledger, now time.Time) time.Duration {
	var latest time.Time
	for _, entry := range l {
		if entry.ResetAt.After(latest) {
			latest = entry.ResetAt
		}
	}
	ttl := latest.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
