package nonces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/library/internal/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStoreConfig describes the dependencies of the Redis-backed store.
type RedisStoreConfig struct {
	Client    redis.UniversalClient
	KeyPrefix string
	Policy    clock.SkewPolicy
	Logger    *zap.Logger
}

// RedisStore consumes nonces with SETNX. Each key carries a TTL that outlives
// the skew window, so Redis expiry performs the sweep.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	policy    clock.SkewPolicy
	logger    *zap.Logger
}

// NewRedisStore constructs a Redis-backed nonce store.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:    cfg.Client,
		keyPrefix: cfg.KeyPrefix,
		policy:    cfg.Policy,
		logger:    logger,
	}, nil
}

func (s *RedisStore) key(serverURL string, timestamp int64, salt string) string {
	digest := sha256.Sum256([]byte(serverURL + "\x00" + strconv.FormatInt(timestamp, 10) + "\x00" + salt))
	return s.keyPrefix + "nonce:" + hex.EncodeToString(digest[:])
}

// Consume implements Store.
func (s *RedisStore) Consume(ctx context.Context, serverURL string, timestamp int64, salt string) (bool, error) {
	if !s.policy.WithinSeconds(timestamp) {
		s.logger.Info("nonce outside skew window",
			zap.String("server_url", serverURL),
			zap.Int64("timestamp_s", timestamp))
		return false, nil
	}

	// The triple stays unusable until timestamp+skew; keep it one second past that.
	retainUntil := timestamp + int64(s.policy.Skew()/time.Second) + 1
	ttl := time.Duration(retainUntil-s.policy.NowSeconds()) * time.Second

	created, err := s.client.SetNX(ctx, s.key(serverURL, timestamp, salt), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("nonces: redis consume: %w", err)
	}
	if !created {
		s.logger.Info("nonce already used",
			zap.String("server_url", serverURL),
			zap.Int64("timestamp_s", timestamp),
			zap.String("salt", salt))
		return false, nil
	}
	return true, nil
}

// Sweep implements Store. Key expiry already removes stale nonces.
func (s *RedisStore) Sweep(context.Context) (int64, error) {
	return 0, nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
