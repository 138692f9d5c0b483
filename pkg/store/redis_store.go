package store

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github/martinmaurice/spoolr/pkg/env"
	"github/martinmaurice/spoolr/pkg/idempotency"
	"time"
)

const (
	redisKeyPrefix        = "record"
	idRedisFieldName      = "id"
	payloadRedisFieldName = "payload"
	updatedAtRedisField   = "updated_at"
)

// RedisStore keeps one hash per record under record:<kind>:<idempotency key>.
type RedisStore struct {
	dB *redis.Client
}

func NewRedis(envObj *env.Specification) *RedisStore {
	return &RedisStore{
		dB: redis.NewClient(&redis.Options{
			Addr:     envObj.RedisAddr,
			Password: envObj.RedisPassword,
			DB:       envObj.RedisDb,
			PoolSize: envObj.RedisPoolSize,
		}),
	}
}

func redisRecordKey(kind, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s:%s", redisKeyPrefix, kind, idempotencyKey)
}

// Write sets the id only the first time the hash is created, so replays keep
// returning the original id.
func (r *RedisStore) Write(ctx context.Context, kind, idempotencyKey string, payload any) (string, error) {
	canonical, err := idempotency.Canonical(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPermanent, err)
	}

	key := redisRecordKey(kind, idempotencyKey)
	var idCmd *redis.StringCmd
	_, err = r.dB.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, idRedisFieldName, uuid.NewString())
		pipe.HSet(ctx, key,
			payloadRedisFieldName, string(canonical),
			updatedAtRedisField, time.Now().UTC().Format(time.RFC3339Nano),
		)
		idCmd = pipe.HGet(ctx, key, idRedisFieldName)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to write record to redis: %w", err)
	}

	return idCmd.Val(), nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.dB.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.dB.Close()
}
