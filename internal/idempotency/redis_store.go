package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "jobescrow:idem:"

// RedisStore keeps records as JSON values whose TTL tracks ExpiresAt.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	if url == "" {
		return nil, errors.New("redis url is empty")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if rec.expired(time.Now()) {
		return nil, nil
	}
	return &rec, nil
}

// Reserve relies on SET NX so only one replica claims a key.
func (r *RedisStore) Reserve(ctx context.Context, key string, record Record) (*Record, error) {
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return nil, fmt.Errorf("reserve %s: lease already expired", key)
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	for i := 0; i < 2; i++ {
		ok, err := r.client.SetNX(ctx, redisKeyPrefix+key, raw, ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return nil, nil
		}
		existing, err := r.Get(ctx, key)
		if err != nil || existing != nil {
			return existing, err
		}
	}
	return nil, fmt.Errorf("reserve %s: key contended", key)
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisKeyPrefix+key).Err()
}

func (r *RedisStore) Save(ctx context.Context, key string, record Record) error {
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisKeyPrefix+key, raw, ttl).Err()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
