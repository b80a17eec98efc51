package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"VoiceBargainer/internal/config"
	"VoiceBargainer/internal/model"
)

const sessionKeyPrefix = "bargainer:session:"

// RedisStore 每通电话一个hash，每个顶层字段一个hash field
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient 按配置创建客户端
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisStore ttl<=0时不过期
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func sessionKey(callID string) string {
	return sessionKeyPrefix + callID
}

func (r *RedisStore) Get(ctx context.Context, callID string) (*model.CallSession, error) {
	values, err := r.client.HGetAll(ctx, sessionKey(callID)).Result()
	if err != nil {
		return nil, model.Transient("redis", "hgetall", err)
	}
	if len(values) == 0 {
		return nil, model.SessionNotFound(callID)
	}
	doc := make(model.Document, len(values))
	for field, v := range values {
		doc[field] = json.RawMessage(v)
	}
	return doc.Decode()
}

func (r *RedisStore) Set(ctx context.Context, callID string, patch model.SessionPatch) error {
	fields, err := patch.Fields()
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = string(v)
	}

	key := sessionKey(callID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return model.Transient("redis", "hset", fmt.Errorf("session %s: %w", callID, err))
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, callID string) error {
	if err := r.client.Del(ctx, sessionKey(callID)).Err(); err != nil {
		return model.Transient("redis", "del", err)
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
