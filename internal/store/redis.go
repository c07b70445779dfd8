package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements KVStore against go-redis v8, the client the teacher's
// agent/planner.go already wires up for status publication. Here it backs
// registry heartbeat mirroring and rate-limit windows instead.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials addr and pings it, following the same connect-then-Ping
// pattern planner.go uses before handing a client to the rest of the service.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) UpsertHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert hash %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) GetHash(ctx context.Context, key string) (map[string]string, bool, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("get hash %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	return fields, true, nil
}

func (s *RedisStore) DeleteHash(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete hash %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) TrimAndCount(ctx context.Context, key string, cutoff float64) (int64, error) {
	// "(" makes the bound exclusive, so entries scored exactly at cutoff
	// survive — spec.md's window trims everything strictly older than
	// now-window, not everything up to and including it.
	exclusiveCutoff := "(" + strconv.FormatFloat(cutoff, 'f', -1, 64)
	cmds, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", exclusiveCutoff)
		pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("trim and count %s: %w", key, err)
	}
	count := cmds[1].(*redis.IntCmd).Val()
	return count, nil
}

func (s *RedisStore) InsertAndExpire(ctx context.Context, key string, score float64, member string, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, &redis.Z{Score: score, Member: member})
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert and expire %s: %w", key, err)
	}
	return nil
}
