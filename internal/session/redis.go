package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "face-identity:session:"
	// redisUpdateAttempts bounds optimistic retries when a watched key changes
	// under an Update.
	redisUpdateAttempts = 10
)

// RedisStore keeps sessions in Redis with native key expiry, so sessions
// survive restarts and are shared between replicas. Read-modify-write goes
// through Update, which uses optimistic WATCH transactions.
type RedisStore struct {
	rdb *goredis.Client
}

// NewRedisStore connects to url (redis://host:port/db) and pings it.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		return nil, errors.New("redis URL is required")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	rdb := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Create(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ok, err := s.rdb.SetNX(ctx, redisKeyPrefix+key, value, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return ErrKeyExists
	}
	return nil
}

// Update runs fn inside WATCH/MULTI so a concurrent writer on another
// process aborts and retries instead of losing its change.
func (s *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn func([]byte) ([]byte, error)) error {
	k := redisKeyPrefix + key
	args := goredis.SetArgs{Mode: "XX", TTL: ttl}
	if ttl <= 0 {
		args = goredis.SetArgs{Mode: "XX", KeepTTL: true}
	}

	txf := func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, goredis.Nil) {
			return ErrKeyNotFound
		}
		if err != nil {
			return fmt.Errorf("redis get: %w", err)
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.SetArgs(ctx, k, next, args)
			return nil
		})
		switch {
		case errors.Is(err, goredis.Nil):
			return ErrKeyNotFound
		case err != nil && !errors.Is(err, goredis.TxFailedErr):
			return fmt.Errorf("redis set: %w", err)
		}
		return err
	}

	for range redisUpdateAttempts {
		err := s.rdb.Watch(ctx, txf, k)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis update %s: key kept changing after %d attempts", key, redisUpdateAttempts)
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return b, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n := 0
	iter := s.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
