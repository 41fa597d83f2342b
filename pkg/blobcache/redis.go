package blobcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "avatargen:cache:"

// RedisConfig は RedisStore の接続設定です。
type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// RedisStore は Redis に保存するバックエンドです。
// 値は "<mime>\x00<data>" の1文字列として SETNX で書き込むため、キー単位でアトミックです。
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore は URL から接続を作成し、疎通を確認します。
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(rdb, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreWithClient は既存のクライアントを利用して RedisStore を作成します。
func NewRedisStoreWithClient(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + digest(key)
}

func (s *RedisStore) Load(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := s.rdb.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get failed: %w", err)
	}

	mimeType, data, ok := bytes.Cut(raw, []byte{0})
	if !ok {
		return Entry{}, false, fmt.Errorf("redis の値の形式が不正です: key=%s", s.redisKey(key))
	}
	return Entry{MimeType: string(mimeType), Data: data}, true, nil
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, key string, entry Entry) (bool, error) {
	val := make([]byte, 0, len(entry.MimeType)+1+len(entry.Data))
	val = append(val, entry.MimeType...)
	val = append(val, 0)
	val = append(val, entry.Data...)

	ok, err := s.rdb.SetNX(ctx, s.redisKey(key), val, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.prefix+"*", 500).Result()
		if err != nil {
			return fmt.Errorf("redis scan failed: %w", err)
		}
		if len(keys) > 0 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del failed: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
