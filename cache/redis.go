package cache

import (
	"Sam2SegServer/logger"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "sam2:segment:"

type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisCache stores rendered segmentation responses.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(opts Options) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisCache{
		client: client,
		ttl:    opts.TTL,
	}
}

func (s *RedisCache) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Key identifies a request by image content, model size, mode and raw prompt text.
func Key(image []byte, modelSize, mode, prompt string) string {
	h := md5.New()
	h.Write(image)
	sum := hex.EncodeToString(h.Sum(nil))
	p := md5.Sum([]byte(modelSize + "\x00" + mode + "\x00" + prompt))
	return keyPrefix + sum + ":" + hex.EncodeToString(p[:])
}

// Get decodes the cached value into out. A miss returns false and no error.
func (s *RedisCache) Get(ctx context.Context, key string, out any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		logger.Log().Error("failed to unmarshal cached result", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return true, nil
}

func (s *RedisCache) Set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, s.ttl).Err()
}

func (s *RedisCache) Close() error {
	return s.client.Close()
}
