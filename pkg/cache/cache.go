package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrCacheFull 本地缓存已达上限
var ErrCacheFull = errors.New("cache: max size reached")

// Cache 缓存接口
type Cache interface {
	Get(ctx context.Context, key string) (interface{}, bool)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) bool
	Clear(ctx context.Context) error
	Close() error
}

// Config 缓存配置
type Config struct {
	Type  string `env:"CACHE_TYPE"` // local 或 redis
	Redis RedisConfig
	Local LocalConfig
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// LocalConfig 本地缓存配置
type LocalConfig struct {
	MaxSize           int
	DefaultExpiration time.Duration
	CleanupInterval   time.Duration
}

// NewCache 按类型创建缓存
func NewCache(config Config) (Cache, error) {
	switch config.Type {
	case "", "local":
		return NewLocalCache(config.Local), nil
	case "redis":
		return NewRedisCache(config.Redis)
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", config.Type)
	}
}

// SetJSON 以 JSON 编码写入，保证 local/redis 两种实现读写一致
func SetJSON(ctx context.Context, c Cache, key string, value any, expiration time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, string(b), expiration)
}

// GetJSON 读取并解码，未命中或解码失败返回 false
func GetJSON(ctx context.Context, c Cache, key string, dst any) bool {
	v, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	var raw []byte
	switch t := v.(type) {
	case string:
		raw = []byte(t)
	case []byte:
		raw = t
	default:
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}
