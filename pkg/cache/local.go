package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// LocalCache 基于 go-cache 的进程内缓存
type LocalCache struct {
	c       *gocache.Cache
	maxSize int
}

func NewLocalCache(config LocalConfig) *LocalCache {
	if config.DefaultExpiration == 0 {
		config.DefaultExpiration = 5 * time.Minute
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = 10 * time.Minute
	}
	return &LocalCache{
		c:       gocache.New(config.DefaultExpiration, config.CleanupInterval),
		maxSize: config.MaxSize,
	}
}

func (l *LocalCache) Get(_ context.Context, key string) (interface{}, bool) {
	return l.c.Get(key)
}

func (l *LocalCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	if l.maxSize > 0 && l.c.ItemCount() >= l.maxSize {
		if _, exists := l.c.Get(key); !exists {
			l.c.DeleteExpired()
			if l.c.ItemCount() >= l.maxSize {
				return ErrCacheFull
			}
		}
	}
	if expiration <= 0 {
		expiration = gocache.DefaultExpiration
	}
	l.c.Set(key, value, expiration)
	return nil
}

func (l *LocalCache) Delete(_ context.Context, key string) error {
	l.c.Delete(key)
	return nil
}

func (l *LocalCache) Exists(_ context.Context, key string) bool {
	_, ok := l.c.Get(key)
	return ok
}

func (l *LocalCache) Clear(_ context.Context) error {
	l.c.Flush()
	return nil
}

func (l *LocalCache) Close() error {
	return nil
}
