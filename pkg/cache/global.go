package cache

import (
	"sync"
	"time"
)

var (
	globalMu    sync.RWMutex
	globalCache Cache
)

// fallbackLocal 未配置或初始化失败时使用；agent 记录量小，容量够用
var fallbackLocal = LocalConfig{
	MaxSize:           500,
	DefaultExpiration: time.Minute,
	CleanupInterval:   5 * time.Minute,
}

// InitGlobalCache 按配置创建进程级缓存；失败时保留本地缓存兜底并返回错误
func InitGlobalCache(config Config) error {
	c, err := NewCache(config)
	globalMu.Lock()
	defer globalMu.Unlock()
	if err != nil {
		if globalCache == nil {
			globalCache = NewLocalCache(fallbackLocal)
		}
		return err
	}
	if globalCache != nil {
		_ = globalCache.Close()
	}
	globalCache = c
	return nil
}

// GetGlobalCache 返回进程级缓存，未初始化时惰性创建本地缓存
func GetGlobalCache() Cache {
	globalMu.RLock()
	c := globalCache
	globalMu.RUnlock()
	if c != nil {
		return c
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCache == nil {
		globalCache = NewLocalCache(fallbackLocal)
	}
	return globalCache
}

func CloseGlobalCache() error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCache == nil {
		return nil
	}
	err := globalCache.Close()
	globalCache = nil
	return err
}
