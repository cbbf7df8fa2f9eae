package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "nonexistent")
	t.Setenv("MODE", "")
	t.Setenv("CHAT_MAX_MESSAGE_LENGTH", "")
	require.NoError(t, Load())

	assert.Equal(t, "development", GlobalConfig.Mode)
	assert.Equal(t, "/api", GlobalConfig.APIPrefix)
	assert.Equal(t, 5000, GlobalConfig.ChatMaxMessageLength)
	assert.Equal(t, 30*time.Second, GlobalConfig.LLMStreamTimeout)
	assert.Equal(t, "local", GlobalConfig.Cache.Type)
	assert.Equal(t, "https://api.retellai.com", GlobalConfig.RetellBaseURL)
	assert.False(t, GlobalConfig.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MODE", "production")
	t.Setenv("LLM_STREAM_TIMEOUT", "5s")
	t.Setenv("RETELL_WS_SECRET", "ws-secret")
	t.Setenv("CACHE_TYPE", "redis")
	t.Setenv("REDIS_POOL_SIZE", "20")
	require.NoError(t, Load())

	assert.True(t, GlobalConfig.IsProduction())
	assert.Equal(t, 5*time.Second, GlobalConfig.LLMStreamTimeout)
	assert.Equal(t, "ws-secret", GlobalConfig.RetellWSSecret)
	assert.Equal(t, "redis", GlobalConfig.Cache.Type)
	assert.Equal(t, 20, GlobalConfig.Cache.Redis.PoolSize)
}

func TestIsProductionNil(t *testing.T) {
	var c *Config
	assert.False(t, c.IsProduction())
}
