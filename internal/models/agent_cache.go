package models

import (
	"context"
	"time"

	"github.com/code-100-precent/LingDesk/pkg/cache"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const DefaultAgentCacheTTL = 2 * time.Minute

// AgentLookup 语音与短信入口的 agent 查询，带短期缓存
type AgentLookup struct {
	db    *gorm.DB
	cache cache.Cache
	ttl   time.Duration
}

// NewAgentLookup c 为 nil 时直接查库
func NewAgentLookup(db *gorm.DB, c cache.Cache, ttl time.Duration) *AgentLookup {
	if ttl <= 0 {
		ttl = DefaultAgentCacheTTL
	}
	return &AgentLookup{db: db, cache: c, ttl: ttl}
}

func (l *AgentLookup) ByID(ctx context.Context, id string) (*Agent, error) {
	return l.lookup(ctx, "agent:id:"+id, func() (*Agent, error) {
		return GetAgentByID(l.db, id)
	})
}

func (l *AgentLookup) ByProviderAgentID(ctx context.Context, providerAgentID string) (*Agent, error) {
	if providerAgentID == "" {
		return nil, ErrAgentNotFound
	}
	return l.lookup(ctx, "agent:provider:"+providerAgentID, func() (*Agent, error) {
		return GetAgentByProviderAgentID(l.db, providerAgentID)
	})
}

func (l *AgentLookup) ByPhoneNumber(ctx context.Context, number string) (*Agent, error) {
	if number == "" {
		return nil, ErrAgentNotFound
	}
	return l.lookup(ctx, "agent:phone:"+number, func() (*Agent, error) {
		return GetAgentByPhoneNumber(l.db, number)
	})
}

// Invalidate 配置变更后清除该 agent 的全部缓存键
func (l *AgentLookup) Invalidate(ctx context.Context, agent *Agent) {
	if l.cache == nil || agent == nil {
		return
	}
	keys := []string{"agent:id:" + agent.ID}
	if agent.ProviderAgentID != "" {
		keys = append(keys, "agent:provider:"+agent.ProviderAgentID)
	}
	if agent.PhoneNumber != "" {
		keys = append(keys, "agent:phone:"+agent.PhoneNumber)
	}
	for _, k := range keys {
		if err := l.cache.Delete(ctx, k); err != nil {
			logger.Warn("agent cache delete failed", zap.String("key", k), zap.Error(err))
		}
	}
}

func (l *AgentLookup) lookup(ctx context.Context, key string, load func() (*Agent, error)) (*Agent, error) {
	if l.cache != nil {
		var cached Agent
		if cache.GetJSON(ctx, l.cache, key, &cached) {
			return &cached, nil
		}
	}
	agent, err := load()
	if err != nil {
		return nil, err
	}
	if l.cache != nil {
		if err := cache.SetJSON(ctx, l.cache, key, agent, l.ttl); err != nil {
			logger.Debug("agent cache set failed", zap.String("key", key), zap.Error(err))
		}
	}
	return agent, nil
}
