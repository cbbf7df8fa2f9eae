package knowledge

import (
	"context"
	"strings"

	"github.com/code-100-precent/LingDesk/pkg/llm"
	"github.com/code-100-precent/LingDesk/pkg/logger"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultFAQLimit      = 3
	DefaultDocumentLimit = 4
	embeddingCacheSize   = 2048
)

// RetrieveOptions 单个 agent 的检索参数
type RetrieveOptions struct {
	AgentID           string
	FAQThreshold      float32
	DocumentThreshold float32
}

// Retriever 根据查询返回 FAQ 与文档片段
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts RetrieveOptions) (*Context, error)
}

// VectorRetriever 向量检索实现，FAQ 与文档两个集合并发查询
type VectorRetriever struct {
	embedder      llm.Embedder
	store         VectorStore
	faqCollection string
	docCollection string
	faqLimit      int
	docLimit      int
	embeddings    *lru.Cache[string, []float32]
}

func NewVectorRetriever(embedder llm.Embedder, store VectorStore, faqCollection, docCollection string) *VectorRetriever {
	cache, _ := lru.New[string, []float32](embeddingCacheSize)
	return &VectorRetriever{
		embedder:      embedder,
		store:         store,
		faqCollection: faqCollection,
		docCollection: docCollection,
		faqLimit:      DefaultFAQLimit,
		docLimit:      DefaultDocumentLimit,
		embeddings:    cache,
	}
}

func (r *VectorRetriever) Retrieve(ctx context.Context, query string, opts RetrieveOptions) (*Context, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return &Context{}, nil
	}

	vector, err := r.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	out := &Context{}
	match := map[string]any{"agent_id": opts.AgentID}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		results, err := r.store.Search(gctx, r.faqCollection, vector, SearchFilter{Match: match, MinScore: opts.FAQThreshold}, r.faqLimit)
		if err != nil {
			return err
		}
		for _, res := range results {
			out.FAQs = append(out.FAQs, FAQ{
				ID:       res.ID,
				Question: stringMeta(res.Metadata, "question"),
				Answer:   firstNonEmpty(stringMeta(res.Metadata, "answer"), res.Content),
				Score:    res.Score,
			})
		}
		return nil
	})
	g.Go(func() error {
		results, err := r.store.Search(gctx, r.docCollection, vector, SearchFilter{Match: match, MinScore: opts.DocumentThreshold}, r.docLimit)
		if err != nil {
			return err
		}
		for _, res := range results {
			out.Documents = append(out.Documents, Document{
				ID:      res.ID,
				Title:   stringMeta(res.Metadata, "title"),
				Content: res.Content,
				Score:   res.Score,
			})
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.Debug("Context retrieved",
		zap.String("agentId", opts.AgentID),
		zap.Int("faqs", len(out.FAQs)),
		zap.Int("documents", len(out.Documents)))
	return out, nil
}

func (r *VectorRetriever) embed(ctx context.Context, query string) ([]float32, error) {
	key := strings.ToLower(query)
	if v, ok := r.embeddings.Get(key); ok {
		return v, nil
	}
	v, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	r.embeddings.Add(key, v)
	return v, nil
}

// NoopRetriever 未配置向量库时使用
type NoopRetriever struct{}

func (NoopRetriever) Retrieve(context.Context, string, RetrieveOptions) (*Context, error) {
	return &Context{}, nil
}

func stringMeta(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
