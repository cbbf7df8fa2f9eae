package knowledge

import "context"

// SearchResult 检索结果
type SearchResult struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Score    float32        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Source   string         `json:"source,omitempty"`
}

// SearchFilter 检索过滤条件
type SearchFilter struct {
	Match    map[string]any
	MinScore float32
}

// VectorStore 托管的近邻检索服务
type VectorStore interface {
	Search(ctx context.Context, collection string, vector []float32, filter SearchFilter, limit int) ([]SearchResult, error)
	Close() error
}

// FAQ 问答对
type FAQ struct {
	ID       string  `json:"id"`
	Question string  `json:"question"`
	Answer   string  `json:"answer"`
	Score    float32 `json:"score"`
}

// Document 文档片段
type Document struct {
	ID      string  `json:"id"`
	Title   string  `json:"title,omitempty"`
	Content string  `json:"content"`
	Score   float32 `json:"score"`
}

// Context 一次检索返回的落地上下文
type Context struct {
	FAQs      []FAQ      `json:"faqs"`
	Documents []Document `json:"documents"`
}

func (c *Context) Empty() bool {
	return c == nil || (len(c.FAQs) == 0 && len(c.Documents) == 0)
}

// SourceIDs 用于消息元数据
func (c *Context) SourceIDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.FAQs)+len(c.Documents))
	for _, f := range c.FAQs {
		ids = append(ids, "faq:"+f.ID)
	}
	for _, d := range c.Documents {
		ids = append(ids, "doc:"+d.ID)
	}
	return ids
}
