package knowledge

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig Qdrant 连接配置
type QdrantConfig struct {
	URL    string // host:port 或 http(s)://host:port，gRPC 端口
	APIKey string
	UseTLS bool
}

// QdrantStore 基于 Qdrant gRPC 的 VectorStore
type QdrantStore struct {
	client *qdrant.Client
}

func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS || cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return &QdrantStore{client: client}, nil
}

func parseQdrantURL(raw string) (string, int, bool, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to parse qdrant url: %w", err)
	}
	port := 6334
	if u.Port() != "" {
		p, err := strconv.Atoi(u.Port())
		if err != nil {
			return "", 0, false, fmt.Errorf("invalid port: %w", err)
		}
		port = p
	}
	return u.Hostname(), port, u.Scheme == "https", nil
}

func (s *QdrantStore) Search(ctx context.Context, collection string, vector []float32, filter SearchFilter, limit int) ([]SearchResult, error) {
	limitUint64 := uint64(limit)
	query := &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limitUint64,
		Filter:         buildQdrantFilter(filter),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if filter.MinScore > 0 {
		minScore := filter.MinScore
		query.ScoreThreshold = &minScore
	}

	points, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("qdrant search %s failed: %w", collection, err)
	}

	results := make([]SearchResult, 0, len(points))
	for _, point := range points {
		if filter.MinScore > 0 && point.Score < filter.MinScore {
			continue
		}
		results = append(results, toSearchResult(point.Id, point.Score, point.Payload))
	}
	return results, nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func toSearchResult(id *qdrant.PointId, score float32, payload map[string]*qdrant.Value) SearchResult {
	result := SearchResult{Score: score, Metadata: make(map[string]any)}
	if id != nil {
		if uuid := id.GetUuid(); uuid != "" {
			result.ID = uuid
		} else {
			result.ID = strconv.FormatUint(id.GetNum(), 10)
		}
	}
	for k, v := range payload {
		switch k {
		case "content":
			result.Content = v.GetStringValue()
		case "source", "document_id":
			result.Source = v.GetStringValue()
		default:
			result.Metadata[k] = extractValue(v)
		}
	}
	return result
}

func buildQdrantFilter(filter SearchFilter) *qdrant.Filter {
	if len(filter.Match) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(filter.Match))
	for key, value := range filter.Match {
		conditions = append(conditions, buildMatchCondition(key, value))
	}
	return &qdrant.Filter{Must: conditions}
}

// buildMatchCondition creates a match condition for a key-value pair.
func buildMatchCondition(key string, value any) *qdrant.Condition {
	var match *qdrant.Match
	switch v := value.(type) {
	case string:
		match = &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: v}}
	case int:
		match = &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: int64(v)}}
	case int64:
		match = &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: v}}
	case bool:
		match = &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: v}}
	default:
		match = &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: fmt.Sprintf("%v", v)}}
	}
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{Key: key, Match: match},
		},
	}
}

func extractValue(v *qdrant.Value) any {
	if v == nil {
		return nil
	}
	switch val := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue
	case *qdrant.Value_BoolValue:
		return val.BoolValue
	default:
		return nil
	}
}

var _ VectorStore = (*QdrantStore)(nil)
