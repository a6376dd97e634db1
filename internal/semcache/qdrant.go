package semcache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// QdrantConfig holds Qdrant connection settings.
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Dimension  int
	Timeout    time.Duration
}

// QdrantStore is a VectorStore backed by Qdrant's REST API.
// Reference: https://qdrant.tech/documentation/concepts/search/
type QdrantStore struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	collection string
	dimension  int
}

// NewQdrantStore validates cfg and returns a store. Call EnsureCollection
// once before the first Add.
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("semcache: qdrant url is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = "llmcompare_prompts"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536 // text-embedding-3-small
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &QdrantStore{
		client:     &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
	}, nil
}

// EnsureCollection creates the collection with cosine distance if it
// doesn't exist yet.
func (q *QdrantStore) EnsureCollection(ctx context.Context) error {
	var exists struct {
		Result struct {
			Exists bool `json:"exists"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodGet, "/collections/"+q.collection+"/exists", nil, &exists); err != nil {
		return fmt.Errorf("semcache: qdrant collection check: %w", err)
	}
	if exists.Result.Exists {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     q.dimension,
			"distance": "Cosine",
		},
	}
	if err := q.do(ctx, http.MethodPut, "/collections/"+q.collection, body, nil); err != nil {
		return fmt.Errorf("semcache: qdrant create collection: %w", err)
	}
	return nil
}

// Add upserts one point. id must be a UUID, which store record ids are.
func (q *QdrantStore) Add(ctx context.Context, id, typ string, vec []float32) error {
	body := map[string]any{
		"points": []qdrantPoint{{
			ID:      id,
			Vector:  vec,
			Payload: qdrantPayload{Type: typ},
		}},
	}
	if err := q.do(ctx, http.MethodPut, "/collections/"+q.collection+"/points?wait=true", body, nil); err != nil {
		return fmt.Errorf("semcache: qdrant upsert: %w", err)
	}
	return nil
}

// Query searches for the nearest points whose payload type equals typ.
func (q *QdrantStore) Query(ctx context.Context, vec []float32, typ string, topK int) ([]Neighbor, error) {
	if topK <= 0 {
		topK = 1
	}

	body := map[string]any{
		"vector": vec,
		"limit":  topK,
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "type", "match": map[string]any{"value": typ}},
			},
		},
	}

	var resp qdrantSearchResponse
	if err := q.do(ctx, http.MethodPost, "/collections/"+q.collection+"/points/search", body, &resp); err != nil {
		return nil, fmt.Errorf("semcache: qdrant search: %w", err)
	}

	out := make([]Neighbor, 0, len(resp.Result))
	for _, r := range resp.Result {
		out = append(out, Neighbor{ID: r.ID, Score: r.Score})
	}
	return out, nil
}

// do sends a JSON request and decodes a JSON reply into out (if non-nil).
// Any non-200 status is an error carrying the response body.
func (q *QdrantStore) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status=%d, body=%s", resp.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Qdrant API types

type qdrantPoint struct {
	ID      string        `json:"id"`
	Vector  []float32     `json:"vector"`
	Payload qdrantPayload `json:"payload"`
}

type qdrantPayload struct {
	Type string `json:"type"`
}

type qdrantSearchResponse struct {
	Result []qdrantSearchResult `json:"result"`
}

type qdrantSearchResult struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}
