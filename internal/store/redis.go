package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Namespace string // key prefix, e.g. "llmcompare"

	// MaxEntries caps each per-type recent list. Older ids fall off the
	// list; their records stay readable by id.
	MaxEntries int
}

// RedisStore keeps records in Redis:
//
//	<ns>:conv:<id>         record JSON
//	<ns>:recent:<type>     list of ids, newest at the head
//	<ns>:recent            the same across every type
//	<ns>:prompt:<type>     hash of trimmed prompt -> newest id
type RedisStore struct {
	client     goredis.UniversalClient
	namespace  string
	maxEntries int64
}

// NewRedisStore connects to Redis and verifies connectivity.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Namespace, cfg.MaxEntries), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client goredis.UniversalClient, namespace string, maxEntries int) *RedisStore {
	if namespace == "" {
		namespace = "llmcompare"
	}
	if maxEntries <= 0 {
		maxEntries = 500
	}
	return &RedisStore{
		client:     client,
		namespace:  namespace,
		maxEntries: int64(maxEntries),
	}
}

func (s *RedisStore) convKey(id string) string { return s.namespace + ":conv:" + id }
func (s *RedisStore) recentKey(typ string) string { return s.namespace + ":recent:" + typ }
func (s *RedisStore) allRecentKey() string { return s.namespace + ":recent" }
func (s *RedisStore) promptKey(typ string) string { return s.namespace + ":prompt:" + typ }

func (s *RedisStore) SaveConversation(ctx context.Context, rec Record) SaveResult {
	rec = prepare(rec)

	data, err := json.Marshal(rec)
	if err != nil {
		return saveFailed(rec.ID, fmt.Errorf("redis: marshaling record: %w", err))
	}

	// MULTI/EXEC so a reader never sees the id in a list before the record
	// it points at exists.
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.convKey(rec.ID), data, 0)
		pipe.LPush(ctx, s.recentKey(rec.Type), rec.ID)
		pipe.LTrim(ctx, s.recentKey(rec.Type), 0, s.maxEntries-1)
		pipe.LPush(ctx, s.allRecentKey(), rec.ID)
		pipe.LTrim(ctx, s.allRecentKey(), 0, s.maxEntries-1)
		pipe.HSet(ctx, s.promptKey(rec.Type), rec.Prompt, rec.ID)
		return nil
	})
	if err != nil {
		return saveFailed(rec.ID, fmt.Errorf("redis: saving record: %w", err))
	}

	return SaveResult{Saved: true, ID: rec.ID}
}

func (s *RedisStore) FindConversationByPrompt(ctx context.Context, prompt, typ string) (*Record, error) {
	id, err := s.client.HGet(ctx, s.promptKey(typ), strings.TrimSpace(prompt)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: prompt index: %w", err)
	}
	return s.GetConversation(ctx, id)
}

func (s *RedisStore) GetConversation(ctx context.Context, id string) (*Record, error) {
	data, err := s.client.Get(ctx, s.convKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("redis: decoding record %s: %w", id, err)
	}
	return &rec, nil
}

func (s *RedisStore) RecentConversations(ctx context.Context, typ string, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	listKey := s.allRecentKey()
	if typ != "" {
		listKey = s.recentKey(typ)
	}

	ids, err := s.client.LRange(ctx, listKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: recent ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.convKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: mget: %w", err)
	}

	out := make([]Record, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue // expired or deleted out from under the list
		}
		var rec Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
