// Package main is the entry point for the llmcompare service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/howard-nolan/llmcompare/internal/config"
	"github.com/howard-nolan/llmcompare/internal/dispatch"
	"github.com/howard-nolan/llmcompare/internal/logging"
	"github.com/howard-nolan/llmcompare/internal/provider"
	"github.com/howard-nolan/llmcompare/internal/semcache"
	"github.com/howard-nolan/llmcompare/internal/server"
	"github.com/howard-nolan/llmcompare/internal/similarity"
	"github.com/howard-nolan/llmcompare/internal/store"
)

// shutdownTimeout bounds how long in-flight comparisons get to finish once
// a signal arrives.
const shutdownTimeout = 60 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Debug)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("llmcompare stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One HTTP client for every upstream call, so all adapters share a
	// connection pool. No client-level timeout: each provider race carries
	// its own deadline on the context.
	client := &http.Client{}

	// Step 1: Providers, in display order.
	entries := buildEntries(cfg, client, logger)
	dispatcher := dispatch.New(entries, logger.Named("dispatch"))

	// Step 2: History store. One client for the life of the process; a
	// store that can't be opened leaves the service running without
	// cache or history rather than refusing to start.
	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		logger.Error("storage unavailable, running without history", zap.Error(err))
		st = nil
	}

	// Step 3: The cache chain and the async writer both sit on the store.
	var (
		lookup *semcache.Lookup
		writer *store.Writer
	)
	if st != nil {
		resolver, indexer := buildSemantic(ctx, cfg, entries, st, client, logger)

		var ix store.Indexer
		if indexer != nil {
			ix = indexer
		}
		writer = store.NewWriter(store.WriterConfig{
			Store:     st,
			Indexer:   ix,
			Workers:   cfg.Storage.Workers,
			QueueSize: cfg.Storage.QueueSize,
			Logger:    logger.Named("writer"),
		})

		if cfg.Cache.Enabled {
			lookup = semcache.NewLookup(semcache.LookupConfig{
				Store:        st,
				Matcher:      similarity.NewMatcher(cfg.Cache.LexicalThreshold),
				Resolver:     resolver,
				HistoryLimit: cfg.Cache.HistoryLimit,
				Logger:       logger.Named("cache"),
			})
		}
	}

	// Step 4: HTTP.
	srv := server.New(cfg, server.Options{
		Dispatcher: dispatcher,
		Cache:      lookup,
		Store:      st,
		Writer:     writer,
		Logger:     logger.Named("http"),
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("llmcompare listening",
			zap.Int("port", cfg.Server.Port),
			zap.Int("providers", len(entries)),
			zap.String("storage", cfg.Storage.Driver),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	// Step 5: Shut down in dependency order: stop taking requests, drain
	// queued saves, then close the store they were writing to.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	if writer != nil {
		writer.Close()
	}
	if st != nil {
		if err := st.Close(); err != nil {
			logger.Error("closing store", zap.Error(err))
		}
	}

	logger.Info("llmcompare stopped")
	return nil
}

// buildEntries turns each enabled provider config into a dispatch entry.
//
// Every entry is a Lazy around a KeyRotator around one adapter per
// credential. Nothing is constructed until the provider is first called,
// and a bad credential rotates to the next one in the pool.
func buildEntries(cfg *config.Config, client *http.Client, logger *zap.Logger) []dispatch.Entry {
	enabled := cfg.EnabledProviders()
	entries := make([]dispatch.Entry, 0, len(enabled))

	for _, pc := range enabled {
		kind, baseURL, keys := pc.Kind, pc.BaseURL, pc.Credentials()
		rotatorLog := logger.Named("keys").With(zap.String("provider", pc.Key))

		lazy := provider.NewLazy(pc.Name, func() (provider.Provider, error) {
			r, err := provider.NewKeyRotator(pc.Name, keys, func(key string) (provider.Provider, error) {
				return provider.Build(kind, key, baseURL, client)
			}, rotatorLog)
			if err != nil {
				return nil, err
			}
			return r, nil
		})

		entries = append(entries, dispatch.Entry{
			Key:       pc.Key,
			Name:      pc.Name,
			Label:     pc.Label,
			Model:     pc.Model,
			MaxTokens: pc.MaxTokens,
			Timeout:   pc.Timeout,
			Provider:  lazy,
		})

		logger.Info("provider registered",
			zap.String("key", pc.Key),
			zap.String("kind", pc.Kind),
			zap.String("model", pc.Model),
			zap.Int("credentials", len(keys)),
			zap.Duration("timeout", pc.Timeout),
		)
	}

	return entries
}

// openStore opens the configured driver. "none" returns a nil Store.
func openStore(ctx context.Context, sc config.StorageConfig) (store.Store, error) {
	switch sc.Driver {
	case "", "none":
		return nil, nil
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(ctx, sc.SQLite.Path)
	case "postgres":
		return store.NewPostgresStore(ctx, store.PostgresConfig{
			DSN:             sc.Postgres.DSN,
			MaxOpenConns:    sc.Postgres.MaxOpenConns,
			MaxIdleConns:    sc.Postgres.MaxIdleConns,
			ConnMaxLifetime: sc.Postgres.ConnMaxLifetime,
		})
	case "redis":
		s, err := store.NewRedisStore(ctx, store.RedisConfig{
			Addr:       sc.Redis.Addr,
			Password:   sc.Redis.Password,
			DB:         sc.Redis.DB,
			Namespace:  sc.Redis.Namespace,
			MaxEntries: sc.Redis.MaxEntries,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
}

// buildSemantic wires the judge and embedding tiers. Either return value
// may be nil: the resolver when both tiers are off, the indexer when
// embeddings are off.
func buildSemantic(ctx context.Context, cfg *config.Config, entries []dispatch.Entry, st store.Store, client *http.Client, logger *zap.Logger) (*semcache.Resolver, *semcache.Indexer) {
	rc := semcache.ResolverConfig{
		Store:         st,
		Threshold:     cfg.Cache.Embedding.Threshold,
		MaxCandidates: cfg.Cache.Judge.MaxCandidates,
		Logger:        logger.Named("semcache"),
	}

	// The judge reuses a configured provider, with its own lazy
	// construction and key rotation.
	if jc := cfg.Cache.Judge; jc.Enabled {
		for _, e := range entries {
			if e.Key == jc.Provider {
				rc.Judge = semcache.NewLLMJudge(e.Provider, e.Model, jc.Timeout, jc.MaxCandidates)
				logger.Info("cache judge enabled", zap.String("provider", e.Key))
				break
			}
		}
		if rc.Judge == nil {
			logger.Warn("cache judge provider not enabled, judge disabled", zap.String("provider", jc.Provider))
		}
	}

	var indexer *semcache.Indexer
	if ec := cfg.Cache.Embedding; ec.Enabled {
		vectors, err := openVectorStore(ctx, ec)
		if err != nil {
			logger.Error("vector store unavailable, embedding tier disabled", zap.Error(err))
		} else {
			rc.Embedder = semcache.NewOpenAIEmbedder(ec.APIKey, ec.BaseURL, ec.Model, client)
			rc.Vectors = vectors
			indexer = semcache.NewIndexer(rc.Embedder, vectors)
			logger.Info("cache embeddings enabled",
				zap.String("model", ec.Model),
				zap.String("vector_store", ec.VectorStore),
			)
		}
	}

	if rc.Judge == nil && rc.Embedder == nil {
		return nil, indexer
	}
	return semcache.NewResolver(rc), indexer
}

func openVectorStore(ctx context.Context, ec config.EmbeddingConfig) (semcache.VectorStore, error) {
	switch ec.VectorStore {
	case "", "memory":
		return semcache.NewMemoryVectorStore(), nil
	case "qdrant":
		q, err := semcache.NewQdrantStore(semcache.QdrantConfig{
			URL:        ec.Qdrant.URL,
			APIKey:     ec.Qdrant.APIKey,
			Collection: ec.Qdrant.Collection,
			Dimension:  ec.Qdrant.Dimension,
		})
		if err != nil {
			return nil, err
		}
		if err := q.EnsureCollection(ctx); err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown vector store %q", ec.VectorStore)
	}
}
