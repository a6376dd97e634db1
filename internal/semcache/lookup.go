package semcache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/howard-nolan/llmcompare/internal/metrics"
	"github.com/howard-nolan/llmcompare/internal/similarity"
	"github.com/howard-nolan/llmcompare/internal/store"
)

const defaultHistoryLimit = 50

// LookupConfig wires a Lookup. Resolver may be nil to stop after the
// lexical pass.
type LookupConfig struct {
	Store        store.Store
	Matcher      *similarity.Matcher
	Resolver     *Resolver
	HistoryLimit int
	Logger       *zap.Logger
}

// Lookup runs the whole prompt cache chain for one request:
//
//  1. exact prompt lookup in the store
//  2. lexical match over recent history
//  3. the semantic Resolver
//
// The first stage that finds something wins.
type Lookup struct {
	store        store.Store
	matcher      *similarity.Matcher
	resolver     *Resolver
	historyLimit int
	logger       *zap.Logger
}

// NewLookup builds a Lookup from cfg. A nil Store yields a Lookup that
// always misses.
func NewLookup(cfg LookupConfig) *Lookup {
	if cfg.Matcher == nil {
		cfg.Matcher = similarity.NewMatcher(similarity.DefaultThreshold)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Lookup{
		store:        cfg.Store,
		matcher:      cfg.Matcher,
		resolver:     cfg.Resolver,
		historyLimit: cfg.HistoryLimit,
		logger:       cfg.Logger,
	}
}

// Find returns a prior record of typ that answers prompt, or nil. It never
// fails: store errors and even panics in a stage become a miss.
func (l *Lookup) Find(ctx context.Context, prompt, typ string) (match *similarity.Match) {
	if l == nil || l.store == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.CacheErrors.WithLabelValues("panic").Inc()
			l.logger.Error("cache lookup panicked",
				zap.String("type", typ),
				zap.Error(fmt.Errorf("%v", r)),
			)
			match = nil
		}
		l.observe(typ, match)
	}()

	// Step 1: exact prompt, straight from the store's index.
	rec, err := l.store.FindConversationByPrompt(ctx, prompt, typ)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("exact").Inc()
		l.logger.Warn("exact cache lookup failed", zap.String("type", typ), zap.Error(err))
	}
	if rec != nil {
		return &similarity.Match{Record: *rec, Score: 1, Method: similarity.MethodExact}
	}

	// Step 2: lexical match over recent history.
	history, err := l.store.RecentConversations(ctx, typ, l.historyLimit)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("history").Inc()
		l.logger.Warn("loading cache history failed", zap.String("type", typ), zap.Error(err))
		history = nil
	}
	if m := l.matcher.FindLexicalMatch(prompt, history); m != nil {
		return m
	}

	// Step 3: semantic tiers.
	if l.resolver == nil {
		return nil
	}
	return l.resolver.Resolve(ctx, prompt, typ, history)
}

func (l *Lookup) observe(typ string, match *similarity.Match) {
	method := "miss"
	if match != nil {
		method = string(match.Method)
		l.logger.Debug("cache hit",
			zap.String("type", typ),
			zap.String("method", method),
			zap.String("id", match.Record.ID),
			zap.Float64("score", match.Score),
		)
	}
	metrics.CacheLookups.WithLabelValues(typ, method).Inc()
}
