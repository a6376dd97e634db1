package provider

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// KeyRotator wraps one adapter per credential and tries them in order.
//
// On an auth or rate-limit failure it moves to the next credential. Any
// other failure is returned straight away: a bad request or an empty
// answer would come back the same under a different key. When every
// credential has been tried, the last failure is returned.
//
// The credential order is decided at config load time
// (config.ProviderConfig.Credentials), so the rotator only ever sees a
// plain ordered slice.
type KeyRotator struct {
	name    string
	clients []Provider
	logger  *zap.Logger
}

// NewKeyRotator builds one client per key with build. keys must be
// non-empty; an error from build aborts construction.
func NewKeyRotator(name string, keys []string, build func(key string) (Provider, error), logger *zap.Logger) (*KeyRotator, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("provider %s: no credentials configured", name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clients := make([]Provider, 0, len(keys))
	for i, key := range keys {
		p, err := build(key)
		if err != nil {
			return nil, fmt.Errorf("provider %s: building client for credential %d: %w", name, i+1, err)
		}
		clients = append(clients, p)
	}

	return &KeyRotator{name: name, clients: clients, logger: logger}, nil
}

// Name returns the wrapped provider's name.
func (r *KeyRotator) Name() string {
	return r.name
}

// Size returns how many credentials the rotator holds.
func (r *KeyRotator) Size() int {
	return len(r.clients)
}

// Generate tries each credential in order until one succeeds or fails in
// a way another credential can't fix.
func (r *KeyRotator) Generate(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var lastErr error

	for i, client := range r.clients {
		// Don't start another attempt once the dispatcher's deadline has
		// fired; nobody is waiting for the answer.
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		resp, err := client.Generate(ctx, req)
		if err == nil {
			if i > 0 {
				r.logger.Info("credential rotation succeeded",
					zap.String("provider", r.name),
					zap.Int("credential", i+1),
				)
			}
			return resp, nil
		}

		lastErr = err
		if !Rotatable(err) {
			return nil, err
		}

		var perr *Error
		errors.As(err, &perr)
		r.logger.Warn("credential rejected, rotating",
			zap.String("provider", r.name),
			zap.Int("credential", i+1),
			zap.Int("of", len(r.clients)),
			zap.Stringer("kind", perr.Kind),
		)
	}

	return nil, lastErr
}
