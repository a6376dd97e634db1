package provider

import (
	"context"
	"sync"
)

// Lazy defers building a Provider until it is first needed. The factory
// runs at most once; its result (or error) is cached for the life of the
// process.
//
// This is what keeps startup cheap when a config lists providers that are
// rarely called, e.g. one only used by the single-provider endpoint.
type Lazy struct {
	name    string
	factory func() (Provider, error)

	once sync.Once
	p    Provider
	err  error
}

// NewLazy wraps factory. name is reported by Name before the provider
// has been built.
func NewLazy(name string, factory func() (Provider, error)) *Lazy {
	return &Lazy{name: name, factory: factory}
}

// Resolve builds the provider on first call and reports the factory's
// error. Later calls return the cached outcome.
func (l *Lazy) Resolve() error {
	l.once.Do(func() {
		l.p, l.err = l.factory()
	})
	return l.err
}

// Name returns the name the Lazy was created with.
func (l *Lazy) Name() string {
	return l.name
}

// Generate resolves the provider and forwards the call.
func (l *Lazy) Generate(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := l.Resolve(); err != nil {
		return nil, err
	}
	return l.p.Generate(ctx, req)
}
