// Package dispatch fans a prompt out to every configured provider at once
// and folds whatever comes back (or doesn't) into one AggregateResponse.
//
// Each provider races its own deadline. A slow provider only costs its own
// slot: it becomes a "<Name> timeout" failure while the others keep the
// results they already have. The aggregate is emitted once, after every
// race has settled.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/howard-nolan/llmcompare/internal/metrics"
	"github.com/howard-nolan/llmcompare/internal/provider"
)

// defaultTimeout applies to entries configured without a deadline.
const defaultTimeout = 30 * time.Second

var (
	// ErrNoProviders is returned when the dispatcher has nothing to call.
	ErrNoProviders = errors.New("dispatch: no providers configured")

	// ErrUnknownProvider is returned by DispatchOne for a key that isn't
	// configured.
	ErrUnknownProvider = errors.New("dispatch: unknown provider")
)

// Entry is one configured provider.
type Entry struct {
	Key       string        // response key, e.g. "gemini"
	Name      string        // display name used in the timeout reason, e.g. "Gemini"
	Label     string        // display model label carried by every Result
	Model     string        // upstream model id
	MaxTokens int           // per-call output cap
	Timeout   time.Duration // this provider's own deadline
	Provider  provider.Provider
}

// resolver is implemented by providers built lazily (provider.Lazy).
type resolver interface {
	Resolve() error
}

// Dispatcher runs the fan-out. It holds no per-request state, so one
// Dispatcher serves every request concurrently.
type Dispatcher struct {
	entries []Entry
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a Dispatcher over entries, in display order.
func New(entries []Entry, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		entries: entries,
		logger:  logger,
		now:     time.Now,
	}
}

// Entries returns the configured entries in display order.
func (d *Dispatcher) Entries() []Entry {
	return d.entries
}

// Dispatch sends prompt to every provider concurrently and waits for all of
// them to settle. Per-provider failures are data in the response; the
// returned error is only for the dispatch mechanism itself failing (no
// providers, or a provider that can't be constructed).
func (d *Dispatcher) Dispatch(ctx context.Context, prompt string) (*AggregateResponse, error) {
	return d.run(ctx, prompt, d.entries)
}

// DispatchOne races a single configured provider under the same deadline
// policy. The aggregate it returns has exactly one entry.
func (d *Dispatcher) DispatchOne(ctx context.Context, key, prompt string) (*AggregateResponse, error) {
	for _, e := range d.entries {
		if e.Key == key {
			return d.run(ctx, prompt, []Entry{e})
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, key)
}

func (d *Dispatcher) run(ctx context.Context, prompt string, entries []Entry) (*AggregateResponse, error) {
	if len(entries) == 0 {
		return nil, ErrNoProviders
	}

	// Step 1: Make sure every provider can be built before starting any
	// race. A provider that fails to construct is a configuration error,
	// not a per-provider failure.
	for _, e := range entries {
		if r, ok := e.Provider.(resolver); ok {
			if err := r.Resolve(); err != nil {
				return nil, fmt.Errorf("dispatch: loading provider %s: %w", e.Key, err)
			}
		}
	}

	// Step 2: Start every race at once. Each goroutine writes only to its
	// own index of results, so no locking is needed; g.Wait() is the
	// happens-before edge for reading them.
	start := d.now()
	results := make([]provider.Result, len(entries))

	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			results[i] = d.race(ctx, e, prompt)
			return nil
		})
	}
	_ = g.Wait()

	elapsed := d.now().Sub(start)
	metrics.DispatchDuration.Observe(elapsed.Seconds())

	// Step 3: Fold into the aggregate in configured order.
	resp := &AggregateResponse{
		Prompt:    prompt,
		Elapsed:   elapsed,
		Timestamp: start.UTC(),
		Responses: make([]ProviderEntry, len(entries)),
	}
	for i, e := range entries {
		resp.Responses[i] = ProviderEntry{Key: e.Key, Result: results[i]}
	}

	d.logger.Info("dispatch complete",
		zap.Int("providers", len(entries)),
		zap.Int("failures", resp.Failures()),
		zap.Duration("elapsed", elapsed),
	)

	return resp, nil
}

// outcome is what a provider call sends back to its race.
type outcome struct {
	resp *provider.ChatResponse
	err  error
}

// race runs one provider call against its deadline.
//
// The call runs in its own goroutine and reports on a channel with room
// for one value. If the deadline wins, the select returns and nobody reads
// the channel; the call still has somewhere to put its late result, so
// the goroutine finishes instead of blocking forever. Cancelling callCtx
// tells a well-behaved adapter to abort its HTTP request.
func (d *Dispatcher) race(ctx context.Context, e Entry, prompt string) provider.Result {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := d.now()
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("%s panicked: %v", e.Name, r)}
			}
		}()
		resp, err := e.Provider.Generate(callCtx, provider.UserPrompt(e.Model, prompt, e.MaxTokens))
		ch <- outcome{resp: resp, err: err}
	}()

	var result provider.Result
	select {
	case o := <-ch:
		// An adapter that noticed the deadline itself returns a context
		// error; that's still a timeout, not an unclassified failure.
		if o.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			result = d.expired(e)
		} else {
			result = provider.ResultOf(e.Label, o.resp, o.err)
		}
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			result = d.expired(e)
		} else {
			result = provider.Failed(provider.KindUnclassified, e.Label, "request cancelled")
		}
	}

	took := d.now().Sub(started)
	outcomeLabel := "success"
	if !result.Success {
		outcomeLabel = result.Kind.String()
	}
	metrics.ProviderCalls.WithLabelValues(e.Key, outcomeLabel).Inc()
	metrics.ProviderLatency.WithLabelValues(e.Key).Observe(took.Seconds())

	d.logger.Debug("provider settled",
		zap.String("provider", e.Key),
		zap.String("outcome", outcomeLabel),
		zap.Duration("took", took),
		zap.Duration("deadline", timeout),
	)

	return result
}

// expired is the Result recorded when a provider misses its deadline.
func (d *Dispatcher) expired(e Entry) provider.Result {
	name := e.Name
	if name == "" {
		name = e.Key
	}
	return provider.Failed(provider.KindTimeout, e.Label, name+" timeout")
}

// FailureEnvelope builds the response returned when Dispatch itself fails:
// every configured provider gets a generic failure entry, and err is
// reported at the top level.
func (d *Dispatcher) FailureEnvelope(prompt string, err error) *AggregateResponse {
	resp := &AggregateResponse{
		Prompt:    prompt,
		Timestamp: d.now().UTC(),
		Responses: make([]ProviderEntry, len(d.entries)),
		Error:     "Failed to process request",
		Message:   err.Error(),
	}
	for i, e := range d.entries {
		resp.Responses[i] = ProviderEntry{
			Key:    e.Key,
			Result: provider.Failed(provider.KindUnclassified, e.Label, "Service unavailable"),
		}
	}
	return resp
}
