// Package store persists comparison results so later prompts can be served
// from history.
//
// Every driver implements Store. main.go opens exactly one at startup
// (or none, when storage.driver is "none"), hands it to the cache lookup
// and the async Writer, and closes it on shutdown.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ErrNotConfigured is returned by components that need a store when the
// process runs without one.
var ErrNotConfigured = errors.New("store: persistence not configured")

// TypeComparison is the record type of a full fan-out.
const TypeComparison = "comparison"

// ProviderType is the record type of a single-provider call.
func ProviderType(key string) string {
	return "provider:" + key
}

// Record is one persisted conversation. Records are appended and never
// updated.
type Record struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Prompt string `json:"prompt"`

	// Response is the text of a single-provider answer. Responses is the
	// encoded per-provider entries, in display order, for every type.
	Response  string          `json:"response,omitempty"`
	Responses json.RawMessage `json:"responses,omitempty"`

	Model            string    `json:"model,omitempty"`
	ProcessingTimeMs int64     `json:"processingTimeMs"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// SaveResult reports the outcome of SaveConversation. Saving never panics
// and never returns a bare error; a failure is reported here and the
// caller decides whether to log it.
type SaveResult struct {
	Saved bool
	ID    string
	Err   error
}

// Store is the query contract every persistence driver satisfies.
type Store interface {
	// SaveConversation appends rec. ID and CreatedAt are filled in when
	// empty.
	SaveConversation(ctx context.Context, rec Record) SaveResult

	// FindConversationByPrompt returns the newest record of typ whose
	// prompt equals prompt after trimming, or (nil, nil) when there is none.
	FindConversationByPrompt(ctx context.Context, prompt, typ string) (*Record, error)

	// GetConversation returns the record with id, or (nil, nil).
	GetConversation(ctx context.Context, id string) (*Record, error)

	// RecentConversations returns up to limit records of typ, newest
	// first. An empty typ means every type.
	RecentConversations(ctx context.Context, typ string, limit int) ([]Record, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying client.
	Close() error
}

// prepare fills in the fields a driver needs before writing rec.
func prepare(rec Record) Record {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.Prompt = strings.TrimSpace(rec.Prompt)
	return rec
}

// saveFailed builds a SaveResult for err.
func saveFailed(id string, err error) SaveResult {
	return SaveResult{ID: id, Err: err}
}
