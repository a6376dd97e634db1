package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/howard-nolan/llmcompare/internal/dispatch"
	"github.com/howard-nolan/llmcompare/internal/provider"
	"github.com/howard-nolan/llmcompare/internal/similarity"
	"github.com/howard-nolan/llmcompare/internal/store"
)

const (
	// maxBodyBytes caps the request body. Prompts are text typed by a
	// person; anything past this is a mistake or abuse.
	maxBodyBytes = 1 << 20

	defaultHistoryLimit = 20
	maxHistoryLimit     = 100

	healthPingTimeout = 2 * time.Second
)

// invalidPrompt is the 400 message for a missing, empty or non-string
// prompt.
const invalidPrompt = "Prompt is required and must be a non-empty string"

// promptRequest is the body of both generation routes. Prompt is decoded
// as any so a number or object can be told apart from a missing field
// and rejected with the same message.
type promptRequest struct {
	Prompt any `json:"prompt"`
}

// handleHealth reports liveness plus the state of the history store. It
// always answers 200: a broken store degrades the service, it doesn't
// take it down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storage := "disabled"
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()

		storage = "ok"
		if err := s.store.Ping(ctx); err != nil {
			storage = "unavailable"
			s.logger.Warn("health: store ping failed", zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"storage": storage,
	})
}

// handleCompare handles POST /api/compare: the full fan-out.
func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	// Step 1: Validate. This is the only client error the route returns.
	prompt, ok := decodePrompt(w, r)
	if !ok {
		writeError(w, http.StatusBadRequest, invalidPrompt)
		return
	}

	start := time.Now()
	keys := make([]string, 0, len(s.dispatcher.Entries()))
	for _, e := range s.dispatcher.Entries() {
		keys = append(keys, e.Key)
	}

	// Step 2: Try history first. A miss (or any cache failure, which the
	// lookup already swallowed) just falls through to the providers.
	if resp := s.fromCache(r.Context(), prompt, store.TypeComparison, keys, start); resp != nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	// Step 3: Fan out. WithoutCancel keeps the request values (request
	// id) but drops cancellation, so a client hanging up doesn't abort
	// the providers mid-flight; each race still has its own deadline.
	resp, err := s.dispatcher.Dispatch(context.WithoutCancel(r.Context()), prompt)
	if err != nil {
		s.logger.Error("dispatch failed", zap.Error(err))
		env := s.dispatcher.FailureEnvelope(prompt, err)
		env.Elapsed = time.Since(start)
		s.persist(store.TypeComparison, env)
		writeJSON(w, http.StatusInternalServerError, env)
		return
	}

	// Step 4: Persist in the background and answer.
	s.persist(store.TypeComparison, resp)
	writeJSON(w, http.StatusOK, resp)
}

// handleGenerate handles POST /api/providers/{key}/generate: one provider,
// same deadline, cache and persistence rules as the fan-out.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !s.hasProvider(key) {
		writeError(w, http.StatusNotFound, "Unknown provider: "+key)
		return
	}

	prompt, ok := decodePrompt(w, r)
	if !ok {
		writeError(w, http.StatusBadRequest, invalidPrompt)
		return
	}

	start := time.Now()
	typ := store.ProviderType(key)

	if resp := s.fromCache(r.Context(), prompt, typ, []string{key}, start); resp != nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp, err := s.dispatcher.DispatchOne(context.WithoutCancel(r.Context()), key, prompt)
	if err != nil {
		s.logger.Error("dispatch failed", zap.String("provider", key), zap.Error(err))
		env := s.dispatcher.FailureEnvelope(prompt, err)
		env.Responses = onlyKey(env.Responses, key)
		env.Elapsed = time.Since(start)
		s.persist(typ, env)
		writeJSON(w, http.StatusInternalServerError, env)
		return
	}

	s.persist(typ, resp)
	writeJSON(w, http.StatusOK, resp)
}

// handleHistory handles GET /api/history?type=&limit=.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, store.ErrNotConfigured.Error())
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := s.store.RecentConversations(r.Context(), r.URL.Query().Get("type"), limit)
	if err != nil {
		s.logger.Error("history: loading records failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "History is unavailable")
		return
	}
	if records == nil {
		records = []store.Record{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"conversations": records})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// decodePrompt reads the body and returns the trimmed prompt. ok is false
// for an unreadable body or a prompt that isn't a non-empty string.
func decodePrompt(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body promptRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		return "", false
	}

	prompt, ok := body.Prompt.(string)
	if !ok {
		return "", false
	}
	prompt = strings.TrimSpace(prompt)
	return prompt, prompt != ""
}

func (s *Server) hasProvider(key string) bool {
	for _, e := range s.dispatcher.Entries() {
		if e.Key == key {
			return true
		}
	}
	return false
}

// fromCache returns the stored responses for a prompt equivalent to
// prompt, rebuilt as an aggregate, or nil. A stored record whose provider
// keys no longer match keys (the config changed since) is a miss.
func (s *Server) fromCache(ctx context.Context, prompt, typ string, keys []string, start time.Time) *dispatch.AggregateResponse {
	if s.cache == nil || !s.cfg.Cache.Enabled {
		return nil
	}

	match := s.cache.Find(ctx, prompt, typ)
	if match == nil {
		return nil
	}

	entries, err := storedEntries(match)
	if err != nil {
		s.logger.Warn("cached record unreadable, ignoring",
			zap.String("id", match.Record.ID),
			zap.Error(err),
		)
		return nil
	}
	if !anySucceeded(entries) {
		s.logger.Debug("cached record has no successful response, ignoring",
			zap.String("id", match.Record.ID),
		)
		return nil
	}
	if !sameKeys(entries, keys) {
		s.logger.Debug("cached record predates provider config, ignoring",
			zap.String("id", match.Record.ID),
		)
		return nil
	}

	return &dispatch.AggregateResponse{
		Prompt:    prompt,
		Elapsed:   time.Since(start),
		Timestamp: start.UTC(),
		Responses: entries,
		Cache: &dispatch.CacheHit{
			Method:   string(match.Method),
			Score:    match.Score,
			SourceID: match.Record.ID,
		},
	}
}

// storedEntries decodes a record's responses. Single-provider records
// written without the encoded form fall back to Response and Model.
func storedEntries(m *similarity.Match) ([]dispatch.ProviderEntry, error) {
	rec := m.Record
	if len(rec.Responses) == 0 {
		key, ok := strings.CutPrefix(rec.Type, "provider:")
		if !ok || rec.Response == "" {
			return nil, errors.New("record has no responses")
		}
		return []dispatch.ProviderEntry{{Key: key, Result: provider.Succeeded(rec.Response, rec.Model, 0)}}, nil
	}
	return dispatch.DecodeResponses(rec.Responses)
}

func sameKeys(entries []dispatch.ProviderEntry, keys []string) bool {
	if len(entries) != len(keys) {
		return false
	}
	for i := range entries {
		if entries[i].Key != keys[i] {
			return false
		}
	}
	return true
}

func anySucceeded(entries []dispatch.ProviderEntry) bool {
	for _, e := range entries {
		if e.Success {
			return true
		}
	}
	return false
}

// failureSummary joins every failed entry as "key: reason".
func failureSummary(entries []dispatch.ProviderEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Success {
			parts = append(parts, e.Key+": "+e.Reason)
		}
	}
	return strings.Join(parts, "; ")
}

func onlyKey(entries []dispatch.ProviderEntry, key string) []dispatch.ProviderEntry {
	for _, e := range entries {
		if e.Key == key {
			return []dispatch.ProviderEntry{e}
		}
	}
	return nil
}

// persist queues resp for saving. Every completed request is recorded,
// failures included: Error carries the dispatch error of a failure
// envelope, or the reasons when every provider failed. fromCache skips
// records with no successful response, so a repeat prompt goes back to
// the providers instead of replaying the failure.
func (s *Server) persist(typ string, resp *dispatch.AggregateResponse) {
	if s.writer == nil {
		return
	}

	encoded, err := dispatch.EncodeResponses(resp.Responses)
	if err != nil {
		s.logger.Error("encoding responses for storage failed", zap.Error(err))
		return
	}

	rec := store.Record{
		Type:             typ,
		Prompt:           resp.Prompt,
		Responses:        encoded,
		ProcessingTimeMs: resp.Elapsed.Milliseconds(),
		CreatedAt:        resp.Timestamp,
	}
	if typ != store.TypeComparison && len(resp.Responses) == 1 {
		only := resp.Responses[0]
		rec.Response = only.Text
		rec.Model = only.Model
		rec.Error = only.Reason
	}

	switch {
	case resp.Message != "":
		rec.Error = resp.Message
	case rec.Error == "" && resp.Failures() == len(resp.Responses):
		rec.Error = failureSummary(resp.Responses)
	}

	s.writer.Enqueue(rec)
}

// writeJSON sets the content type, writes status and encodes v.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
