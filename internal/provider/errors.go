package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

// ---------------------------------------------------------------------------
// Failure taxonomy
// ---------------------------------------------------------------------------

// Kind classifies why a provider call failed. The key rotator uses it to
// decide whether another credential could help; the dispatcher copies it
// into the Result so metrics can count failures per kind.
type Kind int

const (
	// KindUnclassified is anything we couldn't map: 5xx, transport errors,
	// decode errors. The provider's raw message is kept.
	KindUnclassified Kind = iota
	// KindAuth means the credential is invalid or expired.
	KindAuth
	// KindRateLimited means the credential hit a quota (HTTP 429).
	KindRateLimited
	// KindMalformedRequest is any other 4xx.
	KindMalformedRequest
	// KindEmptyResponse means the call succeeded but carried no text.
	KindEmptyResponse
	// KindTimeout is assigned by the dispatcher when a deadline fires.
	// Adapters never return it.
	KindTimeout
)

// String returns the metric label for the kind.
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindMalformedRequest:
		return "malformed_request"
	case KindEmptyResponse:
		return "empty_response"
	case KindTimeout:
		return "timeout"
	default:
		return "unclassified"
	}
}

// Error is the error type adapters return for expected failure modes.
// Callers unwrap it with errors.As:
//
//	var perr *provider.Error
//	if errors.As(err, &perr) && perr.Kind == provider.KindAuth { ... }
type Error struct {
	Kind       Kind
	Provider   string // adapter name, e.g. "google"
	StatusCode int    // upstream HTTP status, 0 when there wasn't one
	Message    string // human-readable detail, shown on the comparison card
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// KindOf returns the failure kind of any error. Errors that aren't *Error
// are unclassified.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindUnclassified
}

// Rotatable reports whether retrying with a different credential could
// change the outcome. Only auth and rate-limit failures qualify; a
// malformed request stays malformed no matter which key signs it.
func Rotatable(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindRateLimited:
		return true
	default:
		return false
	}
}

// emptyResponse builds the KindEmptyResponse error for an adapter.
func emptyResponse(provider string) *Error {
	return &Error{
		Kind:     KindEmptyResponse,
		Provider: provider,
		Message:  "empty response",
	}
}

// ---------------------------------------------------------------------------
// HTTP status mapping
// ---------------------------------------------------------------------------

// statusError maps a non-200 upstream response to an *Error.
//
//	401, 403  -> KindAuth
//	429       -> KindRateLimited
//	other 4xx -> KindMalformedRequest
//	anything  -> KindUnclassified
//
// Gemini is the odd one out: it answers an invalid key with
// "400 API key not valid", so a 400 that mentions the API key counts
// as an auth failure too.
func statusError(provider string, status int, body []byte) *Error {
	return classifyStatus(provider, status, upstreamMessage(body))
}

// classifyStatus is statusError for callers that already hold the message.
func classifyStatus(provider string, status int, msg string) *Error {
	if msg == "" {
		msg = http.StatusText(status)
	}

	e := &Error{Provider: provider, StatusCode: status, Message: msg}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuth
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
	case status == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "api key"):
		e.Kind = KindAuth
	case status >= 400 && status < 500:
		e.Kind = KindMalformedRequest
	default:
		e.Kind = KindUnclassified
	}

	return e
}

// upstreamMessage pulls the human-readable message out of an error body.
// Google, Anthropic, and OpenAI all nest it as {"error": {"message": ...}};
// anything else falls back to the raw body text.
func upstreamMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return strings.TrimSpace(string(body))
}
