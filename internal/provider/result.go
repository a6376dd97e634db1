package provider

import (
	"errors"
	"regexp"
	"strings"
)

// Result is the per-provider outcome folded into a comparison response.
// It is a tagged variant: Success true carries Text and Tokens, Success
// false carries Kind and Reason. Model is always the provider's display
// label, so a failure card is still attributed correctly.
//
// Results are values. Build them with Succeeded or Failed and don't
// mutate them afterwards.
type Result struct {
	Success bool   `json:"success"`
	Text    string `json:"response,omitempty"`
	Reason  string `json:"error,omitempty"`
	Model   string `json:"model"`
	Tokens  int    `json:"tokens,omitempty"`
	Kind    Kind   `json:"-"`
}

// Succeeded builds a Success result.
func Succeeded(text, model string, tokens int) Result {
	return Result{Success: true, Text: text, Model: model, Tokens: tokens}
}

// Failed builds a Failure result.
func Failed(kind Kind, model, reason string) Result {
	return Result{Kind: kind, Model: model, Reason: reason}
}

// ResultOf folds the (response, error) pair of a Generate call into a
// Result. Typed errors keep their Kind and message; any other error is
// unclassified and keeps its full text. A nil response with a nil error
// (a misbehaving adapter) is treated as an empty response.
func ResultOf(label string, resp *ChatResponse, err error) Result {
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			return Failed(perr.Kind, label, perr.Message)
		}
		return Failed(KindUnclassified, label, err.Error())
	}

	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return Failed(KindEmptyResponse, label, "empty response")
	}

	return Succeeded(resp.Content, label, resp.Usage.TotalTokens)
}

// bulletPrefix matches a markdown bullet at the start of any line:
// optional indentation, one of * - •, then at least one space or tab.
var bulletPrefix = regexp.MustCompile(`(?m)^[ \t]*[*•\-][ \t]+`)

// Clean strips leading bullet markers that models like to prefix answers
// with, then trims surrounding whitespace. An empty result means the
// provider gave us nothing usable.
func Clean(text string) string {
	return strings.TrimSpace(bulletPrefix.ReplaceAllString(text, ""))
}
