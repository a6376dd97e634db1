package semcache

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/howard-nolan/llmcompare/internal/provider"
)

const (
	defaultJudgeTimeout  = 10 * time.Second
	defaultMaxCandidates = 10
	judgeMaxTokens       = 16
)

// Judge decides whether prompt asks the same thing as one of candidates.
// index is 0-based into candidates and only meaningful when ok is true.
// A non-nil error means the judge itself failed (not "no match"), and the
// resolver falls back to the embedding tier.
type Judge interface {
	JudgeMatch(ctx context.Context, prompt string, candidates []string) (index int, ok bool, err error)
}

// matchReply pulls the 1-based candidate number out of "MATCH: <n>".
var matchReply = regexp.MustCompile(`MATCH:\s*(\d+)`)

// LLMJudge asks a language model to compare the new prompt with a numbered
// list of earlier ones.
type LLMJudge struct {
	provider      provider.Provider
	model         string
	timeout       time.Duration
	maxCandidates int
}

// NewLLMJudge builds a judge that calls p with the given model. Zero
// timeout and maxCandidates fall back to 10s and 10.
func NewLLMJudge(p provider.Provider, model string, timeout time.Duration, maxCandidates int) *LLMJudge {
	if timeout <= 0 {
		timeout = defaultJudgeTimeout
	}
	if maxCandidates <= 0 {
		maxCandidates = defaultMaxCandidates
	}
	return &LLMJudge{
		provider:      p,
		model:         model,
		timeout:       timeout,
		maxCandidates: maxCandidates,
	}
}

// JudgeMatch implements Judge. Only the first maxCandidates entries of
// candidates are shown to the model.
func (j *LLMJudge) JudgeMatch(ctx context.Context, prompt string, candidates []string) (int, bool, error) {
	if len(candidates) == 0 {
		return 0, false, nil
	}
	if len(candidates) > j.maxCandidates {
		candidates = candidates[:j.maxCandidates]
	}

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	resp, err := j.provider.Generate(ctx, provider.UserPrompt(j.model, judgePrompt(prompt, candidates), judgeMaxTokens))
	if err != nil {
		return 0, false, fmt.Errorf("semcache: judge call: %w", err)
	}

	index, ok := parseVerdict(resp.Content, len(candidates))
	return index, ok, nil
}

// judgePrompt renders the instructions plus the numbered candidate list.
func judgePrompt(prompt string, candidates []string) string {
	var sb strings.Builder
	sb.WriteString("You decide whether a new question asks for the same information as an earlier one.\n")
	sb.WriteString("Treat synonyms, paraphrases, reordered words and typos as equivalent.\n")
	sb.WriteString("Questions that ask about different subjects, quantities, places or times are NOT equivalent, ")
	sb.WriteString("even if they are worded alike. The answer to the earlier question must fully answer the new one.\n\n")

	sb.WriteString("New question:\n")
	sb.WriteString(prompt)
	sb.WriteString("\n\nEarlier questions:\n")
	for i, c := range candidates {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, c)
	}

	sb.WriteString("\nReply with exactly \"MATCH: <number>\" for the equivalent earlier question, ")
	sb.WriteString("or exactly \"NO_MATCH\" if none is equivalent. Do not explain.")
	return sb.String()
}

// parseVerdict turns the model's reply into a 0-based index. NO_MATCH is
// checked first. A number outside 1..n, or a reply in neither form, is
// a no-match.
func parseVerdict(reply string, n int) (int, bool) {
	reply = strings.ToUpper(strings.TrimSpace(reply))
	if strings.Contains(reply, "NO_MATCH") {
		return 0, false
	}

	m := matchReply.FindStringSubmatch(reply)
	if m == nil {
		return 0, false
	}
	num, err := strconv.Atoi(m[1])
	if err != nil || num < 1 || num > n {
		return 0, false
	}
	return num - 1, true
}
