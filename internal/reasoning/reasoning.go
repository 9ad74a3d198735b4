// Package reasoning wraps the LLM that judges whether retrieved knowledge
// answers a question and writes the answer.
//
// Judge and Compose share one prompt layout. Judge asks the model to open
// its reply with a verdict header:
//
//	VERDICT: SUFFICIENT
//	<answer>
//
// so the sufficiency decision and the answer come back from one call.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/knowd/internal/tenant"
)

var (
	// ErrReasoningFailed wraps every provider failure.
	ErrReasoningFailed = errors.New("reasoning failed")
	// ErrMissingCredential is returned when the tenant has no model
	// credential and the endpoint requires one.
	ErrMissingCredential = errors.New("tenant has no model credential")
)

// Provider generates text for a prompt on behalf of a tenant.
type Provider interface {
	Generate(ctx context.Context, tc tenant.Context, p Prompt) (string, error)
}

// Judgment is the outcome of a local sufficiency check.
type Judgment struct {
	Sufficient bool
	Answer     string
}

// Reasoner builds prompts, calls the provider and parses verdicts.
type Reasoner struct {
	provider Provider
}

// New creates a Reasoner over provider.
func New(provider Provider) *Reasoner {
	return &Reasoner{provider: provider}
}

// Judge decides whether passages answer the question and, if so, answers it.
func (r *Reasoner) Judge(ctx context.Context, tc tenant.Context, in Input) (Judgment, error) {
	out, err := r.provider.Generate(ctx, tc, JudgePrompt(in))
	if err != nil {
		return Judgment{}, wrap(err)
	}
	return ParseVerdict(out), nil
}

// Compose writes the final answer from local and web passages.
func (r *Reasoner) Compose(ctx context.Context, tc tenant.Context, in Input) (string, error) {
	out, err := r.provider.Generate(ctx, tc, ComposePrompt(in))
	if err != nil {
		return "", wrap(err)
	}
	out = strings.TrimSpace(stripVerdict(out))
	if out == "" {
		return "", fmt.Errorf("%w: empty completion", ErrReasoningFailed)
	}
	return out, nil
}

func wrap(err error) error {
	if errors.Is(err, ErrReasoningFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrReasoningFailed, err)
}

var verdictLine = regexp.MustCompile(`(?i)^\s*\**\s*verdict\s*\**\s*:\s*\**\s*(sufficient|insufficient)\b\**`)

// ParseVerdict reads the verdict header from a Judge completion. A missing
// or malformed header counts as insufficient. Text after the verdict on the
// header line is kept as the start of the answer.
func ParseVerdict(out string) Judgment {
	out = strings.TrimSpace(out)
	verdict, body, ok := splitVerdict(out)
	if !ok {
		return Judgment{Sufficient: false, Answer: out}
	}
	return Judgment{
		Sufficient: strings.EqualFold(verdict, "sufficient"),
		Answer:     body,
	}
}

func stripVerdict(out string) string {
	out = strings.TrimSpace(out)
	if _, body, ok := splitVerdict(out); ok {
		return body
	}
	return out
}

func splitVerdict(out string) (verdict, body string, ok bool) {
	first, rest, _ := strings.Cut(out, "\n")
	m := verdictLine.FindStringSubmatchIndex(first)
	if m == nil {
		return "", "", false
	}
	tail := strings.TrimLeft(first[m[1]:], " \t.,:;-")
	body = strings.TrimSpace(strings.TrimSpace(tail) + "\n" + rest)
	return first[m[2]:m[3]], body, true
}
