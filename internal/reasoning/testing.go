package reasoning

import (
	"context"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/knowd/internal/tenant"
)

// Scripted is a Provider that returns canned completions. Judge prompts get
// JudgeReply, compose prompts get ComposeReply. Set the matching error field
// to fail that kind of call.
type Scripted struct {
	JudgeReply   string
	ComposeReply string
	JudgeErr     error
	ComposeErr   error

	mu      sync.Mutex
	prompts []Prompt
}

// Generate implements Provider.
func (s *Scripted) Generate(_ context.Context, _ tenant.Context, p Prompt) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, p)
	s.mu.Unlock()

	if IsJudgePrompt(p) {
		return s.JudgeReply, s.JudgeErr
	}
	return s.ComposeReply, s.ComposeErr
}

// Prompts returns every prompt received so far.
func (s *Scripted) Prompts() []Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Prompt(nil), s.prompts...)
}

// IsJudgePrompt reports whether p was built by JudgePrompt.
func IsJudgePrompt(p Prompt) bool {
	return strings.HasSuffix(p.User, judgeInstructions)
}
