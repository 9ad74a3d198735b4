package orchestrator

import (
	"errors"
	"time"
)

var (
	// ErrInvalidQuestion is returned for empty questions.
	ErrInvalidQuestion = errors.New("invalid question")
	// ErrOrchestrationFailed wraps failures during local retrieval.
	ErrOrchestrationFailed = errors.New("orchestration failed")
)

// Phase is one state of the Ask state machine.
type Phase string

const (
	PhaseStart          Phase = "start"
	PhaseLocalRetrieval Phase = "local_retrieval"
	PhaseAnswer         Phase = "answer"
	PhaseWebSearch      Phase = "web_search"
	PhaseIndexing       Phase = "indexing"
	PhaseCompose        Phase = "compose"
	PhaseDone           Phase = "done"
	PhaseFailed         Phase = "failed"
)

// PhaseStatus is the completion status of a phase.
type PhaseStatus string

const (
	StatusInProgress PhaseStatus = "in_progress"
	StatusCompleted  PhaseStatus = "completed"
	StatusFailed     PhaseStatus = "failed"
	StatusSkipped    PhaseStatus = "skipped"
)

// PhaseResult records the outcome and timing of one phase.
type PhaseResult struct {
	Phase       Phase       `json:"phase"`
	Status      PhaseStatus `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
	Output      string      `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Duration is how long the phase ran.
func (r PhaseResult) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// PhaseProgress is reported as phases start and finish.
type PhaseProgress struct {
	Phase   Phase       `json:"phase"`
	Status  PhaseStatus `json:"status"`
	Message string      `json:"message"`
}

// ProgressCallback receives progress updates during Ask.
type ProgressCallback func(progress PhaseProgress)

// Decision is how a question was answered.
type Decision string

const (
	DecisionAnsweredLocally     Decision = "answered_locally"
	DecisionAnsweredViaWeb      Decision = "answered_via_web"
	DecisionAnsweredViaCombined Decision = "answered_via_combined"
	DecisionUnanswerable        Decision = "unanswerable"
)

// SourceKind says where a cited source came from.
type SourceKind string

const (
	SourceKnowledge SourceKind = "knowledge"
	SourceWeb       SourceKind = "web"
)

// Source is one cited source. Each distinct source appears once.
type Source struct {
	Kind  SourceKind `json:"kind"`
	Ref   string     `json:"ref"`
	Title string     `json:"title,omitempty"`
}

// Result is the outcome of Ask.
type Result struct {
	Answer         string        `json:"answer"`
	Decision       Decision      `json:"decision"`
	Sources        []Source      `json:"sources"`
	WebUnavailable bool          `json:"web_unavailable,omitempty"`
	Indexed        int           `json:"indexed,omitempty"`
	Phases         []PhaseResult `json:"phases"`
}
