package http

import (
	"github.com/fyrsmithlabs/knowd/internal/conversation"
	"github.com/fyrsmithlabs/knowd/internal/orchestrator"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// AskRequest is the request body for POST /api/v1/ask.
type AskRequest struct {
	Question string `json:"question"`
}

// AskResponse is the response body for POST /api/v1/ask.
type AskResponse struct {
	Answer         string                     `json:"answer"`
	Decision       orchestrator.Decision      `json:"decision"`
	Sources        []orchestrator.Source      `json:"sources"`
	WebUnavailable bool                       `json:"web_unavailable"`
	Indexed        int                        `json:"indexed"`
	Phases         []orchestrator.PhaseResult `json:"phases,omitempty"`
}

func askResponse(res *orchestrator.Result) AskResponse {
	return AskResponse{
		Answer:         res.Answer,
		Decision:       res.Decision,
		Sources:        res.Sources,
		WebUnavailable: res.WebUnavailable,
		Indexed:        res.Indexed,
		Phases:         res.Phases,
	}
}

// URLRequest is the request body for POST /api/v1/urls.
type URLRequest struct {
	URL string `json:"url"`
}

// UploadResponse is returned by document and URL uploads.
type UploadResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Chunks     int    `json:"chunks"`
	Filename   string `json:"filename,omitempty"`
	URL        string `json:"url,omitempty"`
	Redactions int    `json:"redactions,omitempty"`
}

// InfoResponse is the response body for GET /api/v1/info.
type InfoResponse struct {
	TenantID   string `json:"tenant_id"`
	Collection string `json:"collection"`
	Chunks     int    `json:"chunks"`
}

// HistoryResponse is the response body for GET /api/v1/history.
type HistoryResponse struct {
	Turns []conversation.Turn `json:"turns"`
}
