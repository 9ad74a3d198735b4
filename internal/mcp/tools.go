package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/ingestion"
)

// addTool registers h with metrics and logging. text is the human-readable
// content returned alongside the structured output.
func addTool[In, Out any](s *Server, t *mcp.Tool, h func(ctx context.Context, args In) (out Out, text string, err error)) {
	mcp.AddTool(s.mcp, t, func(ctx context.Context, _ *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, t.Name)
		out, text, err := h(ctx, args)
		s.metrics.DecrementActive(ctx, t.Name)
		s.metrics.RecordInvocation(ctx, t.Name, time.Since(start), err)

		if err != nil {
			s.logger.Warn("tool failed", zap.String("tool", t.Name), zap.Error(err))
			var zero Out
			return nil, zero, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, out, nil
	})
}

func (s *Server) scrub(text string) string {
	return s.svc.Scrubber.Scrub(text).Scrubbed
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	s.registerAskTool()
	s.registerIngestTools()
	s.registerKnowledgeTools()
	s.registerHistoryTools()
}

// ===== ASK =====

type askInput struct {
	TenantID string `json:"tenant_id,omitempty" jsonschema:"Tenant identifier; optional when exactly one tenant is configured"`
	Question string `json:"question" jsonschema:"The question to answer"`
}

type sourceOutput struct {
	Kind  string `json:"kind" jsonschema:"knowledge or web"`
	Ref   string `json:"ref" jsonschema:"File name or URL"`
	Title string `json:"title,omitempty" jsonschema:"Source title"`
}

type askOutput struct {
	Answer         string         `json:"answer" jsonschema:"The answer"`
	Decision       string         `json:"decision" jsonschema:"answered_locally, answered_via_web, answered_via_combined or unanswerable"`
	Sources        []sourceOutput `json:"sources" jsonschema:"Cited sources"`
	WebUnavailable bool           `json:"web_unavailable" jsonschema:"True when web search could not be performed"`
	Indexed        int            `json:"indexed" jsonschema:"Web results added to the knowledge base"`
}

func (s *Server) registerAskTool() {
	addTool(s, &mcp.Tool{
		Name:        "ask",
		Description: "Answer a question from the tenant's knowledge base, falling back to web search. Useful web results are added to the knowledge base.",
	}, func(ctx context.Context, args askInput) (askOutput, string, error) {
		tc, err := s.resolveTenant(args.TenantID)
		if err != nil {
			return askOutput{}, "", err
		}
		res, err := s.svc.Engine.Ask(ctx, tc, args.Question)
		if err != nil {
			return askOutput{}, "", err
		}

		out := askOutput{
			Answer:         s.scrub(res.Answer),
			Decision:       string(res.Decision),
			Sources:        make([]sourceOutput, len(res.Sources)),
			WebUnavailable: res.WebUnavailable,
			Indexed:        res.Indexed,
		}
		var b strings.Builder
		b.WriteString(out.Answer)
		if len(res.Sources) > 0 {
			b.WriteString("\n\nSources:")
		}
		for i, src := range res.Sources {
			out.Sources[i] = sourceOutput{Kind: string(src.Kind), Ref: src.Ref, Title: src.Title}
			fmt.Fprintf(&b, "\n[%d] %s: %s", i+1, src.Kind, src.Ref)
		}
		return out, b.String(), nil
	})
}

// ===== INGESTION =====

type ingestURLInput struct {
	TenantID string `json:"tenant_id,omitempty" jsonschema:"Tenant identifier; optional when exactly one tenant is configured"`
	URL      string `json:"url" jsonschema:"http or https URL of the page to index"`
}

type ingestTextInput struct {
	TenantID  string `json:"tenant_id,omitempty" jsonschema:"Tenant identifier; optional when exactly one tenant is configured"`
	Text      string `json:"text" jsonschema:"Plain text to index"`
	SourceRef string `json:"source_ref" jsonschema:"Name the text is cited by"`
	Title     string `json:"title,omitempty" jsonschema:"Optional title"`
}

type ingestOutput struct {
	SourceRef  string `json:"source_ref" jsonschema:"Indexed source"`
	Chunks     int    `json:"chunks" jsonschema:"Chunks written"`
	Redactions int    `json:"redactions,omitempty" jsonschema:"Secrets redacted before indexing"`
}

func ingestResult(r ingestion.Report) (ingestOutput, string, error) {
	return ingestOutput{
		SourceRef:  r.SourceRef,
		Chunks:     r.ChunksIndexed,
		Redactions: r.Redactions,
	}, fmt.Sprintf("Indexed %d chunks from %s", r.ChunksIndexed, r.SourceRef), nil
}

func (s *Server) registerIngestTools() {
	addTool(s, &mcp.Tool{
		Name:        "ingest_url",
		Description: "Fetch a web page and add its text to the tenant's knowledge base",
	}, func(ctx context.Context, args ingestURLInput) (ingestOutput, string, error) {
		tc, err := s.resolveTenant(args.TenantID)
		if err != nil {
			return ingestOutput{}, "", err
		}
		r, err := s.svc.Ingester.IngestURL(ctx, tc, strings.TrimSpace(args.URL))
		if err != nil {
			return ingestOutput{}, "", err
		}
		return ingestResult(r)
	})

	addTool(s, &mcp.Tool{
		Name:        "ingest_text",
		Description: "Add plain text, such as notes, to the tenant's knowledge base",
	}, func(ctx context.Context, args ingestTextInput) (ingestOutput, string, error) {
		tc, err := s.resolveTenant(args.TenantID)
		if err != nil {
			return ingestOutput{}, "", err
		}
		ref := strings.TrimSpace(args.SourceRef)
		if ref == "" {
			return ingestOutput{}, "", fmt.Errorf("%w: source_ref is required", ingestion.ErrEmptyContent)
		}
		md := map[string]string{ingestion.MetaType: ingestion.TypeFileUpload}
		if args.Title != "" {
			md[ingestion.MetaTitle] = args.Title
		}
		r, err := s.svc.Ingester.IngestText(ctx, tc, args.Text, ref, md)
		if err != nil {
			return ingestOutput{}, "", err
		}
		return ingestResult(r)
	})
}

// ===== KNOWLEDGE BASE =====

type tenantInput struct {
	TenantID string `json:"tenant_id,omitempty" jsonschema:"Tenant identifier; optional when exactly one tenant is configured"`
}

type infoOutput struct {
	TenantID   string `json:"tenant_id" jsonschema:"Tenant identifier"`
	Collection string `json:"collection" jsonschema:"Vector collection name"`
	Chunks     int    `json:"chunks" jsonschema:"Chunks in the knowledge base"`
}

func (s *Server) registerKnowledgeTools() {
	addTool(s, &mcp.Tool{
		Name:        "knowledge_info",
		Description: "Report how many chunks the tenant's knowledge base holds",
	}, func(ctx context.Context, args tenantInput) (infoOutput, string, error) {
		tc, err := s.resolveTenant(args.TenantID)
		if err != nil {
			return infoOutput{}, "", err
		}
		n, err := s.svc.Store.Count(ctx, tc)
		if err != nil {
			return infoOutput{}, "", err
		}
		return infoOutput{TenantID: tc.TenantID, Collection: tc.CollectionName, Chunks: n},
			fmt.Sprintf("%d chunks in the knowledge base", n), nil
	})
}

// ===== HISTORY =====

type historyInput struct {
	TenantID string `json:"tenant_id,omitempty" jsonschema:"Tenant identifier; optional when exactly one tenant is configured"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum turns to return (default: 50, max: 200)"`
}

type turnOutput struct {
	Seq      int64  `json:"seq" jsonschema:"Position in the tenant's history"`
	Role     string `json:"role" jsonschema:"user or assistant"`
	Content  string `json:"content" jsonschema:"Message text"`
	Decision string `json:"decision,omitempty" jsonschema:"Routing decision for assistant turns"`
}

type historyOutput struct {
	Turns []turnOutput `json:"turns" jsonschema:"Turns, oldest first"`
}

type clearOutput struct {
	Cleared bool `json:"cleared" jsonschema:"True when the history was deleted"`
}

func (s *Server) registerHistoryTools() {
	addTool(s, &mcp.Tool{
		Name:        "history",
		Description: "List the tenant's recent questions and answers, oldest first",
	}, func(ctx context.Context, args historyInput) (historyOutput, string, error) {
		tc, err := s.resolveTenant(args.TenantID)
		if err != nil {
			return historyOutput{}, "", err
		}
		turns, err := s.svc.History.Recent(ctx, tc, args.Limit)
		if err != nil {
			return historyOutput{}, "", err
		}

		out := historyOutput{Turns: make([]turnOutput, len(turns))}
		var b strings.Builder
		for i, t := range turns {
			out.Turns[i] = turnOutput{
				Seq:      t.Seq,
				Role:     string(t.Role),
				Content:  s.scrub(t.Content),
				Decision: t.Metadata.Decision,
			}
			fmt.Fprintf(&b, "%s: %s\n", t.Role, out.Turns[i].Content)
		}
		if len(turns) == 0 {
			b.WriteString("No history")
		}
		return out, strings.TrimRight(b.String(), "\n"), nil
	})

	addTool(s, &mcp.Tool{
		Name:        "clear_history",
		Description: "Delete the tenant's conversation history",
	}, func(ctx context.Context, args tenantInput) (clearOutput, string, error) {
		tc, err := s.resolveTenant(args.TenantID)
		if err != nil {
			return clearOutput{}, "", err
		}
		if err := s.svc.History.Clear(ctx, tc); err != nil {
			return clearOutput{}, "", err
		}
		return clearOutput{Cleared: true}, "History cleared", nil
	})
}
