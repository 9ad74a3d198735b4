// Package orchestrator answers a tenant's question by routing between the
// tenant's knowledge base and web search.
//
// # Phases
//
// Every call to Engine.Ask walks the same state machine:
//
//	Start → LocalRetrieval → Answer ─────────────────────────→ Done
//	                       ↘ WebSearch → Indexing → Compose → Done
//
// Any phase may end in Failed.
//
// Start validates the tenant and question and loads recent history.
// LocalRetrieval searches the tenant's collection; when at least one chunk
// scores at or above the threshold, a single reasoning call both judges
// whether the chunks are enough and writes the answer. A sufficient verdict
// ends in Answer. Otherwise WebSearch queries the external provider, retrying
// once; Indexing folds qualifying results into the collection concurrently;
// and Compose answers from local and web context together.
//
// # Decisions
//
// The routing decision depends only on retrieval results, the reasoning
// verdict and the web search outcome:
//
//   - answered_locally: sufficient local verdict
//   - answered_via_web: composed without local context
//   - answered_via_combined: composed with local and web context
//   - unanswerable: web search unavailable, or nothing found anywhere
//
// # Usage
//
//	engine, err := orchestrator.NewEngine(cfg.Orchestrator, orchestrator.Dependencies{
//		Store:     store,
//		Embedders: registry,
//		Reasoner:  reasoning.New(provider),
//		Search:    search,
//		Ingester:  pipeline,
//		History:   history,
//	})
//	res, err := engine.Ask(ctx, tc, "How do goroutines get scheduled?",
//		orchestrator.WithProgress(func(p orchestrator.PhaseProgress) {
//			log.Printf("%s: %s", p.Phase, p.Status)
//		}))
package orchestrator
