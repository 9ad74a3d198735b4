// Package embeddings turns text into vectors using the tenant's credential.
//
// A Registry hands out one Embedder per tenant credential. Providers:
//   - openai: OpenAI-compatible embeddings API via langchaingo (default)
//   - tei: HuggingFace Text Embeddings Inference /embed endpoint
//   - fastembed: local ONNX models, shared by all tenants (requires CGO)
//
// Every Embedder returned by a Registry batches input, retries transient
// failures, and records OpenTelemetry metrics.
package embeddings
