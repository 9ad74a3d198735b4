// Package secrets redacts credentials from text before it is chunked and
// embedded, so uploaded documents and scraped pages never place secrets in a
// tenant's knowledge base or in prompts built from it.
//
// The built-in regex rules run on every call. When enabled, the gitleaks
// default rule set runs as a second pass.
package secrets
