package tenant

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/fyrsmithlabs/knowd/internal/config"
)

// Resolver turns a presented bearer token into a tenant Context.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Context, error)
}

// StaticResolver resolves tokens against the tenant table from config.
type StaticResolver struct {
	tenants []Context
	tokens  [][]byte
}

// NewStaticResolver validates every entry and builds the lookup table.
func NewStaticResolver(entries []config.TenantConfig) (*StaticResolver, error) {
	r := &StaticResolver{
		tenants: make([]Context, 0, len(entries)),
		tokens:  make([][]byte, 0, len(entries)),
	}
	for i, e := range entries {
		tc, err := New(e.ID, e.EmbeddingKey, e.VectorStoreKey)
		if err != nil {
			return nil, fmt.Errorf("tenants[%d]: %w", i, err)
		}
		if !e.Token.IsSet() {
			return nil, fmt.Errorf("tenants[%d]: token required", i)
		}
		r.tenants = append(r.tenants, tc)
		r.tokens = append(r.tokens, []byte(e.Token.Value()))
	}
	return r, nil
}

// Resolve compares the token against every entry in constant time.
func (r *StaticResolver) Resolve(_ context.Context, token string) (Context, error) {
	if token == "" {
		return Context{}, ErrUnauthenticated
	}
	presented := []byte(token)
	match := -1
	for i, t := range r.tokens {
		if subtle.ConstantTimeCompare(presented, t) == 1 {
			match = i
		}
	}
	if match < 0 {
		return Context{}, ErrUnknownTenant
	}
	return r.tenants[match], nil
}

// Lookup returns the Context for a tenant ID without a token. Used by
// trusted in-process callers such as the inbox watcher and the stdio tool server.
func (r *StaticResolver) Lookup(tenantID string) (Context, error) {
	for _, tc := range r.tenants {
		if tc.TenantID == tenantID {
			return tc, nil
		}
	}
	return Context{}, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
}

// IDs lists configured tenant IDs in config order.
func (r *StaticResolver) IDs() []string {
	ids := make([]string, len(r.tenants))
	for i, tc := range r.tenants {
		ids[i] = tc.TenantID
	}
	return ids
}

var _ Resolver = (*StaticResolver)(nil)
