// Package tenant resolves authenticated callers into tenant contexts.
//
// A Context is the only way to address tenant data: collection names are
// derived from the tenant ID, never supplied by callers.
package tenant

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/fyrsmithlabs/knowd/internal/config"
)

// Common errors.
var (
	ErrInvalidTenantID   = errors.New("invalid tenant ID")
	ErrInvalidCollection = errors.New("collection name does not match tenant")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrUnknownTenant     = errors.New("unknown tenant")
)

const (
	collectionPrefix = "kb_"
	// collectionHashLen is the number of hex characters kept from the
	// SHA-256 digest (160 bits).
	collectionHashLen = 40
	maxTenantIDLen    = 128
)

// Context is the per-request tenant scope. It is a value: copy it, pass it
// explicitly, and never store it beyond the request.
type Context struct {
	TenantID              string
	EmbeddingCredential   config.Secret
	VectorStoreCredential config.Secret
	CollectionName        string
}

// New builds a validated Context for tenantID with the given credentials.
func New(tenantID string, embeddingCred, vectorStoreCred config.Secret) (Context, error) {
	if err := ValidateID(tenantID); err != nil {
		return Context{}, err
	}
	return Context{
		TenantID:              tenantID,
		EmbeddingCredential:   embeddingCred,
		VectorStoreCredential: vectorStoreCred,
		CollectionName:        CollectionName(tenantID),
	}, nil
}

// CollectionName derives the collection for tenantID. The derivation is
// one-way and matches ^kb_[0-9a-f]{40}$.
func CollectionName(tenantID string) string {
	sum := sha256.Sum256([]byte(tenantID))
	return collectionPrefix + hex.EncodeToString(sum[:])[:collectionHashLen]
}

// Validate checks the tenant ID and that the collection name is the
// derivation of it.
func (c Context) Validate() error {
	if err := ValidateID(c.TenantID); err != nil {
		return err
	}
	if c.CollectionName != CollectionName(c.TenantID) {
		return ErrInvalidCollection
	}
	return nil
}

// String omits credentials.
func (c Context) String() string {
	return fmt.Sprintf("tenant(%s, %s)", c.TenantID, c.CollectionName)
}

// ValidateID rejects empty, oversized, non-UTF-8, or control-character IDs.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTenantID)
	}
	if len(id) > maxTenantIDLen {
		return fmt.Errorf("%w: exceeds %d bytes", ErrInvalidTenantID, maxTenantIDLen)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%w: invalid UTF-8", ErrInvalidTenantID)
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: contains whitespace or control characters", ErrInvalidTenantID)
		}
	}
	return nil
}
