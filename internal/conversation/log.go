// Package conversation stores each tenant's question and answer history.
//
// Turns are numbered per tenant with a gap-free sequence. Appends for one
// tenant are serialized; appends for different tenants never contend on
// the same lock.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/knowd/internal/tenant"
)

var (
	// ErrInvalidTurn is returned for turns with an unknown role.
	ErrInvalidTurn = errors.New("invalid conversation turn")
	// ErrStorage wraps database failures.
	ErrStorage = errors.New("conversation storage failed")
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Source is one citation recorded on an assistant turn.
type Source struct {
	Kind  string `json:"kind"`
	Ref   string `json:"ref"`
	Title string `json:"title,omitempty"`
}

// Metadata is stored as JSON alongside a turn.
type Metadata struct {
	Decision       string   `json:"decision,omitempty"`
	Sources        []Source `json:"sources,omitempty"`
	WebUnavailable bool     `json:"web_unavailable,omitempty"`
}

// Turn is one message in a tenant's history.
type Turn struct {
	TenantID  string    `json:"tenant_id"`
	TurnID    string    `json:"turn_id"`
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
}

// Log is a per-tenant append-only history.
type Log interface {
	// Append stores turns in order, in one transaction.
	Append(ctx context.Context, tc tenant.Context, turns ...Turn) error
	// Recent returns up to limit turns, most recent last. A limit <= 0
	// means 50; larger limits are capped at 200.
	Recent(ctx context.Context, tc tenant.Context, limit int) ([]Turn, error)
	// Clear deletes the tenant's history.
	Clear(ctx context.Context, tc tenant.Context) error
}

const (
	defaultRecent = 50
	maxRecent     = 200
)

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultRecent
	case limit > maxRecent:
		return maxRecent
	}
	return limit
}
