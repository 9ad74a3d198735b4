package conversation

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/knowd/internal/config"
	"github.com/fyrsmithlabs/knowd/internal/tenant"
)

func newLog(t *testing.T) *GormLog {
	t.Helper()
	l, err := Open(config.ConversationConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "history.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func mustTenant(t *testing.T, id string) tenant.Context {
	t.Helper()
	tc, err := tenant.New(id, "", "")
	require.NoError(t, err)
	return tc
}

func TestGormLog_AppendAndRecent(t *testing.T) {
	ctx := context.Background()
	l := newLog(t)
	tc := mustTenant(t, "alice")

	require.NoError(t, l.Append(ctx, tc,
		Turn{Role: RoleUser, Content: "What is a goroutine?"},
		Turn{Role: RoleAssistant, Content: "A lightweight thread.", Metadata: Metadata{
			Decision: "answered_locally",
			Sources:  []Source{{Kind: "knowledge", Ref: "go.md"}},
		}},
	))
	require.NoError(t, l.Append(ctx, tc, Turn{Role: RoleUser, Content: "And a channel?"}))

	turns, err := l.Recent(ctx, tc, 10)
	require.NoError(t, err)
	require.Len(t, turns, 3)

	for i, turn := range turns {
		assert.Equal(t, int64(i+1), turn.Seq)
		assert.Equal(t, "alice", turn.TenantID)
		assert.NotEmpty(t, turn.TurnID)
		assert.False(t, turn.CreatedAt.IsZero())
	}
	assert.Equal(t, "What is a goroutine?", turns[0].Content)
	assert.Equal(t, RoleAssistant, turns[1].Role)
	assert.Equal(t, "answered_locally", turns[1].Metadata.Decision)
	assert.Equal(t, []Source{{Kind: "knowledge", Ref: "go.md"}}, turns[1].Metadata.Sources)
	assert.Equal(t, "And a channel?", turns[2].Content)

	last, err := l.Recent(ctx, tc, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, int64(2), last[0].Seq)
	assert.Equal(t, int64(3), last[1].Seq)
}

func TestGormLog_RecentLimitDefaults(t *testing.T) {
	ctx := context.Background()
	l := newLog(t)
	tc := mustTenant(t, "alice")

	turns := make([]Turn, 210)
	for i := range turns {
		turns[i] = Turn{Role: RoleUser, Content: fmt.Sprintf("q%d", i)}
	}
	require.NoError(t, l.Append(ctx, tc, turns...))

	for _, limit := range []int{0, -1} {
		got, err := l.Recent(ctx, tc, limit)
		require.NoError(t, err)
		assert.Len(t, got, 50, "limit %d", limit)
		assert.Equal(t, "q209", got[49].Content)
	}

	for _, limit := range []int{201, 1000} {
		got, err := l.Recent(ctx, tc, limit)
		require.NoError(t, err)
		assert.Len(t, got, 200, "limit %d", limit)
		assert.Equal(t, "q10", got[0].Content)
		assert.Equal(t, "q209", got[199].Content)
	}

	got, err := l.Recent(ctx, tc, 60)
	require.NoError(t, err)
	assert.Len(t, got, 60)
}

func TestGormLog_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	l := newLog(t)
	alice := mustTenant(t, "alice")
	bob := mustTenant(t, "bob")

	require.NoError(t, l.Append(ctx, alice, Turn{Role: RoleUser, Content: "alice secret"}))
	require.NoError(t, l.Append(ctx, bob, Turn{Role: RoleUser, Content: "bob question"}))

	got, err := l.Recent(ctx, bob, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bob question", got[0].Content)
	assert.Equal(t, int64(1), got[0].Seq)

	require.NoError(t, l.Clear(ctx, bob))
	got, err = l.Recent(ctx, bob, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = l.Recent(ctx, alice, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestGormLog_ConcurrentAppendsStayOrdered(t *testing.T) {
	ctx := context.Background()
	l := newLog(t)
	tenants := []tenant.Context{mustTenant(t, "alice"), mustTenant(t, "bob")}

	const perTenant = 20
	var wg sync.WaitGroup
	for _, tc := range tenants {
		for i := 0; i < perTenant; i++ {
			wg.Add(1)
			go func(tc tenant.Context, i int) {
				defer wg.Done()
				assert.NoError(t, l.Append(ctx, tc,
					Turn{Role: RoleUser, Content: fmt.Sprintf("q%d", i)},
					Turn{Role: RoleAssistant, Content: fmt.Sprintf("a%d", i)},
				))
			}(tc, i)
		}
	}
	wg.Wait()

	for _, tc := range tenants {
		got, err := l.Recent(ctx, tc, 200)
		require.NoError(t, err)
		require.Len(t, got, 2*perTenant)
		for i := 0; i < len(got); i += 2 {
			assert.Equal(t, int64(i+1), got[i].Seq)
			assert.Equal(t, RoleUser, got[i].Role)
			assert.Equal(t, RoleAssistant, got[i+1].Role)
			// Pairs are never interleaved.
			assert.Equal(t, "a"+got[i].Content[1:], got[i+1].Content)
		}
	}
}

func TestGormLog_Validation(t *testing.T) {
	ctx := context.Background()
	l := newLog(t)
	tc := mustTenant(t, "alice")

	err := l.Append(ctx, tc, Turn{Role: "system", Content: "x"})
	assert.ErrorIs(t, err, ErrInvalidTurn)

	assert.NoError(t, l.Append(ctx, tc))

	_, err = l.Recent(ctx, tenant.Context{}, 10)
	assert.Error(t, err)
	assert.Error(t, l.Append(ctx, tenant.Context{TenantID: "x", CollectionName: "kb_forged"}, Turn{Role: RoleUser}))
}

func TestGormLog_KeepsCallerTimestamps(t *testing.T) {
	ctx := context.Background()
	l := newLog(t)
	tc := mustTenant(t, "alice")
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, l.Append(ctx, tc, Turn{Role: RoleUser, Content: "x", TurnID: "11111111-1111-1111-1111-111111111111", CreatedAt: at}))
	got, err := l.Recent(ctx, tc, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", got[0].TurnID)
	assert.True(t, at.Equal(got[0].CreatedAt))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(config.ConversationConfig{Driver: "mysql"}, nil)
	assert.Error(t, err)
}
