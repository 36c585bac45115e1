package scope

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/able/internal/authority"
)

func TestExact(t *testing.T) {
	m := Exact{}
	assert.True(t, m.Covers("read:file_x", "read:file_x"))
	assert.False(t, m.Covers("read:file_x", "write:file_x"))
	assert.True(t, m.Covers(Any, "write:file_x"))
	assert.False(t, m.Covers("read", ""))
}

func TestHierarchical(t *testing.T) {
	m := Hierarchical{}
	cases := []struct {
		granted, requested authority.Scope
		want               bool
	}{
		{"read:file_x", "read:file_x", true},
		{"read:*", "read:file_x", true},
		{"read:*", "read", false},
		{"read:*", "write:file_x", false},
		{"crm.lead.*", "crm.lead.create", true},
		{"crm.lead.*", "crm.lead.notes.append", true},
		{"crm.*.create", "crm.lead.create", true},
		{"crm.*.create", "crm.lead.delete", false},
		{"crm.*.create", "crm.lead.create.bulk", false},
		{"crm.lead", "crm.lead.create", false},
		{"any", "anything.at.all", true},
		{"", "read", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, m.Covers(tc.granted, tc.requested), "%s covers %s", tc.granted, tc.requested)
	}
}

func TestCEL(t *testing.T) {
	m, err := NewCEL()
	require.NoError(t, err)

	expr := authority.Scope(`requested.startsWith("read:") && requested != "read:secrets"`)
	require.NoError(t, m.ValidateScope(expr))

	assert.True(t, m.Covers(expr, "read:file_x"))
	assert.False(t, m.Covers(expr, "read:secrets"))
	assert.False(t, m.Covers(expr, "write:file_x"))

	// Невалидное выражение покрывает только само себя.
	assert.False(t, m.Covers("read:file_x", "read:file_y"))
	assert.True(t, m.Covers("read:file_x", "read:file_x"))

	assert.Error(t, m.ValidateScope(`requested + "x"`))
	assert.Error(t, m.ValidateScope("read:file_x"))
	assert.False(t, m.Covers(`requested + "x"`, "read"))
}

func TestCEL_Any(t *testing.T) {
	m, err := NewCEL()
	require.NoError(t, err)

	require.NoError(t, m.ValidateScope(Any))
	for _, matcher := range []authority.ScopeMatcher{Exact{}, Hierarchical{}, m} {
		assert.True(t, matcher.Covers(Any, "write:db"))
		assert.True(t, matcher.Covers(Any, "read:file_x"))
	}
}

func TestCEL_CacheIsBounded(t *testing.T) {
	m, err := NewCEL()
	require.NoError(t, err)

	for i := 0; i < maxCachedPrograms+10; i++ {
		expr := authority.Scope(fmt.Sprintf(`requested == "read:%d"`, i))
		require.True(t, m.Covers(expr, authority.Scope(fmt.Sprintf("read:%d", i))))
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	assert.LessOrEqual(t, len(m.prgCache)+len(m.broken), maxCachedPrograms)
}

func TestNew(t *testing.T) {
	for _, kind := range []string{"", "exact", "hierarchical", "CEL"} {
		m, err := New(kind)
		require.NoError(t, err, kind)
		assert.NotNil(t, m)
	}
	_, err := New("regex")
	assert.Error(t, err)
}

type openChain struct{}

func (openChain) Verify([]string) error { return nil }

func TestCEL_IssueRejectsInvalidExpression(t *testing.T) {
	m, err := NewCEL()
	require.NoError(t, err)
	mgr, _ := authority.NewManager(m, openChain{}, zap.NewNop())
	ctx := context.Background()

	_, err = mgr.Issue(ctx, `requested.startsWith(`, []string{"root"}, 1)
	assert.ErrorIs(t, err, authority.ErrInvalidScope)
	_, err = mgr.Issue(ctx, `requested.size()`, []string{"root"}, 1)
	assert.ErrorIs(t, err, authority.ErrInvalidScope)

	au, err := mgr.Issue(ctx, `requested.startsWith("read:")`, []string{"root"}, 1)
	require.NoError(t, err)
	assert.NoError(t, mgr.Validate(au.ID, "read:file_x"))

	wildcard, err := mgr.Issue(ctx, Any, []string{"root"}, 1)
	require.NoError(t, err)
	assert.NoError(t, mgr.Validate(wildcard.ID, "write:db"))
}
