package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	m := NewManager("test-secret")

	token, err := m.Issue("agent-1", []string{ScopeTradeExecute}, time.Minute)
	require.NoError(t, err)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", claims.Subject)
	assert.Contains(t, claims.Scopes, ScopeTradeExecute)
}

func TestValidateRejects(t *testing.T) {
	m := NewManager("test-secret")

	_, err := m.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewManager("other-secret")
	token, err := other.Issue("agent-1", nil, time.Minute)
	require.NoError(t, err)
	_, err = m.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := m.Issue("agent-1", nil, -time.Minute)
	require.NoError(t, err)
	_, err = m.Validate(expired)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestScopeContext(t *testing.T) {
	ctx := context.Background()
	assert.False(t, HasScope(ctx, ScopeTradeExecute))

	ctx = WithScopes(ctx, []string{"read:market", ScopeTradeExecute})
	assert.True(t, HasScope(ctx, ScopeTradeExecute))
	assert.False(t, HasScope(ctx, "admin"))
}
