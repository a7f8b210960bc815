package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return New(mr.Addr(), 0), mr
}

func TestTokenRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetGitHubToken(ctx, "gap_abc123", "ghs_token"))

	token, ok, err := c.GetGitHubToken(ctx, "gap_abc123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ghs_token", token)

	// Different app, no token
	_, ok, err = c.GetGitHubToken(ctx, "gap_other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTokenExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetGitHubToken(ctx, "gap_abc123", "ghs_token"))
	require.NoError(t, c.SetGitLabToken(ctx, "gap_def456", "glpat_token"))

	// Past the GitHub TTL but inside the GitLab one
	mr.FastForward(GitHubTokenTTL + time.Minute)

	_, ok, err := c.GetGitHubToken(ctx, "gap_abc123")
	require.NoError(t, err)
	assert.False(t, ok, "github token should have expired")

	token, ok, err := c.GetGitLabToken(ctx, "gap_def456")
	require.NoError(t, err)
	require.True(t, ok, "gitlab token should still be cached")
	assert.Equal(t, "glpat_token", token)

	mr.FastForward(time.Hour)

	_, ok, err = c.GetGitLabToken(ctx, "gap_def456")
	require.NoError(t, err)
	assert.False(t, ok, "gitlab token should have expired")
}

func TestDetectedPorts(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	_, ok, err := c.GetDetectedPorts(ctx, "srv_123")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetDetectedPorts(ctx, "srv_123", []int{8080, 9090}))

	ports, ok, err := c.GetDetectedPorts(ctx, "srv_123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int{8080, 9090}, ports)

	mr.FastForward(DetectedPortsTTL + time.Minute)

	_, ok, err = c.GetDetectedPorts(ctx, "srv_123")
	require.NoError(t, err)
	assert.False(t, ok, "detected ports should have expired")
}

func TestServiceUpdatingFlag(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	updating, err := c.IsServiceUpdating(ctx, "srv_123")
	require.NoError(t, err)
	assert.False(t, updating)

	require.NoError(t, c.MarkServiceUpdating(ctx, "srv_123"))

	updating, err = c.IsServiceUpdating(ctx, "srv_123")
	require.NoError(t, err)
	assert.True(t, updating)

	require.NoError(t, c.ClearServiceUpdating(ctx, "srv_123"))

	updating, err = c.IsServiceUpdating(ctx, "srv_123")
	require.NoError(t, err)
	assert.False(t, updating)
}

func TestUpdatingFlagExpires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.MarkServiceUpdating(ctx, "srv_123"))

	mr.FastForward(updatingFlagTTL + time.Minute)

	updating, err := c.IsServiceUpdating(ctx, "srv_123")
	require.NoError(t, err)
	assert.False(t, updating, "orphaned flag should expire")
}
