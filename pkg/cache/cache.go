package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTLs for cached values. Provider tokens expire server-side at 1h
// (GitHub) and 2h (GitLab); the cache drops them a minute early so a
// token read from the cache is never already expired.
const (
	GitHubTokenTTL   = 59 * time.Minute
	GitLabTokenTTL   = time.Hour + 59*time.Minute
	DetectedPortsTTL = 24 * time.Hour

	// Safety net for update flags orphaned by a crashed worker.
	updatingFlagTTL = time.Hour
)

// Cache wraps Redis for the short-lived state that does not belong in
// the store: provider tokens, detected image ports and in-progress
// deployment flags. Everything here is reconstructible, so losing the
// cache is never fatal.
type Cache struct {
	client *redis.Client
}

// New connects to Redis at the given address.
func New(addr string, db int) *Cache {
	return &Cache{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   db,
		}),
	}
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Ping checks connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

// SetGitHubToken caches an installation access token for a GitHub app.
func (c *Cache) SetGitHubToken(ctx context.Context, appID, token string) error {
	return c.client.Set(ctx, githubTokenKey(appID), token, GitHubTokenTTL).Err()
}

// GetGitHubToken returns the cached installation token for a GitHub
// app, or ok=false when none is cached.
func (c *Cache) GetGitHubToken(ctx context.Context, appID string) (string, bool, error) {
	return c.getString(ctx, githubTokenKey(appID))
}

// SetGitLabToken caches a refreshed access token for a GitLab app.
func (c *Cache) SetGitLabToken(ctx context.Context, appID, token string) error {
	return c.client.Set(ctx, gitlabTokenKey(appID), token, GitLabTokenTTL).Err()
}

// GetGitLabToken returns the cached access token for a GitLab app, or
// ok=false when none is cached.
func (c *Cache) GetGitLabToken(ctx context.Context, appID string) (string, bool, error) {
	return c.getString(ctx, gitlabTokenKey(appID))
}

// SetDetectedPorts records the ports a service's image exposes,
// discovered after a build or pull. Change validation uses them to
// default healthcheck and URL ports.
func (c *Cache) SetDetectedPorts(ctx context.Context, serviceID string, ports []int) error {
	data, err := json.Marshal(ports)
	if err != nil {
		return fmt.Errorf("marshaling ports: %w", err)
	}
	return c.client.Set(ctx, portsKey(serviceID), data, DetectedPortsTTL).Err()
}

// GetDetectedPorts returns the recorded exposed ports for a service,
// or ok=false when nothing is recorded.
func (c *Cache) GetDetectedPorts(ctx context.Context, serviceID string) ([]int, bool, error) {
	data, err := c.client.Get(ctx, portsKey(serviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var ports []int
	if err := json.Unmarshal(data, &ports); err != nil {
		return nil, false, fmt.Errorf("unmarshaling ports: %w", err)
	}
	return ports, true, nil
}

// MarkServiceUpdating flags a service as having a deployment workflow
// actively mutating its runtime state. The reconciler skips flagged
// services.
func (c *Cache) MarkServiceUpdating(ctx context.Context, serviceID string) error {
	return c.client.Set(ctx, updatingKey(serviceID), "1", updatingFlagTTL).Err()
}

// ClearServiceUpdating removes the in-progress flag.
func (c *Cache) ClearServiceUpdating(ctx context.Context, serviceID string) error {
	return c.client.Del(ctx, updatingKey(serviceID)).Err()
}

// IsServiceUpdating reports whether a deployment workflow currently
// owns the service's runtime state.
func (c *Cache) IsServiceUpdating(ctx context.Context, serviceID string) (bool, error) {
	n, err := c.client.Exists(ctx, updatingKey(serviceID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *Cache) getString(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func githubTokenKey(appID string) string {
	return "gitapp:github:token:" + appID
}

func gitlabTokenKey(appID string) string {
	return "gitapp:gitlab:token:" + appID
}

func portsKey(serviceID string) string {
	return "service:ports:" + serviceID
}

func updatingKey(serviceID string) string {
	return "service:updating:" + serviceID
}
