package gitapp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zane-ops/zane/pkg/cache"
	"github.com/zane-ops/zane/pkg/log"
	"github.com/zane-ops/zane/pkg/security"
	"github.com/zane-ops/zane/pkg/types"
)

// Store is the slice of the storage layer the token service needs.
// GitLab rotates refresh tokens on every exchange, so the service must
// be able to write the app back.
type Store interface {
	GetGitApp(id string) (*types.GitApp, error)
	UpdateGitApp(app *types.GitApp) error
}

// Service exchanges stored git app credentials for short-lived provider
// tokens. Tokens are cached per app (59m GitHub, 1h59m GitLab) so
// concurrent deployments of services sharing an app reuse one exchange.
type Service struct {
	store   Store
	cache   *cache.Cache
	secrets *security.SecretsManager
	httpc   *http.Client
	log     zerolog.Logger

	githubAPI string
}

const defaultGitHubAPI = "https://api.github.com"

// New builds a token service against the default provider endpoints.
func New(store Store, c *cache.Cache, secrets *security.SecretsManager) *Service {
	return &Service{
		store:     store,
		cache:     c,
		secrets:   secrets,
		httpc:     &http.Client{Timeout: 30 * time.Second},
		log:       log.WithComponent("gitapp"),
		githubAPI: defaultGitHubAPI,
	}
}

// WithGitHubAPI points the service at a different GitHub API base URL,
// for GitHub Enterprise installs.
func (s *Service) WithGitHubAPI(base string) *Service {
	s.githubAPI = strings.TrimRight(base, "/")
	return s
}

// Token returns a valid access token for the app, exchanging
// credentials with the provider on cache miss.
func (s *Service) Token(ctx context.Context, appID string) (string, error) {
	app, err := s.store.GetGitApp(appID)
	if err != nil {
		return "", err
	}
	return s.tokenFor(ctx, app)
}

// AuthenticatedURL inlines a fresh provider token into the repository
// URL as userinfo, so clone and ls-remote need no separate credential
// plumbing. GitHub uses the x-access-token convention, GitLab oauth2.
func (s *Service) AuthenticatedURL(ctx context.Context, appID, repoURL string) (string, error) {
	app, err := s.store.GetGitApp(appID)
	if err != nil {
		return "", err
	}

	token, err := s.tokenFor(ctx, app)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse repository url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("repository url %q has no host", repoURL)
	}

	switch app.Kind {
	case types.GitAppGitHub:
		u.User = url.UserPassword("x-access-token", token)
	case types.GitAppGitLab:
		u.User = url.UserPassword("oauth2", token)
	}
	return u.String(), nil
}

// WebhookSecret returns the decrypted webhook signing secret for an
// app. The webhook server uses it to verify delivery signatures.
func (s *Service) WebhookSecret(app *types.GitApp) (string, error) {
	switch app.Kind {
	case types.GitAppGitHub:
		if app.GitHub == nil {
			return "", fmt.Errorf("git app %s has no github credentials", app.ID)
		}
		return s.secrets.DecryptString(app.GitHub.WebhookSecret)
	case types.GitAppGitLab:
		if app.GitLab == nil {
			return "", fmt.Errorf("git app %s has no gitlab credentials", app.ID)
		}
		return s.secrets.DecryptString(app.GitLab.WebhookSecret)
	default:
		return "", fmt.Errorf("unsupported git app kind %q", app.Kind)
	}
}

func (s *Service) tokenFor(ctx context.Context, app *types.GitApp) (string, error) {
	switch app.Kind {
	case types.GitAppGitHub:
		return s.githubToken(ctx, app)
	case types.GitAppGitLab:
		return s.gitlabToken(ctx, app)
	default:
		return "", fmt.Errorf("unsupported git app kind %q", app.Kind)
	}
}
