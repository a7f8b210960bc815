package gitapp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/zane-ops/zane/pkg/types"
)

const defaultGitLabBase = "https://gitlab.com"

type gitlabTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (s *Service) gitlabToken(ctx context.Context, app *types.GitApp) (string, error) {
	if app.GitLab == nil {
		return "", fmt.Errorf("git app %s has no gitlab credentials", app.ID)
	}

	if token, ok, err := s.cache.GetGitLabToken(ctx, app.ID); err != nil {
		s.log.Warn().Err(err).Str("git_app_id", app.ID).Msg("token cache read failed")
	} else if ok {
		return token, nil
	}

	secret, err := s.secrets.DecryptString(app.GitLab.AppSecret)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt app secret: %w", err)
	}
	refresh, err := s.secrets.DecryptString(app.GitLab.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	base := app.GitLab.BaseURL
	if base == "" {
		base = defaultGitLabBase
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
		"client_id":     {app.GitLab.AppID},
		"client_secret": {secret},
		"redirect_uri":  {app.GitLab.RedirectURI},
	}
	endpoint := strings.TrimRight(base, "/") + "/oauth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to refresh gitlab token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("gitlab token refresh returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr gitlabTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	// GitLab rotates the refresh token on every exchange. The new one
	// must be persisted before the access token is handed out, or the
	// app is unusable after the access token expires.
	if tr.RefreshToken != "" && tr.RefreshToken != refresh {
		sealed, err := s.secrets.EncryptString(tr.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt rotated refresh token: %w", err)
		}
		app.GitLab.RefreshToken = sealed
		if err := s.store.UpdateGitApp(app); err != nil {
			return "", fmt.Errorf("failed to persist rotated refresh token: %w", err)
		}
	}

	if err := s.cache.SetGitLabToken(ctx, app.ID, tr.AccessToken); err != nil {
		s.log.Warn().Err(err).Str("git_app_id", app.ID).Msg("token cache write failed")
	}
	s.log.Debug().Str("git_app_id", app.ID).Int64("expires_in", tr.ExpiresIn).Msg("refreshed gitlab token")
	return tr.AccessToken, nil
}
