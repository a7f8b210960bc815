package gitapp

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zane-ops/zane/pkg/types"
)

// GitHub rejects app JWTs valid for more than 10 minutes. iat is
// backdated a minute to absorb clock drift against GitHub's servers.
const githubJWTValidity = 9 * time.Minute

type installationTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Service) githubToken(ctx context.Context, app *types.GitApp) (string, error) {
	if app.GitHub == nil {
		return "", fmt.Errorf("git app %s has no github credentials", app.ID)
	}

	if token, ok, err := s.cache.GetGitHubToken(ctx, app.ID); err != nil {
		s.log.Warn().Err(err).Str("git_app_id", app.ID).Msg("token cache read failed")
	} else if ok {
		return token, nil
	}

	keyPEM, err := s.secrets.DecryptString(app.GitHub.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt private key: %w", err)
	}

	jwt, err := signAppJWT(app.GitHub.AppID, []byte(keyPEM), time.Now())
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/app/installations/%d/access_tokens", s.githubAPI, app.GitHub.InstallationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to exchange installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("github token exchange returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr installationTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	if err := s.cache.SetGitHubToken(ctx, app.ID, tr.Token); err != nil {
		s.log.Warn().Err(err).Str("git_app_id", app.ID).Msg("token cache write failed")
	}
	s.log.Debug().Str("git_app_id", app.ID).Time("expires_at", tr.ExpiresAt).Msg("exchanged installation token")
	return tr.Token, nil
}

type appJWTClaims struct {
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Issuer    string `json:"iss"`
}

// signAppJWT builds the RS256-signed JWT that authenticates the app
// itself against the GitHub API.
func signAppJWT(appID int64, keyPEM []byte, now time.Time) (string, error) {
	key, err := parseRSAPrivateKey(keyPEM)
	if err != nil {
		return "", err
	}

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	claims, err := json.Marshal(appJWTClaims{
		IssuedAt:  now.Add(-time.Minute).Unix(),
		ExpiresAt: now.Add(githubJWTValidity).Unix(),
		Issuer:    strconv.FormatInt(appID, 10),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal jwt claims: %w", err)
	}

	signing := header + "." + base64.RawURLEncoding.EncodeToString(claims)
	digest := sha256.Sum256([]byte(signing))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign app jwt: %w", err)
	}
	return signing + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// parseRSAPrivateKey accepts both encodings GitHub has issued app keys
// in: PKCS#1 ("RSA PRIVATE KEY") and PKCS#8 ("PRIVATE KEY").
func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}
