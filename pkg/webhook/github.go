package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/zane-ops/zane/pkg/metrics"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
	"github.com/zane-ops/zane/pkg/zerrors"
)

// githubPushEvent is the subset of GitHub's push payload the router
// reads. HeadCommit is null on force pushes and branch deletions.
type githubPushEvent struct {
	Ref        string `json:"ref"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
	HeadCommit *struct {
		ID      string `json:"id"`
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
		} `json:"author"`
	} `json:"head_commit"`
	Commits []struct {
		ID       string   `json:"id"`
		Added    []string `json:"added"`
		Modified []string `json:"modified"`
		Removed  []string `json:"removed"`
	} `json:"commits"`
}

// githubPREvent is the subset of GitHub's pull_request payload the
// router reads.
type githubPREvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Title   string `json:"title"`
		HTMLURL string `json:"html_url"`
		User    struct {
			Login string `json:"login"`
		} `json:"user"`
		Head struct {
			Ref  string `json:"ref"`
			SHA  string `json:"sha"`
			Repo struct {
				CloneURL string `json:"clone_url"`
			} `json:"repo"`
		} `json:"head"`
		Base struct {
			Ref  string `json:"ref"`
			Repo struct {
				CloneURL string `json:"clone_url"`
			} `json:"repo"`
		} `json:"base"`
	} `json:"pull_request"`
}

func (s *Server) handleGitHub(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, zerrors.Validationf("body", "unreadable request body"))
		return
	}

	app, err := s.githubAppFor(body, r.Header.Get("X-Hub-Signature-256"))
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("github", "rejected").Inc()
		writeError(w, err)
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	s.publishReceived("github", event, app)

	switch event {
	case "ping":
		metrics.WebhookDeliveriesTotal.WithLabelValues("github", "processed").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "pong"})

	case "push":
		var payload githubPushEvent
		if err := json.Unmarshal(body, &payload); err != nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues("github", "rejected").Inc()
			writeError(w, zerrors.Validationf("body", "invalid push payload: %v", err))
			return
		}
		ev := &pushEvent{
			App:          app,
			Ref:          payload.Ref,
			RepoURL:      payload.Repository.CloneURL,
			Deleted:      payload.Deleted,
			ChangedPaths: payload.changedPaths(),
		}
		if hc := payload.HeadCommit; hc != nil {
			ev.CommitSHA = hc.ID
			ev.CommitMessage = hc.Message
			ev.CommitAuthor = hc.Author.Name
		}
		queued, reason, err := s.dispatchPush(r.Context(), ev)
		if err != nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues("github", "error").Inc()
			writeError(w, err)
			return
		}
		if reason != "" {
			metrics.WebhookDeliveriesTotal.WithLabelValues("github", "ignored").Inc()
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "ignored": reason})
			return
		}
		metrics.WebhookDeliveriesTotal.WithLabelValues("github", "processed").Inc()
		s.log.Info().Str("repository", payload.Repository.FullName).Str("ref", payload.Ref).
			Int("deployments", len(queued)).Msg("processed github push")
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "deployments": queued})

	case "pull_request":
		var payload githubPREvent
		if err := json.Unmarshal(body, &payload); err != nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues("github", "rejected").Inc()
			writeError(w, zerrors.Validationf("body", "invalid pull request payload: %v", err))
			return
		}
		action, ok := normalizeGitHubAction(payload.Action)
		if !ok {
			metrics.WebhookDeliveriesTotal.WithLabelValues("github", "ignored").Inc()
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "ignored": "unhandled action " + payload.Action})
			return
		}
		pr := payload.PullRequest
		touched, err := s.dispatchPullRequest(r.Context(), &prEvent{
			App:         app,
			Action:      action,
			Number:      payload.Number,
			Title:       pr.Title,
			Author:      pr.User.Login,
			HeadBranch:  pr.Head.Ref,
			HeadSHA:     pr.Head.SHA,
			HeadRepoURL: pr.Head.Repo.CloneURL,
			BaseRepoURL: pr.Base.Repo.CloneURL,
			ExternalURL: pr.HTMLURL,
		})
		if err != nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues("github", "error").Inc()
			writeError(w, err)
			return
		}
		metrics.WebhookDeliveriesTotal.WithLabelValues("github", "processed").Inc()
		s.log.Info().Int("pr", payload.Number).Str("action", action).
			Int("previews", touched).Msg("processed github pull request")
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "previews": touched})

	default:
		metrics.WebhookDeliveriesTotal.WithLabelValues("github", "ignored").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "ignored": "unhandled event " + event})
	}
}

// githubAppFor finds the GitHub app whose webhook secret signed the
// delivery. Trying every app keeps the endpoint path stable across
// app installs; the body HMAC identifies the sender.
func (s *Server) githubAppFor(body []byte, signature string) (*types.GitApp, error) {
	var apps []*types.GitApp
	err := s.store.View(func(tx *storage.Tx) (err error) {
		apps, err = tx.ListGitApps()
		return
	})
	if err != nil {
		return nil, err
	}
	for _, app := range apps {
		if app.Kind != types.GitAppGitHub {
			continue
		}
		secret, err := s.gitapps.WebhookSecret(app)
		if err != nil {
			s.log.Warn().Err(err).Str("app", app.ID).Msg("cannot decrypt webhook secret")
			continue
		}
		if verifyGitHubSignature(body, secret, signature) {
			return app, nil
		}
	}
	return nil, zerrors.Validationf("signature", "signature verification failed")
}

// verifyGitHubSignature recomputes the HMAC-SHA256 body digest and
// compares it against the X-Hub-Signature-256 header in constant
// time.
func verifyGitHubSignature(body []byte, secret, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := prefix + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(want))
}

// changedPaths flattens the per-commit file lists into the set the
// watch-paths filter runs over.
func (p *githubPushEvent) changedPaths() []string {
	var files []string
	for _, c := range p.Commits {
		files = append(files, c.Added...)
		files = append(files, c.Modified...)
		files = append(files, c.Removed...)
	}
	return files
}

// normalizeGitHubAction maps GitHub's pull request actions onto the
// four the preview lifecycle understands.
func normalizeGitHubAction(action string) (string, bool) {
	switch action {
	case "opened", "reopened":
		return "opened", true
	case "synchronize":
		return "synchronize", true
	case "edited":
		return "edited", true
	case "closed":
		return "closed", true
	default:
		return "", false
	}
}
