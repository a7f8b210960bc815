package webhook

import (
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"

	"github.com/zane-ops/zane/pkg/metrics"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
	"github.com/zane-ops/zane/pkg/zerrors"
)

// gitlabZeroSHA is what GitLab puts in `after` when the push deleted
// the branch.
const gitlabZeroSHA = "0000000000000000000000000000000000000000"

// gitlabPushEvent is the subset of GitLab's Push Hook payload the
// router reads.
type gitlabPushEvent struct {
	Ref         string `json:"ref"`
	After       string `json:"after"`
	CheckoutSHA string `json:"checkout_sha"`
	UserName    string `json:"user_name"`
	Project     struct {
		PathWithNamespace string `json:"path_with_namespace"`
		GitHTTPURL        string `json:"git_http_url"`
	} `json:"project"`
	Commits []struct {
		ID      string `json:"id"`
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
		} `json:"author"`
		Added    []string `json:"added"`
		Modified []string `json:"modified"`
		Removed  []string `json:"removed"`
	} `json:"commits"`
}

// gitlabMREvent is the subset of GitLab's Merge Request Hook payload
// the router reads.
type gitlabMREvent struct {
	User struct {
		Name     string `json:"name"`
		Username string `json:"username"`
	} `json:"user"`
	ObjectAttributes struct {
		IID          int    `json:"iid"`
		Title        string `json:"title"`
		Action       string `json:"action"`
		SourceBranch string `json:"source_branch"`
		URL          string `json:"url"`
		OldRev       string `json:"oldrev"`
		LastCommit   struct {
			ID      string `json:"id"`
			Message string `json:"message"`
		} `json:"last_commit"`
		Source struct {
			GitHTTPURL string `json:"git_http_url"`
		} `json:"source"`
		Target struct {
			GitHTTPURL string `json:"git_http_url"`
		} `json:"target"`
	} `json:"object_attributes"`
}

func (s *Server) handleGitLab(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, zerrors.Validationf("body", "unreadable request body"))
		return
	}

	app, err := s.gitlabAppFor(r.Header.Get("X-Gitlab-Token"))
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("gitlab", "rejected").Inc()
		writeError(w, err)
		return
	}

	event := r.Header.Get("X-Gitlab-Event")
	s.publishReceived("gitlab", event, app)

	switch event {
	case "Push Hook":
		var payload gitlabPushEvent
		if err := json.Unmarshal(body, &payload); err != nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues("gitlab", "rejected").Inc()
			writeError(w, zerrors.Validationf("body", "invalid push payload: %v", err))
			return
		}
		queued, reason, err := s.dispatchPush(r.Context(), payload.toPushEvent(app))
		if err != nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues("gitlab", "error").Inc()
			writeError(w, err)
			return
		}
		if reason != "" {
			metrics.WebhookDeliveriesTotal.WithLabelValues("gitlab", "ignored").Inc()
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "ignored": reason})
			return
		}
		metrics.WebhookDeliveriesTotal.WithLabelValues("gitlab", "processed").Inc()
		s.log.Info().Str("repository", payload.Project.PathWithNamespace).Str("ref", payload.Ref).
			Int("deployments", len(queued)).Msg("processed gitlab push")
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "deployments": queued})

	case "Merge Request Hook":
		var payload gitlabMREvent
		if err := json.Unmarshal(body, &payload); err != nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues("gitlab", "rejected").Inc()
			writeError(w, zerrors.Validationf("body", "invalid merge request payload: %v", err))
			return
		}
		attrs := payload.ObjectAttributes
		action, ok := normalizeGitLabAction(attrs.Action, attrs.OldRev)
		if !ok {
			metrics.WebhookDeliveriesTotal.WithLabelValues("gitlab", "ignored").Inc()
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "ignored": "unhandled action " + attrs.Action})
			return
		}
		author := payload.User.Username
		if author == "" {
			author = payload.User.Name
		}
		touched, err := s.dispatchPullRequest(r.Context(), &prEvent{
			App:           app,
			Action:        action,
			Number:        attrs.IID,
			Title:         attrs.Title,
			Author:        author,
			HeadBranch:    attrs.SourceBranch,
			HeadSHA:       attrs.LastCommit.ID,
			HeadRepoURL:   attrs.Source.GitHTTPURL,
			BaseRepoURL:   attrs.Target.GitHTTPURL,
			CommitMessage: attrs.LastCommit.Message,
			ExternalURL:   attrs.URL,
		})
		if err != nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues("gitlab", "error").Inc()
			writeError(w, err)
			return
		}
		metrics.WebhookDeliveriesTotal.WithLabelValues("gitlab", "processed").Inc()
		s.log.Info().Int("mr", attrs.IID).Str("action", action).
			Int("previews", touched).Msg("processed gitlab merge request")
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "previews": touched})

	default:
		metrics.WebhookDeliveriesTotal.WithLabelValues("gitlab", "ignored").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "ignored": "unhandled event " + event})
	}
}

// gitlabAppFor finds the GitLab app whose webhook token matches the
// X-Gitlab-Token header.
func (s *Server) gitlabAppFor(token string) (*types.GitApp, error) {
	if token == "" {
		return nil, zerrors.Validationf("token", "missing X-Gitlab-Token header")
	}
	var apps []*types.GitApp
	err := s.store.View(func(tx *storage.Tx) (err error) {
		apps, err = tx.ListGitApps()
		return
	})
	if err != nil {
		return nil, err
	}
	for _, app := range apps {
		if app.Kind != types.GitAppGitLab {
			continue
		}
		secret, err := s.gitapps.WebhookSecret(app)
		if err != nil {
			s.log.Warn().Err(err).Str("app", app.ID).Msg("cannot decrypt webhook secret")
			continue
		}
		if hmac.Equal([]byte(token), []byte(secret)) {
			return app, nil
		}
	}
	return nil, zerrors.Validationf("token", "token verification failed")
}

// toPushEvent translates the GitLab payload into the
// provider-independent shape. GitLab has no head_commit field; the
// commit matching checkout_sha carries the message and author.
func (p *gitlabPushEvent) toPushEvent(app *types.GitApp) *pushEvent {
	ev := &pushEvent{
		App:          app,
		Ref:          p.Ref,
		RepoURL:      p.Project.GitHTTPURL,
		CommitSHA:    p.CheckoutSHA,
		CommitAuthor: p.UserName,
		Deleted:      p.After == gitlabZeroSHA,
	}
	for _, c := range p.Commits {
		ev.ChangedPaths = append(ev.ChangedPaths, c.Added...)
		ev.ChangedPaths = append(ev.ChangedPaths, c.Modified...)
		ev.ChangedPaths = append(ev.ChangedPaths, c.Removed...)
		if c.ID == p.CheckoutSHA {
			ev.CommitMessage = c.Message
			ev.CommitAuthor = c.Author.Name
		}
	}
	return ev
}

// normalizeGitLabAction maps GitLab's merge request actions onto the
// four the preview lifecycle understands. GitLab reports both code
// pushes and metadata edits as "update"; oldrev is only present when
// the source branch moved.
func normalizeGitLabAction(action, oldrev string) (string, bool) {
	switch action {
	case "open", "reopen":
		return "opened", true
	case "update":
		if oldrev != "" {
			return "synchronize", true
		}
		return "edited", true
	case "close", "merge":
		return "closed", true
	default:
		return "", false
	}
}
