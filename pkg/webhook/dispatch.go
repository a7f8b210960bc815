package webhook

import (
	"context"
	"errors"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/zane-ops/zane/pkg/git"
	"github.com/zane-ops/zane/pkg/log"
	"github.com/zane-ops/zane/pkg/manager"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
	"github.com/zane-ops/zane/pkg/zerrors"
)

// pushEvent is the provider-independent shape of a push delivery.
type pushEvent struct {
	App     *types.GitApp
	Ref     string
	RepoURL string

	// CommitSHA is empty when the provider omitted the head commit
	// (force pushes); the planner then resolves the branch head itself.
	CommitSHA     string
	CommitMessage string
	CommitAuthor  string

	ChangedPaths []string
	Deleted      bool
}

// prEvent is the provider-independent shape of a pull request
// delivery. Action is normalized to opened, synchronize, edited or
// closed before dispatch.
type prEvent struct {
	App           *types.GitApp
	Action        string
	Number        int
	Title         string
	Author        string
	HeadBranch    string
	HeadSHA       string
	HeadRepoURL   string
	BaseRepoURL   string
	CommitMessage string
	ExternalURL   string
}

// queuedDeployment names one deployment a delivery produced.
type queuedDeployment struct {
	Service string `json:"service"`
	Hash    string `json:"hash"`
}

// dispatchPush deploys every service bound to the pushed repository
// and branch. The returned reason is set when the delivery as a whole
// was ignored; per-service skips (watch paths) are not reasons.
func (s *Server) dispatchPush(ctx context.Context, ev *pushEvent) ([]queuedDeployment, string, error) {
	branch, ok := branchOf(ev.Ref)
	if !ok {
		return nil, "ref is not a branch", nil
	}
	if ev.Deleted {
		return nil, "branch was deleted", nil
	}

	suppressed, err := s.branchHasOpenPreview(ev.RepoURL, branch)
	if err != nil {
		return nil, "", err
	}
	if suppressed {
		return nil, "branch is the head of an open pull request", nil
	}

	candidates, err := s.matchPushServices(ev.App.ID, ev.RepoURL, branch)
	if err != nil {
		return nil, "", err
	}

	var queued []queuedDeployment
	for _, svc := range candidates {
		slog := log.WithService(s.log, svc.ID)
		if !watchPathsMatch(svc.WatchPaths, ev.ChangedPaths) {
			slog.Debug().Str("watch_paths", svc.WatchPaths).
				Msg("push touches nothing inside the watch paths, skipping")
			continue
		}
		d, err := s.manager.PrepareNewDeployment(ctx, svc.ID, manager.DeployOptions{
			Trigger:       types.TriggerAuto,
			CommitSHA:     ev.CommitSHA,
			CommitMessage: ev.CommitMessage,
			CommitAuthor:  ev.CommitAuthor,
			CleanupQueue:  svc.CleanupQueueOnAutoDeploy,
		})
		if err != nil {
			slog.Error().Err(err).Msg("failed to queue an auto deployment")
			continue
		}
		queued = append(queued, queuedDeployment{Service: svc.Slug, Hash: d.Hash})
	}
	return queued, "", nil
}

// dispatchPullRequest routes a pull request delivery to the preview
// lifecycle of every service bound to the target repository. It
// returns how many previews were touched.
func (s *Server) dispatchPullRequest(ctx context.Context, ev *prEvent) (int, error) {
	services, err := s.matchRepositoryServices(ev.App.ID, ev.BaseRepoURL)
	if err != nil {
		return 0, err
	}

	touched := 0
	for _, svc := range services {
		var err error
		switch ev.Action {
		case "opened":
			_, err = s.manager.CreatePreviewEnvironment(ctx, manager.PreviewInput{
				ServiceID:   svc.ID,
				Trigger:     types.PreviewTriggerPullRequest,
				PRNumber:    ev.Number,
				PRTitle:     ev.Title,
				PRAuthor:    ev.Author,
				BranchName:  ev.HeadBranch,
				HeadRepoURL: ev.HeadRepoURL,
				BaseRepoURL: ev.BaseRepoURL,
				CommitSHA:   ev.HeadSHA,
				GitAppID:    ev.App.ID,
				ExternalURL: ev.ExternalURL,
			})
		case "synchronize":
			err = s.syncPreview(ctx, svc.ID, ev)
		case "edited":
			err = s.editPreview(ctx, svc.ID, ev)
		case "closed":
			err = s.manager.ArchivePreviewForPR(ctx, svc.ID, ev.Number)
		default:
			continue
		}

		switch {
		case err == nil:
			touched++
		case errors.Is(err, zerrors.ErrNotFound):
			// no preview exists for this service and PR; nothing to do
		default:
			s.log.Error().Err(err).Str("service", svc.ID).Int("pr", ev.Number).
				Str("action", ev.Action).Msg("pull request dispatch failed")
		}
	}
	return touched, nil
}

func (s *Server) syncPreview(ctx context.Context, serviceID string, ev *prEvent) error {
	env, err := s.findPreview(serviceID, ev.Number)
	if err != nil {
		return err
	}
	return s.manager.SyncPreview(ctx, env.ID, ev.HeadSHA, ev.CommitMessage, ev.Author)
}

func (s *Server) editPreview(ctx context.Context, serviceID string, ev *prEvent) error {
	env, err := s.findPreview(serviceID, ev.Number)
	if err != nil {
		return err
	}
	_, err = s.manager.UpdatePreviewMetadata(ctx, env.ID, func(p *types.PreviewMetadata) {
		if ev.Title != "" {
			p.PRTitle = ev.Title
		}
	})
	return err
}

func (s *Server) findPreview(serviceID string, prNumber int) (*types.Environment, error) {
	var env *types.Environment
	err := s.store.View(func(tx *storage.Tx) (err error) {
		env, err = tx.FindPreviewEnvironment(serviceID, prNumber)
		return
	})
	return env, err
}

// matchPushServices selects the auto-deploy services bound to a
// repository branch through the delivering app. Preview clones never
// match: they are created with auto-deploy off.
func (s *Server) matchPushServices(appID, repoURL, branch string) ([]*types.Service, error) {
	repo := git.NormalizeRepoURL(repoURL)
	var matched []*types.Service
	err := s.store.View(func(tx *storage.Tx) error {
		services, err := tx.ListServices()
		if err != nil {
			return err
		}
		for _, svc := range services {
			if svc.Kind != types.ServiceKindGit || svc.Repository == nil || !svc.AutoDeploy {
				continue
			}
			if svc.Repository.GitAppID != appID {
				continue
			}
			if svc.Repository.Branch != branch || git.NormalizeRepoURL(svc.Repository.URL) != repo {
				continue
			}
			matched = append(matched, svc)
		}
		return nil
	})
	return matched, err
}

// matchRepositoryServices selects the git services bound to a
// repository through the delivering app, regardless of branch.
// Pull requests are keyed on the repository they target, so branch
// does not narrow the match; services living in preview environments
// are excluded so a pull request never previews another preview's
// clones.
func (s *Server) matchRepositoryServices(appID, repoURL string) ([]*types.Service, error) {
	repo := git.NormalizeRepoURL(repoURL)
	var matched []*types.Service
	err := s.store.View(func(tx *storage.Tx) error {
		services, err := tx.ListServices()
		if err != nil {
			return err
		}
		for _, svc := range services {
			if svc.Kind != types.ServiceKindGit || svc.Repository == nil {
				continue
			}
			if svc.Repository.GitAppID != appID || git.NormalizeRepoURL(svc.Repository.URL) != repo {
				continue
			}
			env, err := tx.GetEnvironment(svc.EnvironmentID)
			if err != nil {
				return err
			}
			if env.IsPreview {
				continue
			}
			matched = append(matched, svc)
		}
		return nil
	})
	return matched, err
}

// branchHasOpenPreview reports whether the pushed branch is the head
// of an open pull request. Archived previews are deleted, so presence
// of the environment is presence of the PR.
func (s *Server) branchHasOpenPreview(repoURL, branch string) (bool, error) {
	repo := git.NormalizeRepoURL(repoURL)
	var found bool
	err := s.store.View(func(tx *storage.Tx) error {
		previews, err := tx.ListPreviewEnvironments()
		if err != nil {
			return err
		}
		for _, env := range previews {
			p := env.Preview
			if p.BranchName == branch && git.NormalizeRepoURL(p.HeadRepositoryURL) == repo {
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}

func branchOf(ref string) (string, bool) {
	const prefix = "refs/heads/"
	if !strings.HasPrefix(ref, prefix) {
		return "", false
	}
	return strings.TrimPrefix(ref, prefix), true
}

// watchPathsMatch applies the service's watch-paths filter: a
// comma-separated list of globs over the files the push touched. An
// empty filter matches everything, and a delivery without file
// information (force pushes) deploys rather than silently dropping
// the push.
func watchPathsMatch(watchPaths string, files []string) bool {
	if watchPaths == "" || len(files) == 0 {
		return true
	}
	var patterns []string
	for _, p := range strings.Split(watchPaths, ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	if len(patterns) == 0 {
		return true
	}
	for _, f := range files {
		for _, p := range patterns {
			if ok, err := doublestar.Match(p, f); err == nil && ok {
				return true
			}
		}
	}
	return false
}
