package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zane-ops/zane/pkg/git"
	"github.com/zane-ops/zane/pkg/metrics"
	"github.com/zane-ops/zane/pkg/security"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
	"github.com/zane-ops/zane/pkg/zerrors"
)

// PreviewInput describes the pull request (or API call) a preview
// environment is created for.
type PreviewInput struct {
	ServiceID    string
	Trigger      types.PreviewSourceTrigger
	PRNumber     int
	PRTitle      string
	PRAuthor     string
	BranchName   string
	HeadRepoURL  string
	BaseRepoURL  string
	CommitSHA    string
	GitAppID     string
	ExternalURL  string
	TemplateSlug string // empty picks the project default
}

// CreatePreviewEnvironment builds a preview environment around the pull
// request's service: the service is cloned into a fresh environment
// along with any template sidecars. Pull requests from forks start
// PENDING and deploy nothing until a reviewer approves; everything else
// deploys immediately. Reopening the same PR returns the existing
// environment.
func (m *Manager) CreatePreviewEnvironment(ctx context.Context, in PreviewInput) (*types.Environment, error) {
	if in.Trigger == "" {
		in.Trigger = types.PreviewTriggerPullRequest
	}

	var env *types.Environment
	err := m.store.Update(func(tx *storage.Tx) error {
		svc, err := tx.GetService(in.ServiceID)
		if err != nil {
			return err
		}

		if existing, err := tx.FindPreviewEnvironment(svc.ID, in.PRNumber); err == nil {
			env = existing
			return nil
		} else if !errors.Is(err, zerrors.ErrNotFound) {
			return err
		}

		project, err := tx.GetProject(svc.ProjectID)
		if err != nil {
			return err
		}

		fork := in.HeadRepoURL != "" && in.BaseRepoURL != "" &&
			git.NormalizeRepoURL(in.HeadRepoURL) != git.NormalizeRepoURL(in.BaseRepoURL)
		state := types.PreviewDeployApproved
		if fork {
			state = types.PreviewDeployPending
		}

		tpl, err := previewTemplateFor(tx, project.ID, in.TemplateSlug)
		if err != nil {
			return err
		}

		name, err := previewEnvName(tx, project.ID, svc.Slug, in)
		if err != nil {
			return err
		}

		templateSlug := ""
		if tpl != nil {
			templateSlug = tpl.Slug
		}
		env = &types.Environment{
			ID:        types.NewID(types.PrefixEnvironment),
			ProjectID: project.ID,
			Name:      name,
			IsPreview: true,
			Preview: &types.PreviewMetadata{
				SourceTrigger:     in.Trigger,
				PRNumber:          in.PRNumber,
				PRTitle:           in.PRTitle,
				PRAuthor:          in.PRAuthor,
				BranchName:        in.BranchName,
				HeadRepositoryURL: in.HeadRepoURL,
				BaseRepositoryURL: in.BaseRepoURL,
				CommitSHA:         in.CommitSHA,
				DeployState:       state,
				ServiceID:         svc.ID,
				GitAppID:          in.GitAppID,
				TemplateSlug:      templateSlug,
				ExternalURL:       in.ExternalURL,
			},
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.CreateEnvironment(env); err != nil {
			return err
		}

		cloned, err := m.cloneServicesForPreview(tx, env, svc, tpl, in)
		if err != nil {
			return err
		}

		if state == types.PreviewDeployApproved {
			for _, clone := range cloned {
				opts := DeployOptions{Trigger: types.TriggerAuto}
				if previewTargetsService(env.Preview, clone) {
					opts.CommitSHA = in.CommitSHA
					opts.CommitMessage = in.PRTitle
					opts.CommitAuthor = in.PRAuthor
				}
				if _, err := m.planDeployment(ctx, tx, clone, opts); err != nil {
					return err
				}
			}
		}

		created := env
		clones := cloned
		tx.OnCommit(func() {
			metrics.EnvironmentsTotal.WithLabelValues("preview").Inc()
			for _, c := range clones {
				metrics.ServicesTotal.WithLabelValues(string(c.Kind)).Inc()
			}
			m.broker.Publish(&types.Event{
				Type:          types.EventPreviewCreated,
				ProjectID:     created.ProjectID,
				EnvironmentID: created.ID,
				ServiceID:     created.Preview.ServiceID,
				Message:       fmt.Sprintf("preview environment %s created for PR #%d", created.Name, in.PRNumber),
			})
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// previewEnvName derives the environment name from the PR number and
// service slug, with a random suffix only on collision.
func previewEnvName(tx *storage.Tx, projectID, serviceSlug string, in PreviewInput) (string, error) {
	kind := "pr"
	if in.GitAppID != "" {
		if app, err := tx.GetGitApp(in.GitAppID); err == nil && app.Kind == types.GitAppGitLab {
			kind = "mr"
		}
	}
	name := fmt.Sprintf("preview-%s-%d-%s", kind, in.PRNumber, serviceSlug)

	_, err := tx.GetEnvironmentByName(projectID, name)
	if errors.Is(err, zerrors.ErrNotFound) {
		return name, nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", name, types.NewDeploymentHash()[:5]), nil
}

// previewTemplateFor picks the named template, falling back to the
// project default. No template at all is fine: the preview then holds
// only the PR service.
func previewTemplateFor(tx *storage.Tx, projectID, slug string) (*types.PreviewTemplate, error) {
	templates, err := tx.ListPreviewTemplatesByProject(projectID)
	if err != nil {
		return nil, err
	}
	if slug != "" {
		for _, tpl := range templates {
			if tpl.Slug == slug {
				return tpl, nil
			}
		}
		return nil, zerrors.NotFoundf("preview template %s", slug)
	}
	for _, tpl := range templates {
		if tpl.IsDefault {
			return tpl, nil
		}
	}
	return nil, nil
}

// cloneServicesForPreview copies the PR service plus any template
// sidecars into the preview environment.
func (m *Manager) cloneServicesForPreview(tx *storage.Tx, env *types.Environment, prService *types.Service, tpl *types.PreviewTemplate, in PreviewInput) ([]*types.Service, error) {
	sources := []*types.Service{prService}
	if tpl != nil {
		for _, id := range tpl.CloneServiceIDs {
			if id == prService.ID {
				continue
			}
			sidecar, err := tx.GetService(id)
			if err != nil {
				if errors.Is(err, zerrors.ErrNotFound) {
					m.log.Warn().Str("service", id).Str("template", tpl.Slug).Msg("preview template references a missing service, skipping")
					continue
				}
				return nil, err
			}
			sources = append(sources, sidecar)
		}
	}

	var cloned []*types.Service
	for _, src := range sources {
		clone, err := m.cloneService(src, env)
		if err != nil {
			return nil, err
		}
		if src.ID == prService.ID {
			pointCloneAtPR(clone, in)
		}
		if err := tx.CreateService(clone); err != nil {
			return nil, err
		}
		cloned = append(cloned, clone)
	}
	return cloned, nil
}

// cloneService copies one service into the preview environment. Clones
// get fresh identities, deploy tokens and volume/config names so their
// runtime resources never collide with the source's. Host ports are
// dropped (the source still binds them) and user URLs are replaced by
// a single generated domain; auto deploy stays off so preview deploys
// only flow through PR events.
func (m *Manager) cloneService(src *types.Service, env *types.Environment) (*types.Service, error) {
	token, err := security.GenerateDeployToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate deploy token: %w", err)
	}
	now := time.Now().UTC()

	clone := &types.Service{
		ID:             types.NewID(types.PrefixService),
		ProjectID:      src.ProjectID,
		EnvironmentID:  env.ID,
		Slug:           src.Slug,
		Kind:           src.Kind,
		Image:          src.Image,
		Credentials:    src.Credentials,
		Command:        src.Command,
		Healthcheck:    src.Healthcheck,
		ResourceLimits: src.ResourceLimits,
		DeployToken:    token,
		AutoDeploy:     false,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	clone.NetworkAlias = types.NetworkAliasFor(clone.Slug, clone.ID)

	if src.Repository != nil {
		repo := *src.Repository
		clone.Repository = &repo
	}
	if src.Builder != nil {
		b := *src.Builder
		clone.Builder = &b
	}
	for _, v := range src.Volumes {
		vol := *v
		vol.ID = types.NewID(types.PrefixVolume)
		vol.Name = types.UnprefixedID(vol.ID)
		vol.CreatedAt = now
		clone.Volumes = append(clone.Volumes, &vol)
	}
	for _, c := range src.Configs {
		cfg := *c
		cfg.ID = types.NewID(types.PrefixConfig)
		cfg.Name = types.UnprefixedID(cfg.ID)
		cfg.Version = 1
		cfg.CreatedAt = now
		clone.Configs = append(clone.Configs, &cfg)
	}
	for _, e := range src.EnvVariables {
		ev := *e
		ev.ID = types.NewID(types.PrefixEnvVar)
		clone.EnvVariables = append(clone.EnvVariables, &ev)
	}

	if port := firstExposedPort(src.URLs); port > 0 {
		clone.URLs = []*types.URL{{
			ID:             types.NewID(types.PrefixURL),
			Domain:         fmt.Sprintf("%s-%s.%s", clone.Slug, env.Name, m.cfg.RootDomain),
			BasePath:       "/",
			AssociatedPort: port,
		}}
	}
	return clone, nil
}

func firstExposedPort(urls []*types.URL) int {
	for _, u := range urls {
		if u.AssociatedPort > 0 {
			return u.AssociatedPort
		}
	}
	return 0
}

// pointCloneAtPR retargets the PR service clone at the pull request's
// head: the fork's repository for fork PRs and the PR branch in all
// cases. The commit stays HEAD so synchronize events only need a
// redeploy; the exact SHA is pinned per deployment.
func pointCloneAtPR(clone *types.Service, in PreviewInput) {
	if clone.Repository == nil {
		return
	}
	if in.HeadRepoURL != "" {
		clone.Repository.URL = in.HeadRepoURL
	}
	if in.BranchName != "" {
		clone.Repository.Branch = in.BranchName
	}
	clone.Repository.CommitSHA = "HEAD"
}

// previewTargetsService reports whether svc is the clone built from the
// pull request's repository and branch, as opposed to a sidecar.
func previewTargetsService(meta *types.PreviewMetadata, svc *types.Service) bool {
	if svc.Repository == nil || svc.Repository.Branch != meta.BranchName {
		return false
	}
	if meta.HeadRepositoryURL != "" {
		return git.NormalizeRepoURL(svc.Repository.URL) == git.NormalizeRepoURL(meta.HeadRepositoryURL)
	}
	return git.NormalizeRepoURL(svc.Repository.URL) == git.NormalizeRepoURL(meta.BaseRepositoryURL)
}

// SyncPreview records a new head commit on the preview and, when the
// preview is approved, redeploys its services at that commit. PENDING
// previews only update metadata.
func (m *Manager) SyncPreview(ctx context.Context, environmentID, commitSHA, commitMessage, commitAuthor string) error {
	return m.store.Update(func(tx *storage.Tx) error {
		env, err := tx.GetEnvironment(environmentID)
		if err != nil {
			return err
		}
		if !env.IsPreview || env.Preview == nil {
			return zerrors.Conflictf("environment %s is not a preview", environmentID)
		}
		if commitSHA != "" {
			env.Preview.CommitSHA = commitSHA
		}
		if err := tx.UpdateEnvironment(env); err != nil {
			return err
		}
		if env.Preview.DeployState != types.PreviewDeployApproved {
			return nil
		}

		services, err := tx.ListServicesByEnvironment(env.ID)
		if err != nil {
			return err
		}
		for _, svc := range services {
			opts := DeployOptions{Trigger: types.TriggerAuto}
			if previewTargetsService(env.Preview, svc) {
				opts.CommitSHA = commitSHA
				opts.CommitMessage = commitMessage
				opts.CommitAuthor = commitAuthor
			}
			if _, err := m.planDeployment(ctx, tx, svc, opts); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdatePreviewMetadata applies an in-place edit to the preview's PR
// fields, for webhook edited events. No deployment is triggered.
func (m *Manager) UpdatePreviewMetadata(ctx context.Context, environmentID string, mutate func(*types.PreviewMetadata)) (*types.Environment, error) {
	var env *types.Environment
	err := m.store.Update(func(tx *storage.Tx) error {
		e, err := tx.GetEnvironment(environmentID)
		if err != nil {
			return err
		}
		if !e.IsPreview || e.Preview == nil {
			return zerrors.Conflictf("environment %s is not a preview", environmentID)
		}
		mutate(e.Preview)
		env = e
		return tx.UpdateEnvironment(e)
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// ReviewPreviewDeploy resolves the fork-approval gate: accepting
// deploys every service in the preview, declining archives it.
func (m *Manager) ReviewPreviewDeploy(ctx context.Context, environmentID string, accept bool) error {
	if accept {
		return m.approvePreview(ctx, environmentID)
	}
	return m.declinePreview(ctx, environmentID)
}

func (m *Manager) approvePreview(ctx context.Context, environmentID string) error {
	return m.store.Update(func(tx *storage.Tx) error {
		env, err := m.pendingPreview(tx, environmentID)
		if err != nil {
			return err
		}
		env.Preview.DeployState = types.PreviewDeployApproved
		if err := tx.UpdateEnvironment(env); err != nil {
			return err
		}

		services, err := tx.ListServicesByEnvironment(env.ID)
		if err != nil {
			return err
		}
		for _, svc := range services {
			opts := DeployOptions{Trigger: types.TriggerAuto}
			if previewTargetsService(env.Preview, svc) {
				opts.CommitSHA = env.Preview.CommitSHA
				opts.CommitMessage = env.Preview.PRTitle
				opts.CommitAuthor = env.Preview.PRAuthor
			}
			if _, err := m.planDeployment(ctx, tx, svc, opts); err != nil {
				return err
			}
		}

		approved := env
		tx.OnCommit(func() {
			m.broker.Publish(&types.Event{
				Type:          types.EventPreviewApproved,
				ProjectID:     approved.ProjectID,
				EnvironmentID: approved.ID,
				ServiceID:     approved.Preview.ServiceID,
				Message:       fmt.Sprintf("preview environment %s approved for deploy", approved.Name),
			})
		})
		return nil
	})
}

func (m *Manager) declinePreview(ctx context.Context, environmentID string) error {
	return m.store.Update(func(tx *storage.Tx) error {
		env, err := m.pendingPreview(tx, environmentID)
		if err != nil {
			return err
		}
		project, err := tx.GetProject(env.ProjectID)
		if err != nil {
			return err
		}

		payload, toSignal, err := m.archiveEnvironmentInTx(tx, project, env)
		if err != nil {
			return err
		}
		m.scheduleArchive(ctx, tx, payload, toSignal)

		declined := env
		tx.OnCommit(func() {
			m.broker.Publish(&types.Event{
				Type:          types.EventPreviewDeclined,
				ProjectID:     declined.ProjectID,
				EnvironmentID: declined.ID,
				ServiceID:     declined.Preview.ServiceID,
				Message:       fmt.Sprintf("preview environment %s declined", declined.Name),
			})
		})
		return nil
	})
}

func (m *Manager) pendingPreview(tx *storage.Tx, environmentID string) (*types.Environment, error) {
	env, err := tx.GetEnvironment(environmentID)
	if err != nil {
		return nil, err
	}
	if !env.IsPreview || env.Preview == nil {
		return nil, zerrors.Conflictf("environment %s is not a preview", environmentID)
	}
	if env.Preview.DeployState != types.PreviewDeployPending {
		return nil, zerrors.Conflictf("preview %s is already %s", env.Name, env.Preview.DeployState)
	}
	return env, nil
}

// CreatePreviewTemplate registers a preview recipe: the sidecar
// services cloned next to the PR service whenever a preview is created
// for this project.
func (m *Manager) CreatePreviewTemplate(ctx context.Context, projectID, slug string, cloneServiceIDs []string, isDefault bool) (*types.PreviewTemplate, error) {
	if err := validateSlug("slug", slug); err != nil {
		return nil, err
	}

	tpl := &types.PreviewTemplate{
		ID:              types.NewID(types.PrefixTemplate),
		ProjectID:       projectID,
		Slug:            slug,
		CloneServiceIDs: cloneServiceIDs,
		IsDefault:       isDefault,
		CreatedAt:       time.Now().UTC(),
	}

	err := m.store.Update(func(tx *storage.Tx) error {
		if _, err := tx.GetProject(projectID); err != nil {
			return err
		}
		existing, err := tx.ListPreviewTemplatesByProject(projectID)
		if err != nil {
			return err
		}
		for _, t := range existing {
			if t.Slug == slug {
				return zerrors.Conflictf("preview template %q already exists", slug)
			}
			if isDefault && t.IsDefault {
				return zerrors.Conflictf("project already has a default preview template (%s)", t.Slug)
			}
		}
		for _, id := range cloneServiceIDs {
			if _, err := tx.GetService(id); err != nil {
				return err
			}
		}
		env, err := tx.GetEnvironmentByName(projectID, types.ProductionEnv)
		if err != nil {
			return err
		}
		tpl.BaseEnvironmentID = env.ID
		return tx.CreatePreviewTemplate(tpl)
	})
	if err != nil {
		return nil, err
	}
	return tpl, nil
}
