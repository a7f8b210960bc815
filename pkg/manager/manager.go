package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/zane-ops/zane/pkg/cache"
	"github.com/zane-ops/zane/pkg/changes"
	"github.com/zane-ops/zane/pkg/config"
	"github.com/zane-ops/zane/pkg/events"
	"github.com/zane-ops/zane/pkg/git"
	"github.com/zane-ops/zane/pkg/gitapp"
	"github.com/zane-ops/zane/pkg/log"
	"github.com/zane-ops/zane/pkg/metrics"
	"github.com/zane-ops/zane/pkg/security"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
	"github.com/zane-ops/zane/pkg/zerrors"
)

// WorkflowRunner starts and signals the durable workflows that carry
// out deployments, archives and sleep/wake toggles. The temporal-backed
// implementation lives in pkg/workflows; the manager only depends on
// this interface.
type WorkflowRunner interface {
	StartDeployment(ctx context.Context, d *types.Deployment) error
	SignalCancel(ctx context.Context, workflowID string) error
	StartArchive(ctx context.Context, payload *ArchivePayload) error
	StartToggle(ctx context.Context, payload *TogglePayload) error
}

// ArchivePayload is the input of the cleanup workflow. It is frozen in
// the archiving transaction because the rows it describes are deleted
// by that same transaction.
type ArchivePayload struct {
	WorkflowID string
	Services   []ServiceCleanup

	// NetworkName is set only when a whole project is archived; the
	// cleanup workflow removes the overlay network last.
	NetworkName string
}

// ServiceCleanup names every runtime resource one archived service may
// still hold.
type ServiceCleanup struct {
	Snapshot    *types.ServiceSnapshot
	Deployments []DeploymentCleanup
}

// DeploymentCleanup identifies the runtime service and the ephemeral
// proxy routes of one deployment.
type DeploymentCleanup struct {
	Hash  string
	Ports []int
}

// TogglePayload is the input of the sleep/wake workflow.
type TogglePayload struct {
	WorkflowID string
	ServiceID  string
	Hash       string
	Sleep      bool
}

// Options wire the manager's collaborators.
type Options struct {
	Store   storage.Store
	Cache   *cache.Cache
	Broker  *events.Broker
	Runner  WorkflowRunner
	GitApps *gitapp.Service
	Secrets *security.SecretsManager
	Config  *config.Config
}

// Manager owns every control plane mutation: entity CRUD, the change
// log, deployment planning, cancellation, previews and archiving.
type Manager struct {
	store   storage.Store
	cache   *cache.Cache
	broker  *events.Broker
	runner  WorkflowRunner
	gitapps *gitapp.Service
	secrets *security.SecretsManager
	cfg     *config.Config
	log     zerolog.Logger

	// resolveHead is swapped in tests to avoid network access.
	resolveHead func(ctx context.Context, url, branch string) (string, error)
}

// New builds a manager from its collaborators.
func New(opts Options) *Manager {
	return &Manager{
		store:       opts.Store,
		cache:       opts.Cache,
		broker:      opts.Broker,
		runner:      opts.Runner,
		gitapps:     opts.GitApps,
		secrets:     opts.Secrets,
		cfg:         opts.Config,
		log:         log.WithComponent("manager"),
		resolveHead: git.ResolveBranchHead,
	}
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

func validateSlug(field, slug string) error {
	if !slugPattern.MatchString(slug) {
		return zerrors.Validationf(field, "%q is not a valid slug", slug)
	}
	return nil
}

// CreateProject creates a project together with its implicit
// production environment.
func (m *Manager) CreateProject(ctx context.Context, slug, description string) (*types.Project, error) {
	if err := validateSlug("slug", slug); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	project := &types.Project{
		ID:          types.NewID(types.PrefixProject),
		Slug:        slug,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := m.store.Update(func(tx *storage.Tx) error {
		if _, err := tx.GetProjectBySlug(slug); err == nil {
			return zerrors.Conflictf("project %q already exists", slug)
		} else if !errors.Is(err, zerrors.ErrNotFound) {
			return err
		}
		if err := tx.CreateProject(project); err != nil {
			return err
		}
		return tx.CreateEnvironment(&types.Environment{
			ID:        types.NewID(types.PrefixEnvironment),
			ProjectID: project.ID,
			Name:      types.ProductionEnv,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.ProjectsTotal.Inc()
	metrics.EnvironmentsTotal.WithLabelValues("standard").Inc()
	m.log.Info().Str("project", slug).Msg("project created")
	return project, nil
}

// UpdateProject changes the project description.
func (m *Manager) UpdateProject(ctx context.Context, projectID, description string) (*types.Project, error) {
	var project *types.Project
	err := m.store.Update(func(tx *storage.Tx) error {
		p, err := tx.GetProject(projectID)
		if err != nil {
			return err
		}
		p.Description = description
		p.UpdatedAt = time.Now().UTC()
		project = p
		return tx.UpdateProject(p)
	})
	return project, err
}

// CreateEnvironment adds a named environment to the project.
func (m *Manager) CreateEnvironment(ctx context.Context, projectID, name string) (*types.Environment, error) {
	if err := validateSlug("name", name); err != nil {
		return nil, err
	}

	env := &types.Environment{
		ID:        types.NewID(types.PrefixEnvironment),
		ProjectID: projectID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	err := m.store.Update(func(tx *storage.Tx) error {
		if _, err := tx.GetProject(projectID); err != nil {
			return err
		}
		if _, err := tx.GetEnvironmentByName(projectID, name); err == nil {
			return zerrors.Conflictf("environment %q already exists", name)
		} else if !errors.Is(err, zerrors.ErrNotFound) {
			return err
		}
		return tx.CreateEnvironment(env)
	})
	if err != nil {
		return nil, err
	}

	metrics.EnvironmentsTotal.WithLabelValues("standard").Inc()
	return env, nil
}

// CreateServiceInput carries the initial source of a new service. The
// source is not written to the row: it is staged as pending changes so
// the first deployment folds it in through the same path as any later
// edit.
type CreateServiceInput struct {
	ProjectID     string
	EnvironmentID string // empty targets the production environment
	Slug          string
	Kind          types.ServiceKind

	// Image services.
	Image       string
	Credentials *types.RegistryCredentials

	// Git services.
	RepositoryURL string
	Branch        string
	CommitSHA     string
	GitAppID      string
	Builder       *types.BuilderConfig
}

// CreateService registers a service and stages its source on the
// change log.
func (m *Manager) CreateService(ctx context.Context, in CreateServiceInput) (*types.Service, error) {
	if err := validateSlug("slug", in.Slug); err != nil {
		return nil, err
	}
	switch in.Kind {
	case types.ServiceKindImage:
		if in.Image == "" {
			return nil, zerrors.Validationf("image", "image services need an image reference")
		}
	case types.ServiceKindGit:
		if in.RepositoryURL == "" || in.Branch == "" {
			return nil, zerrors.Validationf("repository", "git services need a repository url and branch")
		}
	default:
		return nil, zerrors.Validationf("kind", "unknown service kind %q", in.Kind)
	}

	token, err := security.GenerateDeployToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate deploy token: %w", err)
	}

	now := time.Now().UTC()
	svc := &types.Service{
		ID:          types.NewID(types.PrefixService),
		ProjectID:   in.ProjectID,
		Slug:        in.Slug,
		Kind:        in.Kind,
		DeployToken: token,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	svc.NetworkAlias = types.NetworkAliasFor(in.Slug, svc.ID)

	err = m.store.Update(func(tx *storage.Tx) error {
		project, err := tx.GetProject(in.ProjectID)
		if err != nil {
			return err
		}
		env, err := environmentFor(tx, project, in.EnvironmentID)
		if err != nil {
			return err
		}
		svc.EnvironmentID = env.ID

		if _, err := tx.GetServiceBySlug(env.ID, in.Slug); err == nil {
			return zerrors.Conflictf("service %q already exists in environment %s", in.Slug, env.Name)
		} else if !errors.Is(err, zerrors.ErrNotFound) {
			return err
		}
		if err := tx.CreateService(svc); err != nil {
			return err
		}
		return stageInitialSource(tx, svc, in)
	})
	if err != nil {
		return nil, err
	}

	metrics.ServicesTotal.WithLabelValues(string(in.Kind)).Inc()
	m.log.Info().Str("service", svc.Slug).Str("kind", string(in.Kind)).Msg("service created")
	return svc, nil
}

// environmentFor resolves the target environment, defaulting to the
// project's production environment.
func environmentFor(tx *storage.Tx, project *types.Project, envID string) (*types.Environment, error) {
	if envID == "" {
		return tx.GetEnvironmentByName(project.ID, types.ProductionEnv)
	}
	env, err := tx.GetEnvironment(envID)
	if err != nil {
		return nil, err
	}
	if env.ProjectID != project.ID {
		return nil, zerrors.NotFoundf("environment %s in project %s", envID, project.Slug)
	}
	return env, nil
}

func stageInitialSource(tx *storage.Tx, svc *types.Service, in CreateServiceInput) error {
	switch in.Kind {
	case types.ServiceKindImage:
		value, err := json.Marshal(&types.SourceValue{Image: in.Image, Credentials: in.Credentials})
		if err != nil {
			return err
		}
		return changes.AddChange(tx, svc, &types.DeploymentChange{
			Field:    types.FieldSource,
			Type:     types.ChangeTypeUpdate,
			NewValue: value,
		})

	case types.ServiceKindGit:
		value, err := json.Marshal(&types.GitSourceValue{
			RepositoryURL: in.RepositoryURL,
			Branch:        in.Branch,
			CommitSHA:     in.CommitSHA,
			GitAppID:      in.GitAppID,
		})
		if err != nil {
			return err
		}
		if err := changes.AddChange(tx, svc, &types.DeploymentChange{
			Field:    types.FieldGitSource,
			Type:     types.ChangeTypeUpdate,
			NewValue: value,
		}); err != nil {
			return err
		}

		builderCfg := in.Builder
		if builderCfg == nil {
			builderCfg = &types.BuilderConfig{Kind: types.BuilderDockerfile}
		}
		builderValue, err := json.Marshal(builderCfg)
		if err != nil {
			return err
		}
		return changes.AddChange(tx, svc, &types.DeploymentChange{
			Field:    types.FieldBuilder,
			Type:     types.ChangeTypeUpdate,
			NewValue: builderValue,
		})
	}
	return nil
}

// RegenerateDeployToken replaces the service's deploy token. The old
// token stops working the moment the transaction commits.
func (m *Manager) RegenerateDeployToken(ctx context.Context, serviceID string) (string, error) {
	token, err := security.GenerateDeployToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate deploy token: %w", err)
	}
	err = m.store.Update(func(tx *storage.Tx) error {
		svc, err := tx.GetService(serviceID)
		if err != nil {
			return err
		}
		svc.DeployToken = token
		svc.UpdatedAt = time.Now().UTC()
		return tx.UpdateService(svc)
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// RequestChange validates and stages one change on the service's
// change log. URL and healthcheck payloads that leave the port unset
// are defaulted to the first port detected on the service's image,
// when the cache still holds one.
func (m *Manager) RequestChange(ctx context.Context, serviceID string, change *types.DeploymentChange) (*types.DeploymentChange, error) {
	m.defaultPortFromCache(ctx, serviceID, change)

	err := m.store.Update(func(tx *storage.Tx) error {
		svc, err := tx.GetService(serviceID)
		if err != nil {
			return err
		}
		return changes.AddChange(tx, svc, change)
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

// CancelChange removes a pending change, provided the remaining log
// still projects to a valid service.
func (m *Manager) CancelChange(ctx context.Context, serviceID, changeID string) error {
	return m.store.Update(func(tx *storage.Tx) error {
		svc, err := tx.GetService(serviceID)
		if err != nil {
			return err
		}
		return changes.CancelChange(tx, svc, changeID)
	})
}

// defaultPortFromCache fills unset associated ports from the
// detected-ports cache. Best effort: misses and errors leave the
// payload alone and schema validation reports the gap instead.
func (m *Manager) defaultPortFromCache(ctx context.Context, serviceID string, change *types.DeploymentChange) {
	if change.Type == types.ChangeTypeDelete || len(change.NewValue) == 0 {
		return
	}
	switch change.Field {
	case types.FieldURLs:
		var v types.URL
		if err := json.Unmarshal(change.NewValue, &v); err != nil || v.AssociatedPort != 0 || v.RedirectTo != nil {
			return
		}
		port, ok := m.firstDetectedPort(ctx, serviceID)
		if !ok {
			return
		}
		v.AssociatedPort = port
		change.NewValue, _ = json.Marshal(&v)

	case types.FieldHealthcheck:
		var v types.Healthcheck
		if err := json.Unmarshal(change.NewValue, &v); err != nil || v.Type != types.HealthcheckPath || v.AssociatedPort != 0 {
			return
		}
		port, ok := m.firstDetectedPort(ctx, serviceID)
		if !ok {
			return
		}
		v.AssociatedPort = port
		change.NewValue, _ = json.Marshal(&v)
	}
}

func (m *Manager) firstDetectedPort(ctx context.Context, serviceID string) (int, bool) {
	if m.cache == nil {
		return 0, false
	}
	ports, ok, err := m.cache.GetDetectedPorts(ctx, serviceID)
	if err != nil || !ok || len(ports) == 0 {
		return 0, false
	}
	return ports[0], true
}

// ToggleServiceState puts the current production deployment to sleep
// (scale zero) or wakes it back up. Only a HEALTHY deployment can
// sleep and only a SLEEPING one can wake.
func (m *Manager) ToggleServiceState(ctx context.Context, serviceID string) error {
	return m.store.Update(func(tx *storage.Tx) error {
		svc, err := tx.GetService(serviceID)
		if err != nil {
			return err
		}
		if svc.CurrentDeploymentHash == "" {
			return zerrors.Conflictf("service %s has no production deployment to toggle", svc.Slug)
		}
		d, err := tx.GetDeployment(svc.CurrentDeploymentHash)
		if err != nil {
			return err
		}

		var sleep bool
		switch d.Status {
		case types.DeploymentStatusHealthy:
			sleep = true
		case types.DeploymentStatusSleeping:
			sleep = false
		default:
			return zerrors.Conflictf("deployment %s is %s, toggling needs HEALTHY or SLEEPING", d.Hash, d.Status)
		}

		payload := &TogglePayload{
			WorkflowID: types.WorkflowID("toggle", svc.Slug, d.Hash),
			ServiceID:  svc.ID,
			Hash:       d.Hash,
			Sleep:      sleep,
		}
		tx.OnCommit(func() {
			if err := m.runner.StartToggle(ctx, payload); err != nil {
				m.log.Error().Err(err).Str("service", svc.Slug).Msg("failed to start toggle workflow")
				return
			}
			metrics.WorkflowsStarted.WithLabelValues("toggle").Inc()
		})
		return nil
	})
}

// GitHubAppInput holds the fields of a new GitHub App installation.
type GitHubAppInput struct {
	Name           string
	AppID          int64
	InstallationID int64
	AppURL         string
	PrivateKeyPEM  string
	WebhookSecret  string // generated when empty
}

// CreateGitHubApp stores a GitHub App installation with its secret
// material encrypted.
func (m *Manager) CreateGitHubApp(ctx context.Context, in GitHubAppInput) (*types.GitApp, error) {
	if in.AppID == 0 || in.InstallationID == 0 {
		return nil, zerrors.Validationf("git_app", "app id and installation id are required")
	}
	if in.PrivateKeyPEM == "" {
		return nil, zerrors.Validationf("git_app", "private key is required")
	}

	webhookSecret, err := m.sealWebhookSecret(in.WebhookSecret)
	if err != nil {
		return nil, err
	}
	privateKey, err := m.secrets.EncryptString(in.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt private key: %w", err)
	}

	app := &types.GitApp{
		ID:   types.NewID(types.PrefixGitApp),
		Kind: types.GitAppGitHub,
		Name: in.Name,
		GitHub: &types.GitHubApp{
			AppID:          in.AppID,
			InstallationID: in.InstallationID,
			AppURL:         in.AppURL,
			PrivateKey:     privateKey,
			WebhookSecret:  webhookSecret,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateGitApp(app); err != nil {
		return nil, err
	}
	m.log.Info().Str("git_app", app.ID).Str("kind", "github").Msg("git app installed")
	return app, nil
}

// GitLabAppInput holds the fields of a new GitLab OAuth application.
type GitLabAppInput struct {
	Name          string
	BaseURL       string // empty means gitlab.com
	AppID         string
	AppSecret     string
	RefreshToken  string
	RedirectURI   string
	WebhookSecret string // generated when empty
}

// CreateGitLabApp stores a GitLab application with its secret material
// encrypted.
func (m *Manager) CreateGitLabApp(ctx context.Context, in GitLabAppInput) (*types.GitApp, error) {
	if in.AppID == "" || in.AppSecret == "" {
		return nil, zerrors.Validationf("git_app", "app id and secret are required")
	}
	if in.RefreshToken == "" {
		return nil, zerrors.Validationf("git_app", "refresh token is required")
	}

	webhookSecret, err := m.sealWebhookSecret(in.WebhookSecret)
	if err != nil {
		return nil, err
	}
	appSecret, err := m.secrets.EncryptString(in.AppSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt app secret: %w", err)
	}
	refreshToken, err := m.secrets.EncryptString(in.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	app := &types.GitApp{
		ID:   types.NewID(types.PrefixGitApp),
		Kind: types.GitAppGitLab,
		Name: in.Name,
		GitLab: &types.GitLabApp{
			BaseURL:       in.BaseURL,
			AppID:         in.AppID,
			AppSecret:     appSecret,
			RefreshToken:  refreshToken,
			WebhookSecret: webhookSecret,
			RedirectURI:   in.RedirectURI,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateGitApp(app); err != nil {
		return nil, err
	}
	m.log.Info().Str("git_app", app.ID).Str("kind", "gitlab").Msg("git app installed")
	return app, nil
}

func (m *Manager) sealWebhookSecret(secret string) (string, error) {
	if secret == "" {
		generated, err := security.GenerateWebhookSecret()
		if err != nil {
			return "", fmt.Errorf("failed to generate webhook secret: %w", err)
		}
		secret = generated
	}
	sealed, err := m.secrets.EncryptString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt webhook secret: %w", err)
	}
	return sealed, nil
}

// DeleteGitApp removes a git app unless a service row or a pending
// GIT_SOURCE change still authenticates through it.
func (m *Manager) DeleteGitApp(ctx context.Context, appID string) error {
	return m.store.Update(func(tx *storage.Tx) error {
		if _, err := tx.GetGitApp(appID); err != nil {
			return err
		}
		services, err := tx.ListServices()
		if err != nil {
			return err
		}
		for _, svc := range services {
			if svc.Repository != nil && svc.Repository.GitAppID == appID {
				return zerrors.Conflictf("git app %s is used by service %s", appID, svc.Slug)
			}
			pending, err := tx.ListPendingChanges(svc.ID)
			if err != nil {
				return err
			}
			for _, c := range pending {
				if c.Field != types.FieldGitSource || len(c.NewValue) == 0 {
					continue
				}
				var v types.GitSourceValue
				if json.Unmarshal(c.NewValue, &v) == nil && v.GitAppID == appID {
					return zerrors.Conflictf("git app %s is referenced by a pending change on service %s", appID, svc.Slug)
				}
			}
		}
		return tx.DeleteGitApp(appID)
	})
}
