package storage

import (
	"github.com/zane-ops/zane/pkg/types"
)

// Store is the persistence interface for the control plane state.
//
// One-shot methods open their own transaction. Multi-entity operations
// (applying a change log, planning a deployment, the promotion
// compare-and-set) go through Update so they commit atomically; side
// effects that must only happen after durability are registered with
// Tx.OnCommit.
type Store interface {
	// Projects
	CreateProject(project *types.Project) error
	GetProject(id string) (*types.Project, error)
	GetProjectBySlug(slug string) (*types.Project, error)
	ListProjects() ([]*types.Project, error)
	UpdateProject(project *types.Project) error
	DeleteProject(id string) error

	// Environments
	CreateEnvironment(env *types.Environment) error
	GetEnvironment(id string) (*types.Environment, error)
	ListEnvironmentsByProject(projectID string) ([]*types.Environment, error)
	UpdateEnvironment(env *types.Environment) error
	DeleteEnvironment(id string) error

	// Services
	CreateService(service *types.Service) error
	GetService(id string) (*types.Service, error)
	GetServiceByDeployToken(token string) (*types.Service, error)
	ListServicesByEnvironment(environmentID string) ([]*types.Service, error)
	UpdateService(service *types.Service) error
	DeleteService(id string) error

	// Deployment changes
	CreateChange(change *types.DeploymentChange) error
	GetChange(id string) (*types.DeploymentChange, error)
	ListPendingChanges(serviceID string) ([]*types.DeploymentChange, error)
	DeleteChange(id string) error

	// Deployments, keyed by hash
	CreateDeployment(deployment *types.Deployment) error
	GetDeployment(hash string) (*types.Deployment, error)
	ListDeploymentsByService(serviceID string) ([]*types.Deployment, error)
	UpdateDeployment(deployment *types.Deployment) error
	DeleteDeployment(hash string) error

	// Git apps
	CreateGitApp(app *types.GitApp) error
	GetGitApp(id string) (*types.GitApp, error)
	ListGitApps() ([]*types.GitApp, error)
	UpdateGitApp(app *types.GitApp) error
	DeleteGitApp(id string) error

	// Preview templates
	CreatePreviewTemplate(tpl *types.PreviewTemplate) error
	GetPreviewTemplate(id string) (*types.PreviewTemplate, error)
	ListPreviewTemplatesByProject(projectID string) ([]*types.PreviewTemplate, error)
	DeletePreviewTemplate(id string) error

	// Transactions
	View(fn func(tx *Tx) error) error
	Update(fn func(tx *Tx) error) error

	// Utility
	Close() error
}
