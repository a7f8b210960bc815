package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/zane-ops/zane/pkg/types"
)

var (
	// Bucket names
	bucketProjects         = []byte("projects")
	bucketEnvironments     = []byte("environments")
	bucketServices         = []byte("services")
	bucketChanges          = []byte("changes")
	bucketDeployments      = []byte("deployments")
	bucketGitApps          = []byte("git_apps")
	bucketPreviewTemplates = []byte("preview_templates")
)

// BoltStore implements Store using bbolt.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path and ensures all
// buckets exist.
func NewBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketProjects,
			bucketEnvironments,
			bucketServices,
			bucketChanges,
			bucketDeployments,
			bucketGitApps,
			bucketPreviewTemplates,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// View runs fn in a read-only transaction.
func (s *BoltStore) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// Update runs fn in a writable transaction. OnCommit hooks registered
// by fn run only if the commit succeeds.
func (s *BoltStore) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// One-shot wrappers. Each opens its own transaction.

func (s *BoltStore) CreateProject(project *types.Project) error {
	return s.Update(func(tx *Tx) error { return tx.CreateProject(project) })
}

func (s *BoltStore) GetProject(id string) (*types.Project, error) {
	var project *types.Project
	err := s.View(func(tx *Tx) (err error) {
		project, err = tx.GetProject(id)
		return
	})
	return project, err
}

func (s *BoltStore) GetProjectBySlug(slug string) (*types.Project, error) {
	var project *types.Project
	err := s.View(func(tx *Tx) (err error) {
		project, err = tx.GetProjectBySlug(slug)
		return
	})
	return project, err
}

func (s *BoltStore) ListProjects() ([]*types.Project, error) {
	var projects []*types.Project
	err := s.View(func(tx *Tx) (err error) {
		projects, err = tx.ListProjects()
		return
	})
	return projects, err
}

func (s *BoltStore) UpdateProject(project *types.Project) error {
	return s.Update(func(tx *Tx) error { return tx.UpdateProject(project) })
}

func (s *BoltStore) DeleteProject(id string) error {
	return s.Update(func(tx *Tx) error { return tx.DeleteProject(id) })
}

func (s *BoltStore) CreateEnvironment(env *types.Environment) error {
	return s.Update(func(tx *Tx) error { return tx.CreateEnvironment(env) })
}

func (s *BoltStore) GetEnvironment(id string) (*types.Environment, error) {
	var env *types.Environment
	err := s.View(func(tx *Tx) (err error) {
		env, err = tx.GetEnvironment(id)
		return
	})
	return env, err
}

func (s *BoltStore) ListEnvironmentsByProject(projectID string) ([]*types.Environment, error) {
	var envs []*types.Environment
	err := s.View(func(tx *Tx) (err error) {
		envs, err = tx.ListEnvironmentsByProject(projectID)
		return
	})
	return envs, err
}

func (s *BoltStore) UpdateEnvironment(env *types.Environment) error {
	return s.Update(func(tx *Tx) error { return tx.UpdateEnvironment(env) })
}

func (s *BoltStore) DeleteEnvironment(id string) error {
	return s.Update(func(tx *Tx) error { return tx.DeleteEnvironment(id) })
}

func (s *BoltStore) CreateService(service *types.Service) error {
	return s.Update(func(tx *Tx) error { return tx.CreateService(service) })
}

func (s *BoltStore) GetService(id string) (*types.Service, error) {
	var service *types.Service
	err := s.View(func(tx *Tx) (err error) {
		service, err = tx.GetService(id)
		return
	})
	return service, err
}

func (s *BoltStore) GetServiceByDeployToken(token string) (*types.Service, error) {
	var service *types.Service
	err := s.View(func(tx *Tx) (err error) {
		service, err = tx.GetServiceByDeployToken(token)
		return
	})
	return service, err
}

func (s *BoltStore) ListServicesByEnvironment(environmentID string) ([]*types.Service, error) {
	var services []*types.Service
	err := s.View(func(tx *Tx) (err error) {
		services, err = tx.ListServicesByEnvironment(environmentID)
		return
	})
	return services, err
}

func (s *BoltStore) UpdateService(service *types.Service) error {
	return s.Update(func(tx *Tx) error { return tx.UpdateService(service) })
}

func (s *BoltStore) DeleteService(id string) error {
	return s.Update(func(tx *Tx) error { return tx.DeleteService(id) })
}

func (s *BoltStore) CreateChange(change *types.DeploymentChange) error {
	return s.Update(func(tx *Tx) error { return tx.CreateChange(change) })
}

func (s *BoltStore) GetChange(id string) (*types.DeploymentChange, error) {
	var change *types.DeploymentChange
	err := s.View(func(tx *Tx) (err error) {
		change, err = tx.GetChange(id)
		return
	})
	return change, err
}

func (s *BoltStore) ListPendingChanges(serviceID string) ([]*types.DeploymentChange, error) {
	var changes []*types.DeploymentChange
	err := s.View(func(tx *Tx) (err error) {
		changes, err = tx.ListPendingChanges(serviceID)
		return
	})
	return changes, err
}

func (s *BoltStore) DeleteChange(id string) error {
	return s.Update(func(tx *Tx) error { return tx.DeleteChange(id) })
}

func (s *BoltStore) CreateDeployment(deployment *types.Deployment) error {
	return s.Update(func(tx *Tx) error { return tx.CreateDeployment(deployment) })
}

func (s *BoltStore) GetDeployment(hash string) (*types.Deployment, error) {
	var deployment *types.Deployment
	err := s.View(func(tx *Tx) (err error) {
		deployment, err = tx.GetDeployment(hash)
		return
	})
	return deployment, err
}

func (s *BoltStore) ListDeploymentsByService(serviceID string) ([]*types.Deployment, error) {
	var deployments []*types.Deployment
	err := s.View(func(tx *Tx) (err error) {
		deployments, err = tx.ListDeploymentsByService(serviceID)
		return
	})
	return deployments, err
}

func (s *BoltStore) UpdateDeployment(deployment *types.Deployment) error {
	return s.Update(func(tx *Tx) error { return tx.UpdateDeployment(deployment) })
}

func (s *BoltStore) DeleteDeployment(hash string) error {
	return s.Update(func(tx *Tx) error { return tx.DeleteDeployment(hash) })
}

func (s *BoltStore) CreateGitApp(app *types.GitApp) error {
	return s.Update(func(tx *Tx) error { return tx.CreateGitApp(app) })
}

func (s *BoltStore) GetGitApp(id string) (*types.GitApp, error) {
	var app *types.GitApp
	err := s.View(func(tx *Tx) (err error) {
		app, err = tx.GetGitApp(id)
		return
	})
	return app, err
}

func (s *BoltStore) ListGitApps() ([]*types.GitApp, error) {
	var apps []*types.GitApp
	err := s.View(func(tx *Tx) (err error) {
		apps, err = tx.ListGitApps()
		return
	})
	return apps, err
}

func (s *BoltStore) UpdateGitApp(app *types.GitApp) error {
	return s.Update(func(tx *Tx) error { return tx.UpdateGitApp(app) })
}

func (s *BoltStore) DeleteGitApp(id string) error {
	return s.Update(func(tx *Tx) error { return tx.DeleteGitApp(id) })
}

func (s *BoltStore) CreatePreviewTemplate(tpl *types.PreviewTemplate) error {
	return s.Update(func(tx *Tx) error { return tx.CreatePreviewTemplate(tpl) })
}

func (s *BoltStore) GetPreviewTemplate(id string) (*types.PreviewTemplate, error) {
	var tpl *types.PreviewTemplate
	err := s.View(func(tx *Tx) (err error) {
		tpl, err = tx.GetPreviewTemplate(id)
		return
	})
	return tpl, err
}

func (s *BoltStore) ListPreviewTemplatesByProject(projectID string) ([]*types.PreviewTemplate, error) {
	var tpls []*types.PreviewTemplate
	err := s.View(func(tx *Tx) (err error) {
		tpls, err = tx.ListPreviewTemplatesByProject(projectID)
		return
	})
	return tpls, err
}

func (s *BoltStore) DeletePreviewTemplate(id string) error {
	return s.Update(func(tx *Tx) error { return tx.DeletePreviewTemplate(id) })
}

// Buckets iterate in key order, which is random for our ids, so list
// results get sorted by time before they are returned.

func sortChangesByCreation(changes []*types.DeploymentChange) {
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].CreatedAt.Before(changes[j].CreatedAt)
	})
}

func sortDeploymentsByQueueTime(deployments []*types.Deployment) {
	sort.SliceStable(deployments, func(i, j int) bool {
		return deployments[i].QueuedAt.Before(deployments[j].QueuedAt)
	})
}
