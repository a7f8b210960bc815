package storage

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/zane-ops/zane/pkg/types"
	"github.com/zane-ops/zane/pkg/zerrors"
)

// Tx is a typed view over one bolt transaction. All reads inside it see
// a consistent snapshot; all writes commit or roll back together.
type Tx struct {
	btx *bolt.Tx
}

// OnCommit registers fn to run after the transaction commits. Rolled
// back transactions never fire their hooks. The planner uses this to
// start workflows only once the deployment row is durable.
func (tx *Tx) OnCommit(fn func()) {
	tx.btx.OnCommit(fn)
}

func (tx *Tx) put(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.btx.Bucket(bucket).Put([]byte(key), data)
}

func (tx *Tx) get(bucket []byte, key string, v any) (bool, error) {
	data := tx.btx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (tx *Tx) delete(bucket []byte, key string) error {
	return tx.btx.Bucket(bucket).Delete([]byte(key))
}

// Project operations

func (tx *Tx) CreateProject(project *types.Project) error {
	return tx.put(bucketProjects, project.ID, project)
}

func (tx *Tx) GetProject(id string) (*types.Project, error) {
	var project types.Project
	ok, err := tx.get(bucketProjects, id, &project)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, zerrors.NotFoundf("project %s", id)
	}
	return &project, nil
}

func (tx *Tx) GetProjectBySlug(slug string) (*types.Project, error) {
	var found *types.Project
	err := tx.btx.Bucket(bucketProjects).ForEach(func(k, v []byte) error {
		var project types.Project
		if err := json.Unmarshal(v, &project); err != nil {
			return err
		}
		if project.Slug == slug {
			found = &project
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, zerrors.NotFoundf("project %s", slug)
	}
	return found, nil
}

func (tx *Tx) ListProjects() ([]*types.Project, error) {
	var projects []*types.Project
	err := tx.btx.Bucket(bucketProjects).ForEach(func(k, v []byte) error {
		var project types.Project
		if err := json.Unmarshal(v, &project); err != nil {
			return err
		}
		projects = append(projects, &project)
		return nil
	})
	return projects, err
}

func (tx *Tx) UpdateProject(project *types.Project) error {
	return tx.CreateProject(project) // upsert
}

func (tx *Tx) DeleteProject(id string) error {
	return tx.delete(bucketProjects, id)
}

// Environment operations

func (tx *Tx) CreateEnvironment(env *types.Environment) error {
	return tx.put(bucketEnvironments, env.ID, env)
}

func (tx *Tx) GetEnvironment(id string) (*types.Environment, error) {
	var env types.Environment
	ok, err := tx.get(bucketEnvironments, id, &env)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, zerrors.NotFoundf("environment %s", id)
	}
	return &env, nil
}

// GetEnvironmentByName resolves an environment by its name inside a
// project.
func (tx *Tx) GetEnvironmentByName(projectID, name string) (*types.Environment, error) {
	envs, err := tx.ListEnvironmentsByProject(projectID)
	if err != nil {
		return nil, err
	}
	for _, env := range envs {
		if env.Name == name {
			return env, nil
		}
	}
	return nil, zerrors.NotFoundf("environment %s", name)
}

func (tx *Tx) ListEnvironmentsByProject(projectID string) ([]*types.Environment, error) {
	var envs []*types.Environment
	err := tx.btx.Bucket(bucketEnvironments).ForEach(func(k, v []byte) error {
		var env types.Environment
		if err := json.Unmarshal(v, &env); err != nil {
			return err
		}
		if env.ProjectID == projectID {
			envs = append(envs, &env)
		}
		return nil
	})
	return envs, err
}

// FindPreviewEnvironment locates the preview environment created for a
// pull request against a service, if any. Used by the webhook router
// for synchronize/close idempotency.
func (tx *Tx) FindPreviewEnvironment(serviceID string, prNumber int) (*types.Environment, error) {
	var found *types.Environment
	err := tx.btx.Bucket(bucketEnvironments).ForEach(func(k, v []byte) error {
		var env types.Environment
		if err := json.Unmarshal(v, &env); err != nil {
			return err
		}
		if env.IsPreview && env.Preview != nil &&
			env.Preview.ServiceID == serviceID && env.Preview.PRNumber == prNumber {
			found = &env
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, zerrors.NotFoundf("preview environment for pr %d", prNumber)
	}
	return found, nil
}

// ListPreviewEnvironments returns every preview environment across all
// projects. The webhook router scans them to suppress pushes to branches
// that are the head of an open pull request.
func (tx *Tx) ListPreviewEnvironments() ([]*types.Environment, error) {
	var envs []*types.Environment
	err := tx.btx.Bucket(bucketEnvironments).ForEach(func(k, v []byte) error {
		var env types.Environment
		if err := json.Unmarshal(v, &env); err != nil {
			return err
		}
		if env.IsPreview && env.Preview != nil {
			envs = append(envs, &env)
		}
		return nil
	})
	return envs, err
}

func (tx *Tx) UpdateEnvironment(env *types.Environment) error {
	return tx.CreateEnvironment(env)
}

func (tx *Tx) DeleteEnvironment(id string) error {
	return tx.delete(bucketEnvironments, id)
}

// Service operations

func (tx *Tx) CreateService(service *types.Service) error {
	return tx.put(bucketServices, service.ID, service)
}

func (tx *Tx) GetService(id string) (*types.Service, error) {
	var service types.Service
	ok, err := tx.get(bucketServices, id, &service)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, zerrors.NotFoundf("service %s", id)
	}
	return &service, nil
}

// GetServiceBySlug resolves a service by slug inside an environment.
func (tx *Tx) GetServiceBySlug(environmentID, slug string) (*types.Service, error) {
	services, err := tx.ListServicesByEnvironment(environmentID)
	if err != nil {
		return nil, err
	}
	for _, svc := range services {
		if svc.Slug == slug {
			return svc, nil
		}
	}
	return nil, zerrors.NotFoundf("service %s", slug)
}

func (tx *Tx) GetServiceByDeployToken(token string) (*types.Service, error) {
	var found *types.Service
	err := tx.btx.Bucket(bucketServices).ForEach(func(k, v []byte) error {
		var service types.Service
		if err := json.Unmarshal(v, &service); err != nil {
			return err
		}
		if service.DeployToken != "" && service.DeployToken == token {
			found = &service
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, zerrors.NotFoundf("service with deploy token")
	}
	return found, nil
}

func (tx *Tx) ListServices() ([]*types.Service, error) {
	var services []*types.Service
	err := tx.btx.Bucket(bucketServices).ForEach(func(k, v []byte) error {
		var service types.Service
		if err := json.Unmarshal(v, &service); err != nil {
			return err
		}
		services = append(services, &service)
		return nil
	})
	return services, err
}

func (tx *Tx) ListServicesByEnvironment(environmentID string) ([]*types.Service, error) {
	services, err := tx.ListServices()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Service
	for _, svc := range services {
		if svc.EnvironmentID == environmentID {
			filtered = append(filtered, svc)
		}
	}
	return filtered, nil
}

func (tx *Tx) UpdateService(service *types.Service) error {
	return tx.CreateService(service)
}

func (tx *Tx) DeleteService(id string) error {
	return tx.delete(bucketServices, id)
}

// Deployment change operations

func (tx *Tx) CreateChange(change *types.DeploymentChange) error {
	return tx.put(bucketChanges, change.ID, change)
}

func (tx *Tx) GetChange(id string) (*types.DeploymentChange, error) {
	var change types.DeploymentChange
	ok, err := tx.get(bucketChanges, id, &change)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, zerrors.NotFoundf("change %s", id)
	}
	return &change, nil
}

// ListPendingChanges returns the unapplied changes of a service in
// insertion order.
func (tx *Tx) ListPendingChanges(serviceID string) ([]*types.DeploymentChange, error) {
	return tx.listChanges(func(c *types.DeploymentChange) bool {
		return c.ServiceID == serviceID && !c.Applied
	})
}

// ListChangesForDeployment returns the changes folded into one
// deployment.
func (tx *Tx) ListChangesForDeployment(deploymentID string) ([]*types.DeploymentChange, error) {
	return tx.listChanges(func(c *types.DeploymentChange) bool {
		return c.DeploymentID == deploymentID
	})
}

func (tx *Tx) listChanges(keep func(*types.DeploymentChange) bool) ([]*types.DeploymentChange, error) {
	var changes []*types.DeploymentChange
	err := tx.btx.Bucket(bucketChanges).ForEach(func(k, v []byte) error {
		var change types.DeploymentChange
		if err := json.Unmarshal(v, &change); err != nil {
			return err
		}
		if keep(&change) {
			changes = append(changes, &change)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortChangesByCreation(changes)
	return changes, nil
}

func (tx *Tx) UpdateChange(change *types.DeploymentChange) error {
	return tx.CreateChange(change)
}

func (tx *Tx) DeleteChange(id string) error {
	return tx.delete(bucketChanges, id)
}

// Deployment operations. Deployments are keyed by hash, the identifier
// that appears in URLs, runtime resource names and workflow ids.

func (tx *Tx) CreateDeployment(deployment *types.Deployment) error {
	return tx.put(bucketDeployments, deployment.Hash, deployment)
}

func (tx *Tx) GetDeployment(hash string) (*types.Deployment, error) {
	var deployment types.Deployment
	ok, err := tx.get(bucketDeployments, hash, &deployment)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, zerrors.NotFoundf("deployment %s", hash)
	}
	return &deployment, nil
}

func (tx *Tx) ListDeployments() ([]*types.Deployment, error) {
	var deployments []*types.Deployment
	err := tx.btx.Bucket(bucketDeployments).ForEach(func(k, v []byte) error {
		var deployment types.Deployment
		if err := json.Unmarshal(v, &deployment); err != nil {
			return err
		}
		deployments = append(deployments, &deployment)
		return nil
	})
	return deployments, err
}

func (tx *Tx) ListDeploymentsByService(serviceID string) ([]*types.Deployment, error) {
	deployments, err := tx.ListDeployments()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Deployment
	for _, d := range deployments {
		if d.ServiceID == serviceID {
			filtered = append(filtered, d)
		}
	}
	sortDeploymentsByQueueTime(filtered)
	return filtered, nil
}

func (tx *Tx) UpdateDeployment(deployment *types.Deployment) error {
	return tx.CreateDeployment(deployment)
}

func (tx *Tx) DeleteDeployment(hash string) error {
	return tx.delete(bucketDeployments, hash)
}

// Git app operations

func (tx *Tx) CreateGitApp(app *types.GitApp) error {
	return tx.put(bucketGitApps, app.ID, app)
}

func (tx *Tx) GetGitApp(id string) (*types.GitApp, error) {
	var app types.GitApp
	ok, err := tx.get(bucketGitApps, id, &app)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, zerrors.NotFoundf("git app %s", id)
	}
	return &app, nil
}

func (tx *Tx) ListGitApps() ([]*types.GitApp, error) {
	var apps []*types.GitApp
	err := tx.btx.Bucket(bucketGitApps).ForEach(func(k, v []byte) error {
		var app types.GitApp
		if err := json.Unmarshal(v, &app); err != nil {
			return err
		}
		apps = append(apps, &app)
		return nil
	})
	return apps, err
}

func (tx *Tx) UpdateGitApp(app *types.GitApp) error {
	return tx.CreateGitApp(app)
}

func (tx *Tx) DeleteGitApp(id string) error {
	return tx.delete(bucketGitApps, id)
}

// Preview template operations

func (tx *Tx) CreatePreviewTemplate(tpl *types.PreviewTemplate) error {
	return tx.put(bucketPreviewTemplates, tpl.ID, tpl)
}

func (tx *Tx) GetPreviewTemplate(id string) (*types.PreviewTemplate, error) {
	var tpl types.PreviewTemplate
	ok, err := tx.get(bucketPreviewTemplates, id, &tpl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, zerrors.NotFoundf("preview template %s", id)
	}
	return &tpl, nil
}

func (tx *Tx) ListPreviewTemplatesByProject(projectID string) ([]*types.PreviewTemplate, error) {
	var tpls []*types.PreviewTemplate
	err := tx.btx.Bucket(bucketPreviewTemplates).ForEach(func(k, v []byte) error {
		var tpl types.PreviewTemplate
		if err := json.Unmarshal(v, &tpl); err != nil {
			return err
		}
		if tpl.ProjectID == projectID {
			tpls = append(tpls, &tpl)
		}
		return nil
	})
	return tpls, err
}

func (tx *Tx) DeletePreviewTemplate(id string) error {
	return tx.delete(bucketPreviewTemplates, id)
}
