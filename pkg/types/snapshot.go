package types

// SnapshotOf freezes the current state of a service together with the
// project and environment identifiers resource names derive from. The
// planner calls this after folding pending changes in, and the result
// is stored on the deployment row.
func SnapshotOf(svc *Service, project *Project, env *Environment) *ServiceSnapshot {
	return &ServiceSnapshot{
		ID:              svc.ID,
		Slug:            svc.Slug,
		Kind:            svc.Kind,
		ProjectID:       project.ID,
		ProjectSlug:     project.Slug,
		ProjectTS:       project.CreatedAt.Unix(),
		EnvironmentID:   env.ID,
		EnvironmentName: env.Name,
		Image:           svc.Image,
		Credentials:     svc.Credentials,
		Repository:      svc.Repository,
		Builder:         svc.Builder,
		Command:         svc.Command,
		NetworkAlias:    svc.NetworkAlias,
		Volumes:         svc.Volumes,
		Configs:         svc.Configs,
		Ports:           svc.Ports,
		URLs:            svc.URLs,
		EnvVariables:    svc.EnvVariables,
		Healthcheck:     svc.Healthcheck,
		ResourceLimits:  svc.ResourceLimits,
	}
}

// Service reconstructs the service-shaped view of a snapshot. Redeploys
// diff this against the live service to derive the change list that
// restores the snapshot.
func (s *ServiceSnapshot) Service() *Service {
	return &Service{
		ID:             s.ID,
		ProjectID:      s.ProjectID,
		EnvironmentID:  s.EnvironmentID,
		Slug:           s.Slug,
		Kind:           s.Kind,
		Image:          s.Image,
		Credentials:    s.Credentials,
		Repository:     s.Repository,
		Builder:        s.Builder,
		Command:        s.Command,
		NetworkAlias:   s.NetworkAlias,
		Volumes:        s.Volumes,
		Configs:        s.Configs,
		Ports:          s.Ports,
		URLs:           s.URLs,
		EnvVariables:   s.EnvVariables,
		Healthcheck:    s.Healthcheck,
		ResourceLimits: s.ResourceLimits,
	}
}
