package changes

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zane-ops/zane/pkg/types"
	"github.com/zane-ops/zane/pkg/zerrors"
)

// applyOrder ranks changes for application. Collection deletes run
// before updates and adds so unique paths and domains can be swapped in
// one change set; source and builder changes run last so validation of
// everything else sees the final shape.
func applyOrder(c *types.DeploymentChange) int {
	switch c.Field {
	case types.FieldSource, types.FieldGitSource, types.FieldBuilder:
		return 4
	case types.FieldCommand, types.FieldHealthcheck, types.FieldResourceLimits:
		return 3
	}
	switch c.Type {
	case types.ChangeTypeDelete:
		return 0
	case types.ChangeTypeUpdate:
		return 1
	default:
		return 2
	}
}

func sortForApply(list []*types.DeploymentChange) {
	sort.SliceStable(list, func(i, j int) bool {
		return applyOrder(list[i]) < applyOrder(list[j])
	})
}

// applyChange folds one change into the service in place.
func applyChange(svc *types.Service, c *types.DeploymentChange) error {
	switch c.Field {
	case types.FieldVolumes:
		return applyCollection(c, &svc.Volumes, func(v *types.Volume) string { return v.ID })
	case types.FieldConfigs:
		return applyCollection(c, &svc.Configs, func(v *types.Config) string { return v.ID })
	case types.FieldURLs:
		return applyCollection(c, &svc.URLs, func(v *types.URL) string { return v.ID })
	case types.FieldPorts:
		return applyCollection(c, &svc.Ports, func(v *types.Port) string { return v.ID })
	case types.FieldEnvVariables:
		return applyCollection(c, &svc.EnvVariables, func(v *types.EnvVariable) string { return v.ID })

	case types.FieldCommand:
		if nullValue(c.NewValue) {
			svc.Command = ""
			return nil
		}
		return json.Unmarshal(c.NewValue, &svc.Command)

	case types.FieldHealthcheck:
		if nullValue(c.NewValue) {
			svc.Healthcheck = nil
			return nil
		}
		svc.Healthcheck = nil
		return json.Unmarshal(c.NewValue, &svc.Healthcheck)

	case types.FieldResourceLimits:
		if nullValue(c.NewValue) {
			svc.ResourceLimits = nil
			return nil
		}
		svc.ResourceLimits = nil
		return json.Unmarshal(c.NewValue, &svc.ResourceLimits)

	case types.FieldSource:
		var v types.SourceValue
		if err := json.Unmarshal(c.NewValue, &v); err != nil {
			return err
		}
		svc.Image = v.Image
		svc.Credentials = v.Credentials
		return nil

	case types.FieldGitSource:
		var v types.GitSourceValue
		if err := json.Unmarshal(c.NewValue, &v); err != nil {
			return err
		}
		sha := v.CommitSHA
		if sha == "" {
			sha = "HEAD"
		}
		svc.Repository = &types.GitRepository{
			URL:        v.RepositoryURL,
			Branch:     v.Branch,
			CommitSHA:  sha,
			GitAppID:   v.GitAppID,
			GitAppKind: v.GitAppKind,
		}
		return nil

	case types.FieldBuilder:
		svc.Builder = nil
		return json.Unmarshal(c.NewValue, &svc.Builder)
	}
	return fmt.Errorf("unknown change field %q", c.Field)
}

// applyCollection handles ADD/UPDATE/DELETE on one of the item slices.
// Items are addressed by id: deletes and updates use change.ItemID,
// adds carry their id inside the value.
func applyCollection[T any](c *types.DeploymentChange, items *[]*T, idOf func(*T) string) error {
	switch c.Type {
	case types.ChangeTypeDelete:
		kept := (*items)[:0]
		for _, item := range *items {
			if idOf(item) != c.ItemID {
				kept = append(kept, item)
			}
		}
		*items = kept
		return nil

	case types.ChangeTypeUpdate:
		var next T
		if err := json.Unmarshal(c.NewValue, &next); err != nil {
			return err
		}
		for i, item := range *items {
			if idOf(item) == c.ItemID {
				(*items)[i] = &next
				return nil
			}
		}
		return zerrors.NotFoundf("%s item %s", c.Field, c.ItemID)

	case types.ChangeTypeAdd:
		var next T
		if err := json.Unmarshal(c.NewValue, &next); err != nil {
			return err
		}
		*items = append(*items, &next)
		return nil
	}
	return fmt.Errorf("unknown change type %q", c.Type)
}

// projectService returns a deep copy of svc with every change in list
// applied. Used to validate candidate change sets without touching the
// stored row.
func projectService(svc *types.Service, list []*types.DeploymentChange) (*types.Service, error) {
	data, err := json.Marshal(svc)
	if err != nil {
		return nil, err
	}
	var projected types.Service
	if err := json.Unmarshal(data, &projected); err != nil {
		return nil, err
	}

	ordered := make([]*types.DeploymentChange, len(list))
	copy(ordered, list)
	sortForApply(ordered)

	for _, c := range ordered {
		if err := applyChange(&projected, c); err != nil {
			return nil, err
		}
	}
	return &projected, nil
}

// validateProjection enforces the service-level invariants on a
// projected state: the service keeps a deployable source, volume paths
// stay unique, URLs stay unique, host ports stay unique and path
// healthchecks can resolve a port.
func validateProjection(svc *types.Service) error {
	switch svc.Kind {
	case types.ServiceKindImage:
		if svc.Image == "" {
			return zerrors.Validationf("SOURCE", "an image service needs an image")
		}
	case types.ServiceKindGit:
		if svc.Repository == nil {
			return zerrors.Validationf("GIT_SOURCE", "a git service needs a repository")
		}
		if svc.Builder == nil {
			return zerrors.Validationf("BUILDER", "a git service needs a builder")
		}
	}

	containerPaths := map[string]string{}
	hostPaths := map[string]string{}
	for _, v := range svc.Volumes {
		if prev, ok := containerPaths[v.ContainerPath]; ok {
			return zerrors.Validationf("VOLUMES", "container path %s already used by volume %s", v.ContainerPath, prev)
		}
		containerPaths[v.ContainerPath] = v.ID
		if v.HostPath != "" {
			if prev, ok := hostPaths[v.HostPath]; ok {
				return zerrors.Validationf("VOLUMES", "host path %s already used by volume %s", v.HostPath, prev)
			}
			hostPaths[v.HostPath] = v.ID
		}
	}

	mountPaths := map[string]string{}
	for _, cf := range svc.Configs {
		if prev, ok := mountPaths[cf.MountPath]; ok {
			return zerrors.Validationf("CONFIGS", "mount path %s already used by config %s", cf.MountPath, prev)
		}
		mountPaths[cf.MountPath] = cf.ID
		if prev, ok := containerPaths[cf.MountPath]; ok {
			return zerrors.Validationf("CONFIGS", "mount path %s already used by volume %s", cf.MountPath, prev)
		}
	}

	seenURLs := map[string]string{}
	for _, u := range svc.URLs {
		key := urlKey(u.Domain, u.BasePath)
		if prev, ok := seenURLs[key]; ok {
			return zerrors.Validationf("URLS", "%s already used by url %s", key, prev)
		}
		seenURLs[key] = u.ID
		if u.RedirectTo == nil && u.AssociatedPort == 0 {
			return zerrors.Validationf("URLS", "%s needs an associated port or a redirect", key)
		}
	}

	hostPorts := map[int]string{}
	for _, p := range svc.Ports {
		if prev, ok := hostPorts[p.Host]; ok {
			return zerrors.Validationf("PORTS", "host port %d already used by port %s", p.Host, prev)
		}
		hostPorts[p.Host] = p.ID
	}

	envKeys := map[string]string{}
	for _, e := range svc.EnvVariables {
		if prev, ok := envKeys[e.Key]; ok {
			return zerrors.Validationf("ENV_VARIABLES", "key %s already declared by variable %s", e.Key, prev)
		}
		envKeys[e.Key] = e.ID
	}

	if hc := svc.Healthcheck; hc != nil && hc.Type == types.HealthcheckPath {
		if hc.AssociatedPort == 0 && firstRoutedPort(svc.URLs) == 0 {
			return zerrors.Validationf("HEALTHCHECK", "path probes need an associated port")
		}
	}
	return nil
}

// firstRoutedPort returns the associated port of the first URL that
// proxies traffic, or 0 when every URL is a redirect.
func firstRoutedPort(urls []*types.URL) int {
	for _, u := range urls {
		if u.AssociatedPort > 0 {
			return u.AssociatedPort
		}
	}
	return 0
}

// defaultHealthcheckPort fills a path healthcheck that names no port
// with the port of the first routed URL, so the snapshot the prober
// sees always carries a reachable target. Validation guarantees such a
// URL exists when the healthcheck itself is portless.
func defaultHealthcheckPort(svc *types.Service) {
	hc := svc.Healthcheck
	if hc == nil || hc.Type != types.HealthcheckPath || hc.AssociatedPort != 0 {
		return
	}
	hc.AssociatedPort = firstRoutedPort(svc.URLs)
}

func urlKey(domain, basePath string) string {
	if basePath == "" {
		basePath = "/"
	}
	return domain + basePath
}

func nullValue(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
