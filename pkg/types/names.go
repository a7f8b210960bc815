package types

import (
	"fmt"
	"strings"
)

// InternalDomainSuffix is the private DNS zone used for slot aliases on
// the environment network.
const InternalDomainSuffix = "zaneops.internal"

// NetworkAliasFor derives the stable network alias of a service. It is
// computed once at service creation and stored.
func NetworkAliasFor(slug, serviceID string) string {
	return fmt.Sprintf("zn-%s-%s", slug, UnprefixedID(serviceID))
}

// NetworkNameFor is the overlay network shared by all services of the
// project.
func NetworkNameFor(projectSlug string, projectTS int64) string {
	return fmt.Sprintf("net-%s-%d", projectSlug, projectTS)
}

// NetworkName is the overlay network of the snapshot's project.
func (s *ServiceSnapshot) NetworkName() string {
	return NetworkNameFor(s.ProjectSlug, s.ProjectTS)
}

// RuntimeServiceName names the runtime service of one deployment. The
// hash makes blue and green deployments distinct runtime objects.
func (s *ServiceSnapshot) RuntimeServiceName(hash string) string {
	kind := "dk"
	if s.Kind == ServiceKindGit {
		kind = "git"
	}
	return fmt.Sprintf("srv-%s-%s-%s-%s", kind, s.ProjectSlug, s.Slug, hash)
}

// VolumeName names the runtime volume backing v.
func (s *ServiceSnapshot) VolumeName(v *Volume) string {
	return fmt.Sprintf("vol-%s-%s-%d", s.ProjectSlug, v.Name, v.CreatedAt.Unix())
}

// ConfigName names the runtime config object for c. The version suffix
// makes content updates new objects, since runtime configs are immutable.
func (s *ServiceSnapshot) ConfigName(c *Config) string {
	return fmt.Sprintf("cf-%s-%s-%d", s.ProjectSlug, c.Name, c.Version)
}

// SlotAlias is the DNS name the proxy dials for one deployment slot. It
// is scoped by the service's network alias so services sharing a network
// never collide.
func (s *ServiceSnapshot) SlotAlias(slot DeploymentSlot) string {
	return fmt.Sprintf("%s.%s.%s", s.NetworkAlias, strings.ToLower(string(slot)), InternalDomainSuffix)
}

// BuiltImageName is the local tag given to images built from git
// sources.
func (s *ServiceSnapshot) BuiltImageName(hash string) string {
	return fmt.Sprintf("zane/%s-%s:%s", s.ProjectSlug, s.Slug, hash)
}

// DeploymentURLDomain is the ephemeral per-deployment domain exposing
// one container port under the instance's root domain.
func DeploymentURLDomain(rootDomain, hash string, port int) string {
	return fmt.Sprintf("%s-%d.%s", hash, port, rootDomain)
}

// WorkflowID names the durable workflow of a deployment attempt.
func WorkflowID(workflowName, serviceSlug, hash string) string {
	return fmt.Sprintf("%s-%s-%s", workflowName, serviceSlug, hash)
}
