package builder

import (
	"fmt"
	"path"

	"github.com/zane-ops/zane/pkg/types"
)

// Stage is one image build the executor performs. Files are written
// into the context directory before the build; Prepare (when set) runs
// first and is expected to leave DockerfilePath behind.
type Stage struct {
	ContextDir     string
	DockerfilePath string
	Target         string
	Tag            string

	// Files to materialize into the context, keyed by path relative to
	// ContextDir.
	Files map[string]string

	// Prepare is an external planner invocation (nixpacks, railpack)
	// executed inside the checkout before the build.
	Prepare []string
}

// Plan is the ordered list of builds that turn a checkout into the
// deployment image. The last stage produces the final tag.
type Plan struct {
	Stages []Stage
}

// FinalTag returns the image reference the runtime service will run.
func (p *Plan) FinalTag() string {
	if len(p.Stages) == 0 {
		return ""
	}
	return p.Stages[len(p.Stages)-1].Tag
}

// MakePlan computes the build stages for a git-sourced snapshot whose
// repository has been checked out at checkoutDir. The image tag is the
// deployment's built image name, so retried builds overwrite rather
// than accumulate.
func MakePlan(snapshot *types.ServiceSnapshot, checkoutDir, tag string) (*Plan, error) {
	cfg := snapshot.Builder
	if cfg == nil {
		return nil, fmt.Errorf("snapshot of %s has no builder config", snapshot.Slug)
	}

	switch cfg.Kind {
	case types.BuilderDockerfile:
		opts := cfg.Dockerfile
		return &Plan{Stages: []Stage{{
			ContextDir:     path.Join(checkoutDir, cleanDir(opts.BuildContextDir)),
			DockerfilePath: opts.DockerfilePath,
			Target:         opts.BuildStageTarget,
			Tag:            tag,
		}}}, nil

	case types.BuilderStaticDir:
		opts := cfg.StaticDir
		return &Plan{Stages: []Stage{{
			ContextDir:     checkoutDir,
			DockerfilePath: "Dockerfile.zane",
			Tag:            tag,
			Files: map[string]string{
				"Dockerfile.zane": StaticDockerfile("", opts.PublishDirectory),
				"Caddyfile":       opts.GeneratedCaddyfile,
			},
		}}}, nil

	case types.BuilderNixpacks:
		return nixpacksPlan(cfg.Nixpacks, "nixpacks", checkoutDir, tag)

	case types.BuilderRailpack:
		return nixpacksPlan(cfg.Railpack, "railpack", checkoutDir, tag)
	}
	return nil, fmt.Errorf("unknown builder kind %q", cfg.Kind)
}

// nixpacksPlan builds via an external planner CLI that writes a
// Dockerfile into the checkout. Static mode wraps the build output in
// a second, static-server stage.
func nixpacksPlan(opts *types.NixpacksBuilderOptions, planner, checkoutDir, tag string) (*Plan, error) {
	buildDir := path.Join(checkoutDir, cleanDir(opts.BuildDirectory))

	prepare := []string{planner, "build", buildDir, "--out", buildDir, "--no-error-without-start"}
	if opts.CustomInstallCommand != "" {
		prepare = append(prepare, "--install-cmd", opts.CustomInstallCommand)
	}
	if opts.CustomBuildCommand != "" {
		prepare = append(prepare, "--build-cmd", opts.CustomBuildCommand)
	}
	if opts.CustomStartCommand != "" {
		prepare = append(prepare, "--start-cmd", opts.CustomStartCommand)
	}

	build := Stage{
		ContextDir:     buildDir,
		DockerfilePath: path.Join(".nixpacks", "Dockerfile"),
		Tag:            tag,
		Prepare:        prepare,
	}
	if planner == "railpack" {
		build.DockerfilePath = path.Join(".railpack", "Dockerfile")
	}

	if !opts.IsStatic {
		return &Plan{Stages: []Stage{build}}, nil
	}

	// Static mode: the app image only exists to produce the publish
	// directory; the final image serves it.
	build.Tag = tag + "-build"
	wrap := Stage{
		ContextDir:     buildDir,
		DockerfilePath: "Dockerfile.zane",
		Tag:            tag,
		Files: map[string]string{
			"Dockerfile.zane": StaticDockerfile(build.Tag, opts.PublishDirectory),
			"Caddyfile":       opts.GeneratedCaddyfile,
		},
	}
	return &Plan{Stages: []Stage{build, wrap}}, nil
}
