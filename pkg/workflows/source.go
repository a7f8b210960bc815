package workflows

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/zane-ops/zane/pkg/builder"
	"github.com/zane-ops/zane/pkg/git"
	"github.com/zane-ops/zane/pkg/runtime"
	"github.com/zane-ops/zane/pkg/storage"
)

// CloneServiceRepository checks the snapshot's repository out into the
// deployment's build directory and records the resolved commit on the
// row. The directory is recreated from scratch so a retried clone
// never sees a half-written checkout.
func (a *Activities) CloneServiceRepository(ctx context.Context, hash string) (*git.CommitInfo, error) {
	d, err := a.loadDeployment(hash)
	if err != nil {
		return nil, err
	}
	repo := d.Snapshot.Repository
	if repo == nil {
		return nil, fmt.Errorf("deployment %s has no git source", hash)
	}

	url := repo.URL
	if repo.GitAppID != "" && a.gitapps != nil {
		authed, err := a.gitapps.AuthenticatedURL(ctx, repo.GitAppID, url)
		if err != nil {
			return nil, fmt.Errorf("failed to authenticate repository url: %w", err)
		}
		url = authed
	}

	dir := a.checkoutDir(hash)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to reset build directory: %w", err)
	}

	commitSHA := d.CommitSHA
	if commitSHA == "" {
		commitSHA = repo.CommitSHA
	}
	commit, err := git.Clone(ctx, dir, url, repo.Branch, commitSHA)
	if err != nil {
		return nil, err
	}

	err = a.store.Update(func(tx *storage.Tx) error {
		row, err := tx.GetDeployment(hash)
		if err != nil {
			return err
		}
		row.CommitSHA = commit.SHA
		if msg := strings.TrimSpace(commit.Message); msg != "" {
			row.CommitMessage = msg
		}
		if commit.Author != "" {
			row.CommitAuthor = commit.Author
		}
		return tx.UpdateDeployment(row)
	})
	if err != nil {
		return nil, err
	}

	a.log.Info().Str("deployment", hash).Str("commit", shortSHA(commit.SHA)).
		Str("branch", repo.Branch).Msg("repository cloned")
	return commit, nil
}

// SourceResult is what the build and pull activities hand back to the
// workflow: the image the runtime service will run and the ports the
// image declares.
type SourceResult struct {
	Image string
	Ports []int
}

// BuildServiceImage runs the snapshot's build plan against the
// checkout. Every stage tags deterministically from the deployment
// hash, so retries overwrite instead of piling up images.
func (a *Activities) BuildServiceImage(ctx context.Context, hash string) (*SourceResult, error) {
	d, err := a.loadDeployment(hash)
	if err != nil {
		return nil, err
	}
	snap := d.Snapshot

	plan, err := builder.MakePlan(snap, a.checkoutDir(hash), snap.BuiltImageName(d.Hash))
	if err != nil {
		return nil, err
	}

	for _, stage := range plan.Stages {
		for name, contents := range stage.Files {
			path := filepath.Join(stage.ContextDir, name)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to prepare build context: %w", err)
			}
			if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
				return nil, fmt.Errorf("failed to write %s: %w", name, err)
			}
		}

		if len(stage.Prepare) > 0 {
			cmd := exec.CommandContext(ctx, stage.Prepare[0], stage.Prepare[1:]...)
			cmd.Dir = stage.ContextDir
			if out, err := cmd.CombinedOutput(); err != nil {
				return nil, fmt.Errorf("%s failed: %v: %s",
					stage.Prepare[0], err, strings.TrimSpace(string(out)))
			}
		}

		if err := a.runtime.BuildImage(ctx, runtime.BuildOptions{
			ContextDir: stage.ContextDir,
			Dockerfile: stage.DockerfilePath,
			Target:     stage.Target,
			Tag:        stage.Tag,
			NoCache:    d.IgnoreBuildCache,
			Labels:     deploymentLabels(d),
		}); err != nil {
			return nil, fmt.Errorf("failed to build %s: %w", stage.Tag, err)
		}
	}

	image := plan.FinalTag()
	ports := a.recordDetectedPorts(ctx, d.ServiceID, image)
	a.log.Info().Str("deployment", hash).Str("image", image).Msg("image built")
	return &SourceResult{Image: image, Ports: ports}, nil
}

// PullServiceImage fetches the snapshot's image, authenticating with
// the frozen registry credentials when present.
func (a *Activities) PullServiceImage(ctx context.Context, hash string) (*SourceResult, error) {
	d, err := a.loadDeployment(hash)
	if err != nil {
		return nil, err
	}
	snap := d.Snapshot

	var auth *runtime.RegistryAuth
	if snap.Credentials != nil {
		auth = &runtime.RegistryAuth{
			Username: snap.Credentials.Username,
			Password: snap.Credentials.Password,
		}
	}
	if err := a.runtime.PullImage(ctx, snap.Image, auth); err != nil {
		return nil, fmt.Errorf("failed to pull %s: %w", snap.Image, err)
	}

	ports := a.recordDetectedPorts(ctx, d.ServiceID, snap.Image)
	a.log.Info().Str("deployment", hash).Str("image", snap.Image).Msg("image pulled")
	return &SourceResult{Image: snap.Image, Ports: ports}, nil
}

// RemoveBuildDirectory drops the checkout. Called after a successful
// git deployment and during compensation; the built image is kept
// either way, it doubles as the build cache.
func (a *Activities) RemoveBuildDirectory(ctx context.Context, hash string) error {
	return os.RemoveAll(a.checkoutDir(hash))
}

// recordDetectedPorts caches the image's declared ports so the API can
// suggest the exposed port when the user adds a URL. Best effort: a
// detection failure never fails the deployment.
func (a *Activities) recordDetectedPorts(ctx context.Context, serviceID, image string) []int {
	ports, err := a.runtime.DetectExposedPorts(ctx, image)
	if err != nil {
		a.log.Warn().Err(err).Str("image", image).Msg("failed to detect exposed ports")
		return nil
	}
	if len(ports) == 0 {
		return nil
	}
	if err := a.cache.SetDetectedPorts(ctx, serviceID, ports); err != nil {
		a.log.Warn().Err(err).Str("service", serviceID).Msg("failed to cache detected ports")
	}
	return ports
}
