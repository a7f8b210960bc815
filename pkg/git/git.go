// Package git clones service repositories and resolves branch heads.
// Authentication rides inside the repository URL (the gitapp package
// embeds provider tokens as userinfo), so every operation here works
// the same for public repos, GitHub app installations and GitLab apps.
package git

import (
	"context"
	"fmt"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
)

// CommitInfo describes the commit a deployment was built from.
type CommitInfo struct {
	SHA     string
	Message string // subject line only
	Author  string
}

// Clone checks out the repository at dir. When commitSHA is the
// literal "HEAD" the branch tip is used; pinned commits check out the
// exact hash from the branch history.
func Clone(ctx context.Context, dir, url, branch, commitSHA string) (*CommitInfo, error) {
	opts := &gogit.CloneOptions{
		URL:           url,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
	}
	head := commitSHA == "" || commitSHA == "HEAD"

	repo, err := gogit.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to clone %s: %w", redactURL(url), err)
	}

	var hash plumbing.Hash
	if head {
		ref, err := repo.Head()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
		}
		hash = ref.Hash()
	} else {
		hash = plumbing.NewHash(commitSHA)
		wt, err := repo.Worktree()
		if err != nil {
			return nil, fmt.Errorf("failed to open worktree: %w", err)
		}
		if err := wt.Checkout(&gogit.CheckoutOptions{Hash: hash, Force: true}); err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", commitSHA, err)
		}
	}

	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to read commit %s: %w", hash, err)
	}
	return infoOf(commit), nil
}

// ResolveBranchHead asks the remote for the tip of a branch without
// cloning, the ls-remote operation. The planner uses it to pin "HEAD"
// deployments to a concrete commit.
func ResolveBranchHead(ctx context.Context, url, branch string) (string, error) {
	remote := gogit.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})

	refs, err := remote.ListContext(ctx, &gogit.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to list refs of %s: %w", redactURL(url), err)
	}

	want := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return ref.Hash().String(), nil
		}
	}
	return "", fmt.Errorf("branch %s not found on %s", branch, redactURL(url))
}

// NormalizeRepoURL reduces a repository URL to a comparable form:
// lowercase host/path, no scheme, no credentials, no trailing ".git".
// Fork detection compares head and base repositories with it, so
// https://github.com/Org/Repo.git and git@github.com:org/repo match.
func NormalizeRepoURL(url string) string {
	u := strings.TrimSpace(url)
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
	}
	if at := strings.LastIndexByte(u, '@'); at >= 0 {
		u = u[at+1:]
	}
	// scp-like syntax: host:path
	if i := strings.IndexByte(u, ':'); i >= 0 && !strings.Contains(u[:i], "/") {
		u = u[:i] + "/" + u[i+1:]
	}
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, ".git")
	return strings.ToLower(u)
}

func infoOf(c *object.Commit) *CommitInfo {
	subject := c.Message
	if i := strings.IndexByte(subject, '\n'); i >= 0 {
		subject = subject[:i]
	}
	return &CommitInfo{
		SHA:     c.Hash.String(),
		Message: strings.TrimSpace(subject),
		Author:  c.Author.Name,
	}
}

// redactURL strips embedded credentials before a URL reaches an error
// message or a log line.
func redactURL(url string) string {
	at := strings.LastIndexByte(url, '@')
	if at < 0 {
		return url
	}
	scheme := strings.Index(url, "://")
	if scheme < 0 || at < scheme {
		return url
	}
	return url[:scheme+3] + "***@" + url[at+1:]
}
