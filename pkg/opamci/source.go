package opamci

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// FetchError represents a failure to fetch or resolve sources, e.g.
// network or authentication problems. It collapses the whole stage
// tree to a single failed leaf.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch error: git %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SourceProvider resolves commit references and produces working trees.
type SourceProvider interface {
	// Resolve turns a commit reference (branch, tag, sha) into an
	// immutable commit identifier.
	Resolve(ctx context.Context, ref string) (string, error)

	// Checkout produces a working tree for the commit and returns its
	// location. The caller owns the returned directory.
	Checkout(ctx context.Context, commit string) (string, error)
}

// GitProvider implements SourceProvider using the git binary against a
// local clone that it keeps fetched from the configured remote.
type GitProvider struct {
	// Remote is the repository URL.
	Remote string
	// CloneDir holds the local mirror. Defaults to a directory under
	// the user cache dir.
	CloneDir string
}

var _ SourceProvider = &GitProvider{}

func (g *GitProvider) cloneDir() (string, error) {
	if g.CloneDir != "" {
		return g.CloneDir, nil
	}

	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	safe := strings.NewReplacer("/", "-", ":", "-", "@", "-").Replace(g.Remote)
	return filepath.Join(base, "opamci", "repos", safe), nil
}

func (g *GitProvider) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", &FetchError{Op: strings.Join(args, " "), Err: fmt.Errorf("%v: %s", err, strings.TrimSpace(string(out)))}
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *GitProvider) ensureClone(ctx context.Context) (string, error) {
	dir, err := g.cloneDir()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		if _, err := g.git(ctx, dir, "fetch", "--quiet", "origin"); err != nil {
			return "", err
		}
		return dir, nil
	}

	log.WithFields(log.Fields{"remote": g.Remote, "dir": dir}).Debug("cloning repository")
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return "", err
	}
	if _, err := g.git(ctx, filepath.Dir(dir), "clone", "--quiet", g.Remote, dir); err != nil {
		return "", err
	}
	return dir, nil
}

// Resolve implements SourceProvider
func (g *GitProvider) Resolve(ctx context.Context, ref string) (string, error) {
	dir, err := g.ensureClone(ctx)
	if err != nil {
		return "", err
	}
	return g.git(ctx, dir, "rev-parse", ref)
}

// Checkout implements SourceProvider
func (g *GitProvider) Checkout(ctx context.Context, commit string) (string, error) {
	dir, err := g.ensureClone(ctx)
	if err != nil {
		return "", err
	}

	wt, err := os.MkdirTemp("", "opamci-checkout-*")
	if err != nil {
		return "", err
	}
	if _, err := g.git(ctx, dir, "worktree", "add", "--detach", wt, commit); err != nil {
		_ = os.RemoveAll(wt)
		return "", err
	}
	return wt, nil
}
