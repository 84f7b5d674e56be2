// Package worktree manages the project's shared bare repository and the git
// worktrees taskspaces are checked out into.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/perch-dev/perch/internal/domain"
)

// conventionalBranches are scanned, in order, when neither the project nor
// the remote declares a default branch.
var conventionalBranches = []string{"main", "master", "develop"}

// Manager implements domain.WorktreeManager by shelling out to git for
// worktree operations and using go-git plumbing to inspect the bare
// repository. git worktree has no go-git equivalent, so the split mirrors
// what the commands need rather than a style preference.
type Manager struct {
	logger *slog.Logger
}

// NewManager creates a worktree manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{logger: logger}
}

// Ensure Manager implements domain.WorktreeManager.
var _ domain.WorktreeManager = (*Manager)(nil)

// EnsureBareRepo clones the project's bare repository if absent. A bare
// clone does not configure a remote-tracking fetch refspec or a remote HEAD
// reference, and base-branch detection needs both, so they are set up
// explicitly after the clone.
func (m *Manager) EnsureBareRepo(ctx context.Context, p *domain.Project) error {
	barePath := domain.BareRepoPath(p.Path, p.GitURL)

	if _, err := gogit.PlainOpen(barePath); err == nil {
		return nil
	} else if !errors.Is(err, gogit.ErrRepositoryNotExists) {
		return fmt.Errorf("inspect bare repository: %w", err)
	}

	remote := p.Remote()

	// git refuses --origin together with --bare; rename afterwards when the
	// project configures a non-default remote name.
	if err := m.git(ctx, p.Path, "clone", "--bare", p.GitURL, barePath); err != nil {
		return err
	}
	if remote != domain.DefaultRemoteName {
		if err := m.git(ctx, barePath, "remote", "rename", domain.DefaultRemoteName, remote); err != nil {
			return err
		}
	}
	refspec := fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", remote)
	if err := m.git(ctx, barePath, "config", "remote."+remote+".fetch", refspec); err != nil {
		return err
	}
	if err := m.git(ctx, barePath, "fetch", remote); err != nil {
		return err
	}
	// Queries the remote for its default branch and writes
	// refs/remotes/<remote>/HEAD.
	if err := m.git(ctx, barePath, "remote", "set-head", remote, "--auto"); err != nil {
		return err
	}
	return nil
}

// ResolveBaseBranch picks the branch new taskspaces fork from:
// project-level configuration, then the remote's HEAD symbolic reference,
// then a scan of remote branches for conventional names, then "main".
func (m *Manager) ResolveBaseBranch(p *domain.Project) (string, error) {
	if p.BaseBranch != "" {
		return p.BaseBranch, nil
	}

	barePath := domain.BareRepoPath(p.Path, p.GitURL)
	repo, err := gogit.PlainOpen(barePath)
	if err != nil {
		return "", fmt.Errorf("open bare repository: %w", err)
	}
	remote := p.Remote()

	remotePrefix := "refs/remotes/" + remote + "/"
	headRef := plumbing.ReferenceName(remotePrefix + "HEAD")
	if ref, err := repo.Reference(headRef, false); err == nil && ref.Type() == plumbing.SymbolicReference {
		if target := ref.Target().String(); strings.HasPrefix(target, remotePrefix) {
			return strings.TrimPrefix(target, remotePrefix), nil
		}
	}

	for _, name := range conventionalBranches {
		candidate := plumbing.NewRemoteReferenceName(remote, name)
		if _, err := repo.Reference(candidate, true); err == nil {
			return name, nil
		}
	}

	return "main", nil
}

// CreateWorktree creates the taskspace's branch and worktree. Both names
// are derived from the taskspace id, so taskspaces created back to back or
// concurrently cannot collide.
func (m *Manager) CreateWorktree(ctx context.Context, p *domain.Project, taskspaceID, baseBranch string) (string, error) {
	barePath := domain.BareRepoPath(p.Path, p.GitURL)
	branch := domain.BranchName(taskspaceID)
	path := domain.WorktreePath(p.Path, taskspaceID, p.GitURL)

	if err := m.git(ctx, barePath, "worktree", "add", "-b", branch, path, baseBranch); err != nil {
		return "", err
	}
	return path, nil
}

// RemoveWorktree removes the taskspace's worktree with git. If git refuses,
// the directory is deleted recursively instead and a warning is logged;
// losing git-level bookkeeping is preferred over a taskspace that cannot be
// deleted.
func (m *Manager) RemoveWorktree(ctx context.Context, p *domain.Project, taskspaceID string) error {
	barePath := domain.BareRepoPath(p.Path, p.GitURL)
	path := domain.WorktreePath(p.Path, taskspaceID, p.GitURL)

	if err := m.git(ctx, barePath, "worktree", "remove", "--force", path); err != nil {
		m.logger.Warn("git worktree remove failed, deleting directory",
			"taskspace", taskspaceID, "path", path, "error", err)
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("remove worktree directory: %w", rmErr)
		}
		// Clear the stale registration so the id could be reused safely.
		if pruneErr := m.git(ctx, barePath, "worktree", "prune"); pruneErr != nil {
			m.logger.Warn("git worktree prune failed", "error", pruneErr)
		}
	}
	return nil
}

// CurrentBranch returns the branch checked out in the taskspace's worktree.
func (m *Manager) CurrentBranch(ctx context.Context, p *domain.Project, taskspaceID string) (string, error) {
	path := domain.WorktreePath(p.Path, taskspaceID, p.GitURL)
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = path
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("get current branch: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// DeleteBranch force-deletes a branch in the bare repository.
func (m *Manager) DeleteBranch(ctx context.Context, p *domain.Project, branch string) error {
	barePath := domain.BareRepoPath(p.Path, p.GitURL)
	return m.git(ctx, barePath, "branch", "-D", branch)
}

// git runs one git command in dir, wrapping failures with the captured
// output the way the rest of the codebase reports subprocess errors.
func (m *Manager) git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
