package domain

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Branch names and on-disk directories are pure functions of the taskspace
// id. No counters or lookup tables are involved, so two taskspaces can never
// collide regardless of creation order.

// BranchName returns the branch name for a taskspace.
// Format: taskspace-<id>
func BranchName(taskspaceID string) string {
	return "taskspace-" + taskspaceID
}

// TaskspaceDir returns the per-taskspace directory under the project root.
// Format: <project>/task-<id>
func TaskspaceDir(projectPath, taskspaceID string) string {
	return filepath.Join(projectPath, "task-"+taskspaceID)
}

// DescriptorPath returns the path to the taskspace descriptor file.
func DescriptorPath(projectPath, taskspaceID string) string {
	return filepath.Join(TaskspaceDir(projectPath, taskspaceID), "taskspace.json")
}

// WorktreePath returns the worktree checkout directory for a taskspace.
// Format: <project>/task-<id>/<repo>
func WorktreePath(projectPath, taskspaceID, gitURL string) string {
	return filepath.Join(TaskspaceDir(projectPath, taskspaceID), RepoBaseName(gitURL))
}

// BareRepoPath returns the shared bare repository path for a project.
// Format: <project>/<repo>.git
func BareRepoPath(projectPath, gitURL string) string {
	return filepath.Join(projectPath, RepoBaseName(gitURL)+".git")
}

// ProjectFilePath returns the path to the project descriptor file.
func ProjectFilePath(projectPath string) string {
	return filepath.Join(projectPath, "project.json")
}

// GlobalLogPath returns the path to the project-wide log file.
func GlobalLogPath(projectPath string) string {
	return filepath.Join(projectPath, "logs", "perch.log")
}

// TaskspaceLogPath returns the path to a taskspace's log file.
func TaskspaceLogPath(projectPath, taskspaceID string) string {
	return filepath.Join(projectPath, "logs", "task-"+taskspaceID+".log")
}

// RepoBaseName extracts the repository base name from a git URL or path.
// "https://example.com/owner/repo.git" and "/srv/git/repo" both yield "repo".
func RepoBaseName(gitURL string) string {
	s := strings.TrimSuffix(gitURL, "/")
	s = strings.TrimSuffix(s, ".git")
	// scp-like syntax: git@host:owner/repo
	if i := strings.LastIndexAny(s, "/:"); i >= 0 {
		s = s[i+1:]
	}
	if s == "" {
		return "repo"
	}
	return s
}

// branchPattern matches perch branch names: taskspace-<id>
var branchPattern = regexp.MustCompile(`^taskspace-([0-9a-fA-F-]+)$`)

// ParseBranchTaskspaceID extracts the taskspace id from a branch name.
// Returns the id and true if the branch follows the perch naming convention.
func ParseBranchTaskspaceID(branch string) (string, bool) {
	matches := branchPattern.FindStringSubmatch(branch)
	if matches == nil {
		return "", false
	}
	return matches[1], true
}
