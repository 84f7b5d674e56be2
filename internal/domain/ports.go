package domain

import (
	"context"
	"time"
)

// ProjectStore persists the project descriptor and per-taskspace
// descriptor files. Load migrates legacy schema versions in place.
type ProjectStore interface {
	// Load reads the project at the given root directory, migrating legacy
	// descriptor versions and loading all taskspace descriptors.
	// Returns ErrProjectNotFound if no descriptor exists.
	Load(path string) (*Project, error)

	// Save writes the project descriptor (current schema version).
	Save(p *Project) error

	// SaveTaskspace writes one taskspace descriptor under the project root.
	SaveTaskspace(projectPath string, ts *Taskspace) error

	// LoadTaskspace reads one taskspace descriptor. Missing newer fields
	// default-fill on decode. Returns ErrTaskspaceNotFound if absent.
	LoadTaskspace(projectPath, taskspaceID string) (*Taskspace, error)
}

// WorktreeManager owns the project's shared bare repository and the
// per-taskspace worktrees and branches created from it.
type WorktreeManager interface {
	// EnsureBareRepo clones the project's bare repository if it does not
	// exist yet, configures its remote-tracking fetch refspec, fetches, and
	// sets the remote HEAD symbolic reference.
	EnsureBareRepo(ctx context.Context, p *Project) error

	// ResolveBaseBranch picks the branch new taskspaces fork from:
	// project override, then remote HEAD, then a conventional-name scan,
	// then "main".
	ResolveBaseBranch(p *Project) (string, error)

	// CreateWorktree creates the taskspace's branch and worktree, both
	// derived from the taskspace id. Returns the worktree path.
	CreateWorktree(ctx context.Context, p *Project, taskspaceID, baseBranch string) (string, error)

	// RemoveWorktree removes the taskspace's worktree. If git refuses, the
	// directory is deleted recursively instead and a warning is logged.
	RemoveWorktree(ctx context.Context, p *Project, taskspaceID string) error

	// CurrentBranch returns the branch checked out in the taskspace's
	// worktree.
	CurrentBranch(ctx context.Context, p *Project, taskspaceID string) (string, error)

	// DeleteBranch force-deletes a branch in the bare repository.
	DeleteBranch(ctx context.Context, p *Project, branch string) error
}

// AgentResolver is the installed-agent collaborator. Given an agent identity
// and the taskspace it will run in, it returns the concrete launch command,
// or nil when the agent is not installed or configured.
type AgentResolver interface {
	Resolve(agent string, ts *Taskspace) []string
	List() []AgentInfo
}

// AgentInfo describes one known agent.
type AgentInfo struct {
	Name      string
	Command   []string
	Installed bool
}

// WindowRegistrar is the window-management collaborator. It only needs a
// taskspace id to associate a window; it never mutates taskspaces.
type WindowRegistrar interface {
	RegisterWindow(taskspaceID string, shellPID int, title string)
}

// ConfigLoader loads configuration from files.
type ConfigLoader interface {
	// Load returns the merged configuration (project + global).
	Load() (*Config, error)
}

// Config represents the application configuration.
type Config struct {
	DefaultAgent string               // Top-level default_agent
	Agent        AgentConfig          // Common [agent] settings
	Agents       map[string]AgentSpec // Per-agent settings [agents.<name>]
	Git          GitConfig            // [git] settings
	Log          LogConfig            // [log] settings
}

// AgentConfig holds common agent settings from the [agent] section.
type AgentConfig struct {
	Prompt string // Common prompt appended to all agents
}

// AgentSpec holds per-agent configuration.
type AgentSpec struct {
	Command string            // Executable name or path
	Args    []string          // Arguments passed to the agent
	Env     map[string]string // Extra environment variables
}

// GitConfig holds git settings from the [git] section.
type GitConfig struct {
	Remote string // Remote name override (default "origin")
}

// LogConfig holds logging settings from the [log] section.
type LogConfig struct {
	Level string // Log level: debug, info, warn, error
}

// Logger writes project-scoped log output. taskspaceID may be empty for
// project-wide entries.
type Logger interface {
	Debug(taskspaceID, category, msg string)
	Info(taskspaceID, category, msg string)
	Warn(taskspaceID, category, msg string)
	Error(taskspaceID, category, msg string)
}

// Clock provides time operations for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// RealClock implements Clock using the system clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time {
	return time.Now()
}
