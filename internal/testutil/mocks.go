// Package testutil provides shared test utilities and mock implementations.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/perch-dev/perch/internal/domain"
)

// MockClock is a test double for domain.Clock.
type MockClock struct {
	NowTime time.Time
}

// Now returns the configured time.
func (m *MockClock) Now() time.Time {
	return m.NowTime
}

// MockProjectStore is an in-memory test double for domain.ProjectStore.
// Fields are ordered to minimize memory padding.
type MockProjectStore struct {
	Projects   map[string]*domain.Project          // keyed by path
	Taskspaces map[string]map[string]*domain.Taskspace // projectPath -> id -> descriptor
	LoadErr    error
	SaveErr    error
	SaveCount  int
}

// NewMockProjectStore creates a MockProjectStore with initialized maps.
func NewMockProjectStore() *MockProjectStore {
	return &MockProjectStore{
		Projects:   make(map[string]*domain.Project),
		Taskspaces: make(map[string]map[string]*domain.Taskspace),
	}
}

// Ensure MockProjectStore implements domain.ProjectStore.
var _ domain.ProjectStore = (*MockProjectStore)(nil)

// Load returns the configured project or error.
func (m *MockProjectStore) Load(path string) (*domain.Project, error) {
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	p, ok := m.Projects[path]
	if !ok {
		return nil, domain.ErrProjectNotFound
	}
	return p, nil
}

// Save records the project and counts the call.
func (m *MockProjectStore) Save(p *domain.Project) error {
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.SaveCount++
	m.Projects[p.Path] = p
	return nil
}

// SaveTaskspace records the taskspace descriptor.
func (m *MockProjectStore) SaveTaskspace(projectPath string, ts *domain.Taskspace) error {
	if m.SaveErr != nil {
		return m.SaveErr
	}
	if m.Taskspaces[projectPath] == nil {
		m.Taskspaces[projectPath] = make(map[string]*domain.Taskspace)
	}
	copied := *ts
	m.Taskspaces[projectPath][ts.ID] = &copied
	return nil
}

// LoadTaskspace returns the recorded descriptor or ErrTaskspaceNotFound.
func (m *MockProjectStore) LoadTaskspace(projectPath, taskspaceID string) (*domain.Taskspace, error) {
	ts, ok := m.Taskspaces[projectPath][taskspaceID]
	if !ok {
		return nil, domain.ErrTaskspaceNotFound
	}
	copied := *ts
	return &copied, nil
}

// MockWorktreeManager is a test double for domain.WorktreeManager.
// Fields are ordered to minimize memory padding.
type MockWorktreeManager struct {
	EnsureErr        error
	ResolveErr       error
	CreateErr        error
	RemoveErr        error
	BranchErr        error
	DeleteBranchErr  error
	BaseBranch       string
	CurrentBranchVal string
	CreatedIDs       []string
	RemovedIDs       []string
	DeletedBranches  []string
	EnsureCalls      int
}

// NewMockWorktreeManager creates a MockWorktreeManager resolving to "main".
func NewMockWorktreeManager() *MockWorktreeManager {
	return &MockWorktreeManager{BaseBranch: "main"}
}

// Ensure MockWorktreeManager implements domain.WorktreeManager.
var _ domain.WorktreeManager = (*MockWorktreeManager)(nil)

// EnsureBareRepo counts the call and returns the configured error.
func (m *MockWorktreeManager) EnsureBareRepo(_ context.Context, _ *domain.Project) error {
	m.EnsureCalls++
	return m.EnsureErr
}

// ResolveBaseBranch returns the configured branch or error.
func (m *MockWorktreeManager) ResolveBaseBranch(_ *domain.Project) (string, error) {
	if m.ResolveErr != nil {
		return "", m.ResolveErr
	}
	return m.BaseBranch, nil
}

// CreateWorktree records the call and returns the derived path or error.
func (m *MockWorktreeManager) CreateWorktree(_ context.Context, p *domain.Project, taskspaceID, _ string) (string, error) {
	if m.CreateErr != nil {
		return "", m.CreateErr
	}
	m.CreatedIDs = append(m.CreatedIDs, taskspaceID)
	return domain.WorktreePath(p.Path, taskspaceID, p.GitURL), nil
}

// RemoveWorktree records the call and returns the configured error.
func (m *MockWorktreeManager) RemoveWorktree(_ context.Context, _ *domain.Project, taskspaceID string) error {
	if m.RemoveErr != nil {
		return m.RemoveErr
	}
	m.RemovedIDs = append(m.RemovedIDs, taskspaceID)
	return nil
}

// CurrentBranch returns the configured branch, defaulting to the derived name.
func (m *MockWorktreeManager) CurrentBranch(_ context.Context, _ *domain.Project, taskspaceID string) (string, error) {
	if m.BranchErr != nil {
		return "", m.BranchErr
	}
	if m.CurrentBranchVal != "" {
		return m.CurrentBranchVal, nil
	}
	return domain.BranchName(taskspaceID), nil
}

// DeleteBranch records the call and returns the configured error.
func (m *MockWorktreeManager) DeleteBranch(_ context.Context, _ *domain.Project, branch string) error {
	if m.DeleteBranchErr != nil {
		return m.DeleteBranchErr
	}
	m.DeletedBranches = append(m.DeletedBranches, branch)
	return nil
}

// MockAgentResolver is a test double for domain.AgentResolver.
type MockAgentResolver struct {
	Command []string
	Agents  []domain.AgentInfo
}

// Ensure MockAgentResolver implements domain.AgentResolver.
var _ domain.AgentResolver = (*MockAgentResolver)(nil)

// Resolve returns the configured command.
func (m *MockAgentResolver) Resolve(_ string, _ *domain.Taskspace) []string {
	return m.Command
}

// List returns the configured agents.
func (m *MockAgentResolver) List() []domain.AgentInfo {
	return m.Agents
}

// MockWindowRegistrar is a test double for domain.WindowRegistrar.
type MockWindowRegistrar struct {
	TaskspaceID string
	Title       string
	ShellPID    int
	Called      bool
}

// Ensure MockWindowRegistrar implements domain.WindowRegistrar.
var _ domain.WindowRegistrar = (*MockWindowRegistrar)(nil)

// RegisterWindow records the call.
func (m *MockWindowRegistrar) RegisterWindow(taskspaceID string, shellPID int, title string) {
	m.Called = true
	m.TaskspaceID = taskspaceID
	m.ShellPID = shellPID
	m.Title = title
}

// MockConfigLoader is a test double for domain.ConfigLoader.
type MockConfigLoader struct {
	Config  *domain.Config
	LoadErr error
}

// Ensure MockConfigLoader implements domain.ConfigLoader.
var _ domain.ConfigLoader = (*MockConfigLoader)(nil)

// Load returns the configured config or error.
func (m *MockConfigLoader) Load() (*domain.Config, error) {
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	if m.Config != nil {
		return m.Config, nil
	}
	return &domain.Config{}, nil
}

// NopLogger is a domain.Logger that discards everything.
type NopLogger struct{}

// Ensure NopLogger implements domain.Logger.
var _ domain.Logger = (*NopLogger)(nil)

func (NopLogger) Debug(_, _, _ string) {}
func (NopLogger) Info(_, _, _ string)  {}
func (NopLogger) Warn(_, _, _ string)  {}
func (NopLogger) Error(_, _, _ string) {}

// MockResponder records responses and broadcasts for assertions.
// Fields are ordered to minimize memory padding.
type MockResponder struct {
	mu         sync.Mutex
	Responses  []domain.Response
	Broadcasts []domain.Envelope
	RespondErr error
}

// Respond records the response.
func (m *MockResponder) Respond(resp domain.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RespondErr != nil {
		return m.RespondErr
	}
	m.Responses = append(m.Responses, resp)
	return nil
}

// Broadcast records the unsolicited message.
func (m *MockResponder) Broadcast(msgType domain.MessageType, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Broadcasts = append(m.Broadcasts, domain.Envelope{Type: msgType, Payload: payload})
	return nil
}

// Sent returns a snapshot of the recorded responses.
func (m *MockResponder) Sent() []domain.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Response, len(m.Responses))
	copy(out, m.Responses)
	return out
}
