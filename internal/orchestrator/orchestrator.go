// Package orchestrator owns the open project and implements the message
// handling behind every taskspace operation. It is the single delegate the
// dispatch router probes; CLI commands call its exported methods directly.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/perch-dev/perch/internal/dispatch"
	"github.com/perch-dev/perch/internal/domain"
)

// EventKind classifies an orchestrator event.
type EventKind string

const (
	EventTaskspaceCreated  EventKind = "taskspace_created"
	EventTaskspaceUpdated  EventKind = "taskspace_updated"
	EventTaskspaceDeleted  EventKind = "taskspace_deleted"
	EventDeletionRequested EventKind = "deletion_requested"
	EventAttentionNeeded   EventKind = "attention_needed"
)

// Event is published to observers after a committed mutation.
type Event struct {
	Kind        EventKind
	TaskspaceID string
}

// Stage names of the creation pipeline, in execution order.
const (
	stageDirectory  = "create directory"
	stageBareRepo   = "ensure bare repository"
	stageBaseBranch = "resolve base branch"
	stageWorktree   = "create worktree"
	stagePersist    = "persist metadata"
)

// Orchestrator coordinates the project store, the worktree manager, and the
// agent and window collaborators. All reads and writes of the taskspace
// collection go through mu; worktree and branch mutations are additionally
// serialized by gitMu so two concurrent creations never interleave inside
// git.
type Orchestrator struct {
	mu    sync.Mutex
	gitMu sync.Mutex

	store     domain.ProjectStore
	worktrees domain.WorktreeManager
	agents    domain.AgentResolver
	windows   domain.WindowRegistrar
	logger    domain.Logger
	clock     domain.Clock
	pending   *dispatch.PendingRegistry

	responder dispatch.Responder

	project   *domain.Project
	observers []func(Event)
}

// New creates an orchestrator with no project open.
func New(
	store domain.ProjectStore,
	worktrees domain.WorktreeManager,
	agents domain.AgentResolver,
	windows domain.WindowRegistrar,
	logger domain.Logger,
	clock domain.Clock,
	pending *dispatch.PendingRegistry,
) *Orchestrator {
	return &Orchestrator{
		store:     store,
		worktrees: worktrees,
		agents:    agents,
		windows:   windows,
		logger:    logger,
		clock:     clock,
		pending:   pending,
	}
}

// Ensure Orchestrator satisfies the router's delegate contract.
var _ dispatch.Delegate = (*Orchestrator)(nil)

// SetResponder installs the connection used to resolve deferred responses
// and to broadcast unsolicited messages. Without one, deferred entries are
// still resolved in the registry but no wire response is written.
func (o *Orchestrator) SetResponder(r dispatch.Responder) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.responder = r
}

// AddObserver registers a callback invoked after each committed mutation.
// Observers run synchronously on the mutating goroutine under the lock and
// must not call back into the orchestrator; spawn a goroutine to react.
func (o *Orchestrator) AddObserver(fn func(Event)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, fn)
}

// Project returns the open project, or nil.
func (o *Orchestrator) Project() *domain.Project {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.project
}

// OpenProject loads the project at path, validates every taskspace against
// the filesystem, and makes it the open project. Stale taskspaces are
// flagged and returned; nothing is pruned here.
func (o *Orchestrator) OpenProject(ctx context.Context, path string) (*domain.Project, []*domain.Taskspace, error) {
	p, err := o.store.Load(path)
	if err != nil {
		return nil, nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.project = p
	stale := o.validateLocked()
	for _, ts := range stale {
		o.logger.Warn(ts.ID, "stale", "taskspace artifacts missing on disk")
	}
	return p, stale, nil
}

// CreateProject initializes a new project root for the given repository and
// opens it. The bare repository is cloned lazily by the first taskspace
// creation.
func (o *Orchestrator) CreateProject(ctx context.Context, path, gitURL, name string) (*domain.Project, error) {
	if gitURL == "" {
		return nil, domain.ErrNotGitRepository
	}
	if name == "" {
		name = domain.RepoBaseName(gitURL)
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("create project directory: %w", err)
	}

	p := &domain.Project{
		ID:         uuid.NewString(),
		Name:       name,
		GitURL:     gitURL,
		Path:       path,
		RemoteName: domain.DefaultRemoteName,
		Version:    domain.SchemaVersion,
	}
	if err := o.store.Save(p); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.project = p
	o.logger.Info("", "project", "project created: "+name)
	return p, nil
}

// validateLocked checks each taskspace's on-disk artifacts and flags the
// ones with anything missing. Caller holds mu.
func (o *Orchestrator) validateLocked() []*domain.Taskspace {
	var stale []*domain.Taskspace
	p := o.project
	for _, ts := range p.Taskspaces {
		ts.Stale = !dirExists(domain.TaskspaceDir(p.Path, ts.ID)) ||
			!fileExists(domain.DescriptorPath(p.Path, ts.ID)) ||
			!dirExists(domain.WorktreePath(p.Path, ts.ID, p.GitURL))
		if ts.Stale {
			stale = append(stale, ts)
		}
	}
	return stale
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Handle implements the delegate contract. Messages naming an unknown
// taskspace are declined so the router can synthesize the not-found failure.
func (o *Orchestrator) Handle(ctx context.Context, env *domain.Envelope) dispatch.Outcome {
	switch env.Type {
	case domain.MessageSpawnTaskspace:
		return o.handleSpawn(ctx, env)
	case domain.MessageTaskspaceState:
		return o.handleState(env)
	case domain.MessageUpdateTaskspace:
		return o.handleUpdate(env)
	case domain.MessageDeleteTaskspace:
		return o.handleDelete(env)
	case domain.MessageLogProgress:
		return o.handleLogProgress(env)
	case domain.MessageSignalUser:
		return o.handleSignalUser(env)
	case domain.MessageRegisterWindow:
		return o.handleRegisterWindow(env)
	default:
		return dispatch.NotForMe()
	}
}

// lookupLocked resolves the taskspace a message concerns. Caller holds mu.
func (o *Orchestrator) lookupLocked(env *domain.Envelope) *domain.Taskspace {
	if o.project == nil {
		return nil
	}
	id := env.TaskspaceUUID()
	if id == "" {
		return nil
	}
	return o.project.Taskspace(id)
}

func (o *Orchestrator) handleSpawn(ctx context.Context, env *domain.Envelope) dispatch.Outcome {
	if o.Project() == nil {
		return dispatch.NotForMe()
	}
	req, _ := env.Payload.(*domain.SpawnTaskspaceRequest)
	if req == nil || req.Name == "" {
		return dispatch.Failed(domain.ErrEmptyName)
	}

	ts, err := o.CreateTaskspace(ctx, CreateParams{
		Name:          req.Name,
		Description:   req.Description,
		InitialPrompt: req.InitialPrompt,
		Agent:         req.Agent,
	})
	if err != nil {
		return dispatch.Failed(err)
	}
	return dispatch.Handled(domain.SpawnTaskspaceData{NewTaskspaceUUID: ts.ID})
}

// handleState is the combined read-modify-read operation. A request with
// fields applies them and fires the activation transition; a request with
// none is an idempotent read that leaves the initial prompt deliverable.
func (o *Orchestrator) handleState(env *domain.Envelope) dispatch.Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()

	ts := o.lookupLocked(env)
	if ts == nil {
		return dispatch.NotForMe()
	}
	req, _ := env.Payload.(*domain.TaskspaceStateRequest)

	if !req.Empty() {
		if req.Name != nil {
			ts.Name = *req.Name
		}
		if req.Description != nil {
			ts.Description = *req.Description
		}
		if req.Collaborator != nil {
			ts.Collaborator = *req.Collaborator
		}
		ts.Activate(o.clock.Now())
		if err := o.persistTaskspaceLocked(ts); err != nil {
			return dispatch.Failed(err)
		}
		o.notifyLocked(Event{Kind: EventTaskspaceUpdated, TaskspaceID: ts.ID})
	}

	data := domain.TaskspaceStateData{
		Name:         ts.Name,
		Description:  ts.Description,
		AgentCommand: o.agents.Resolve(ts.Agent, ts),
	}
	if ts.State == domain.StateHatchling && ts.InitialPrompt != "" {
		prompt := ts.InitialPrompt
		data.InitialPrompt = &prompt
	}
	if ts.Collaborator != "" {
		collaborator := ts.Collaborator
		data.Collaborator = &collaborator
	}
	return dispatch.Handled(data)
}

func (o *Orchestrator) handleUpdate(env *domain.Envelope) dispatch.Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()

	ts := o.lookupLocked(env)
	if ts == nil {
		return dispatch.NotForMe()
	}
	req, _ := env.Payload.(*domain.UpdateTaskspaceRequest)
	if req == nil || (req.Name == nil && req.Description == nil) {
		return dispatch.Handled(nil)
	}

	if req.Name != nil {
		ts.Name = *req.Name
	}
	if req.Description != nil {
		ts.Description = *req.Description
	}
	ts.Activate(o.clock.Now())
	if err := o.persistTaskspaceLocked(ts); err != nil {
		return dispatch.Failed(err)
	}
	o.notifyLocked(Event{Kind: EventTaskspaceUpdated, TaskspaceID: ts.ID})
	return dispatch.Handled(nil)
}

// handleDelete starts the two-phase deletion: the advisory flag and the
// pending entry are recorded, and no response is written until a human
// confirms or cancels.
func (o *Orchestrator) handleDelete(env *domain.Envelope) dispatch.Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()

	ts := o.lookupLocked(env)
	if ts == nil {
		return dispatch.NotForMe()
	}
	// A duplicate request is rejected outright; replacing the pending entry
	// would orphan the first message's correlation id.
	if ts.PendingDeletion || o.pending.Has(ts.ID) {
		return dispatch.Failed(domain.ErrDeletionAlreadyPending)
	}
	ts.PendingDeletion = true
	o.pending.Put(ts.ID, env.ID)
	o.logger.Info(ts.ID, "lifecycle", "deletion requested, awaiting confirmation")
	o.notifyLocked(Event{Kind: EventDeletionRequested, TaskspaceID: ts.ID})
	return dispatch.Pending()
}

func (o *Orchestrator) handleLogProgress(env *domain.Envelope) dispatch.Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()

	ts := o.lookupLocked(env)
	if ts == nil {
		return dispatch.NotForMe()
	}
	req, _ := env.Payload.(*domain.LogProgressRequest)
	if req == nil || !req.Category.Valid() {
		return dispatch.Failed(domain.ErrInvalidLogCategory)
	}

	ts.AppendLog(domain.LogEntry{
		Time:     o.clock.Now(),
		ID:       uuid.NewString(),
		Message:  req.Message,
		Category: req.Category,
	})
	ts.Activate(o.clock.Now())
	if err := o.persistTaskspaceLocked(ts); err != nil {
		return dispatch.Failed(err)
	}
	o.logger.Info(ts.ID, string(req.Category), req.Message)
	o.notifyLocked(Event{Kind: EventTaskspaceUpdated, TaskspaceID: ts.ID})
	return dispatch.Handled(nil)
}

// handleSignalUser records a question-category log entry so the taskspace
// shows up as needing the operator's attention.
func (o *Orchestrator) handleSignalUser(env *domain.Envelope) dispatch.Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()

	ts := o.lookupLocked(env)
	if ts == nil {
		return dispatch.NotForMe()
	}
	req, _ := env.Payload.(*domain.SignalUserRequest)
	message := "attention requested"
	if req != nil && req.Message != "" {
		message = req.Message
	}

	ts.AppendLog(domain.LogEntry{
		Time:     o.clock.Now(),
		ID:       uuid.NewString(),
		Message:  message,
		Category: domain.LogQuestion,
	})
	ts.Activate(o.clock.Now())
	if err := o.persistTaskspaceLocked(ts); err != nil {
		return dispatch.Failed(err)
	}
	o.logger.Info(ts.ID, "question", message)
	o.notifyLocked(Event{Kind: EventAttentionNeeded, TaskspaceID: ts.ID})
	return dispatch.Handled(nil)
}

func (o *Orchestrator) handleRegisterWindow(env *domain.Envelope) dispatch.Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()

	ts := o.lookupLocked(env)
	if ts == nil {
		return dispatch.NotForMe()
	}
	req, _ := env.Payload.(*domain.RegisterWindowRequest)
	title := ""
	if req != nil {
		title = req.WindowTitle
	}
	pid := 0
	if env.Sender.ShellPID != nil {
		pid = *env.Sender.ShellPID
	}
	o.windows.RegisterWindow(ts.ID, pid, title)
	return dispatch.Handled(nil)
}

// CreateParams are the operator-supplied attributes of a new taskspace.
type CreateParams struct {
	Name          string
	Description   string
	InitialPrompt string
	Agent         string
}

// CreateTaskspace runs the five-stage creation pipeline. On failure the
// returned error names the failed stage and the stages that completed
// before it; completed stages are never rolled back.
func (o *Orchestrator) CreateTaskspace(ctx context.Context, params CreateParams) (*domain.Taskspace, error) {
	if params.Name == "" {
		return nil, domain.ErrEmptyName
	}
	p := o.Project()
	if p == nil {
		return nil, domain.ErrProjectNotOpen
	}

	ts := &domain.Taskspace{
		CreatedAt:     o.clock.Now(),
		ID:            uuid.NewString(),
		Name:          params.Name,
		Description:   params.Description,
		State:         domain.StateHatchling,
		InitialPrompt: params.InitialPrompt,
		Agent:         params.Agent,
	}

	var completed []string
	fail := func(stage string, err error) error {
		staged := &domain.StageError{Err: err, Stage: stage, Completed: completed}
		o.logger.Error(ts.ID, "create", staged.Error())
		return staged
	}

	if err := os.MkdirAll(domain.TaskspaceDir(p.Path, ts.ID), 0o750); err != nil {
		return nil, fail(stageDirectory, err)
	}
	completed = append(completed, stageDirectory)

	o.gitMu.Lock()
	err := o.worktrees.EnsureBareRepo(ctx, p)
	if err != nil {
		o.gitMu.Unlock()
		return nil, fail(stageBareRepo, err)
	}
	completed = append(completed, stageBareRepo)

	base, err := o.worktrees.ResolveBaseBranch(p)
	if err != nil {
		o.gitMu.Unlock()
		return nil, fail(stageBaseBranch, err)
	}
	completed = append(completed, stageBaseBranch)

	_, err = o.worktrees.CreateWorktree(ctx, p, ts.ID, base)
	o.gitMu.Unlock()
	if err != nil {
		return nil, fail(stageWorktree, err)
	}
	completed = append(completed, stageWorktree)

	o.mu.Lock()
	defer o.mu.Unlock()
	p.AddTaskspace(ts)
	if err := o.store.SaveTaskspace(p.Path, ts); err != nil {
		return nil, fail(stagePersist, err)
	}
	if err := o.store.Save(p); err != nil {
		return nil, fail(stagePersist, err)
	}

	o.logger.Info(ts.ID, "lifecycle", "taskspace created: "+ts.Name)
	o.notifyLocked(Event{Kind: EventTaskspaceCreated, TaskspaceID: ts.ID})
	return ts, nil
}

// RequestDeletion marks a taskspace pending deletion from a local caller.
// Unlike the message path no response is deferred; the caller drives the
// confirm or cancel step itself.
func (o *Orchestrator) RequestDeletion(taskspaceID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.project == nil {
		return domain.ErrProjectNotOpen
	}
	ts := o.project.Taskspace(taskspaceID)
	if ts == nil {
		return domain.ErrTaskspaceNotFound
	}
	ts.PendingDeletion = true
	o.notifyLocked(Event{Kind: EventDeletionRequested, TaskspaceID: ts.ID})
	return nil
}

// ConfirmDeletion destroys the taskspace: worktree, branch, directory, and
// collection entry, in that order. The worktree removal falls back to a
// plain recursive delete; the branch delete is best-effort. If the deletion
// originated from a message, its deferred response resolves with success.
func (o *Orchestrator) ConfirmDeletion(ctx context.Context, taskspaceID string) error {
	o.mu.Lock()
	p := o.project
	if p == nil {
		o.mu.Unlock()
		return domain.ErrProjectNotOpen
	}
	ts := p.Taskspace(taskspaceID)
	if ts == nil {
		o.mu.Unlock()
		return domain.ErrTaskspaceNotFound
	}
	if !ts.PendingDeletion {
		o.mu.Unlock()
		return domain.ErrDeletionNotPending
	}
	o.mu.Unlock()

	// The branch name is read before the worktree disappears; once it is
	// gone the checkout can no longer tell us what it had.
	branch, err := o.worktrees.CurrentBranch(ctx, p, ts.ID)
	if err != nil {
		branch = domain.BranchName(ts.ID)
	}

	o.gitMu.Lock()
	if err := o.worktrees.RemoveWorktree(ctx, p, ts.ID); err != nil {
		o.gitMu.Unlock()
		return err
	}
	if err := o.worktrees.DeleteBranch(ctx, p, branch); err != nil {
		o.logger.Warn(ts.ID, "delete", "branch not deleted: "+err.Error())
	}
	o.gitMu.Unlock()

	if err := os.RemoveAll(domain.TaskspaceDir(p.Path, ts.ID)); err != nil {
		o.logger.Warn(ts.ID, "delete", "taskspace directory not removed: "+err.Error())
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	p.RemoveTaskspace(ts.ID)
	if err := o.store.Save(p); err != nil {
		return err
	}
	o.logger.Info(ts.ID, "lifecycle", "taskspace deleted: "+ts.Name)

	o.resolvePendingLocked(ts.ID, domain.SuccessResponse("", nil))
	o.notifyLocked(Event{Kind: EventTaskspaceDeleted, TaskspaceID: ts.ID})
	return nil
}

// CancelDeletion declines a pending deletion. Nothing is mutated; if the
// deletion originated from a message, the deferred response resolves with a
// failure the caller can distinguish from a fault.
func (o *Orchestrator) CancelDeletion(taskspaceID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.project == nil {
		return domain.ErrProjectNotOpen
	}
	ts := o.project.Taskspace(taskspaceID)
	if ts == nil {
		return domain.ErrTaskspaceNotFound
	}
	if !ts.PendingDeletion {
		return domain.ErrDeletionNotPending
	}
	ts.PendingDeletion = false
	o.logger.Info(ts.ID, "lifecycle", "deletion cancelled")

	o.resolvePendingLocked(ts.ID, domain.FailureResponse("", domain.ErrCancelledByUser.Error()))
	return nil
}

// resolvePendingLocked writes the deferred response for a taskspace if one
// exists. The registry's Take guarantees a single resolution; the response
// id is rewritten to the message id taken from the registry. Caller holds
// mu.
func (o *Orchestrator) resolvePendingLocked(taskspaceID string, resp domain.Response) {
	msgID, ok := o.pending.Take(taskspaceID)
	if !ok || o.responder == nil {
		return
	}
	resp.ID = msgID
	if err := o.responder.Respond(resp); err != nil {
		o.logger.Error(taskspaceID, "ipc", "deferred response not written: "+err.Error())
	}
}

// PruneStale removes the accepted stale taskspaces. Rejected ones keep
// their flag and their collection entry; nothing is ever pruned without an
// explicit accept.
func (o *Orchestrator) PruneStale(ctx context.Context, accepted []string) error {
	o.mu.Lock()
	p := o.project
	o.mu.Unlock()
	if p == nil {
		return domain.ErrProjectNotOpen
	}

	for _, id := range accepted {
		o.mu.Lock()
		ts := p.Taskspace(id)
		stale := ts != nil && ts.Stale
		o.mu.Unlock()
		if !stale {
			continue
		}

		o.gitMu.Lock()
		if err := o.worktrees.RemoveWorktree(ctx, p, id); err != nil {
			o.logger.Warn(id, "prune", "worktree not removed: "+err.Error())
		}
		if err := o.worktrees.DeleteBranch(ctx, p, domain.BranchName(id)); err != nil {
			o.logger.Warn(id, "prune", "branch not deleted: "+err.Error())
		}
		o.gitMu.Unlock()

		if err := os.RemoveAll(domain.TaskspaceDir(p.Path, id)); err != nil {
			o.logger.Warn(id, "prune", "taskspace directory not removed: "+err.Error())
		}

		o.mu.Lock()
		p.RemoveTaskspace(id)
		o.notifyLocked(Event{Kind: EventTaskspaceDeleted, TaskspaceID: id})
		o.mu.Unlock()
		o.logger.Info(id, "lifecycle", "stale taskspace pruned")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.store.Save(p)
}

// RollCall broadcasts an unsolicited request asking live sessions to
// re-register themselves. No reply is expected.
func (o *Orchestrator) RollCall() error {
	o.mu.Lock()
	r := o.responder
	o.mu.Unlock()
	if r == nil {
		return domain.ErrNotConnected
	}
	return r.Broadcast(domain.MessageRollCall, nil)
}

// notifyLocked publishes an event to every observer. Caller holds mu.
func (o *Orchestrator) notifyLocked(ev Event) {
	for _, fn := range o.observers {
		fn(ev)
	}
}

// persistTaskspaceLocked writes one taskspace descriptor. Caller holds mu.
func (o *Orchestrator) persistTaskspaceLocked(ts *domain.Taskspace) error {
	if err := o.store.SaveTaskspace(o.project.Path, ts); err != nil {
		return fmt.Errorf("persist taskspace: %w", err)
	}
	return nil
}
