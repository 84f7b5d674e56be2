package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perch-dev/perch/internal/dispatch"
	"github.com/perch-dev/perch/internal/domain"
	"github.com/perch-dev/perch/internal/testutil"
)

type fixture struct {
	orch      *Orchestrator
	store     *testutil.MockProjectStore
	worktrees *testutil.MockWorktreeManager
	agents    *testutil.MockAgentResolver
	windows   *testutil.MockWindowRegistrar
	responder *testutil.MockResponder
	router    *dispatch.Router
	pending   *dispatch.PendingRegistry
	project   *domain.Project
	clock     *testutil.MockClock
}

func setup(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:     testutil.NewMockProjectStore(),
		worktrees: testutil.NewMockWorktreeManager(),
		agents:    &testutil.MockAgentResolver{},
		windows:   &testutil.MockWindowRegistrar{},
		responder: &testutil.MockResponder{},
		pending:   dispatch.NewPendingRegistry(),
		clock:     &testutil.MockClock{NowTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.orch = New(f.store, f.worktrees, f.agents, f.windows, testutil.NopLogger{}, f.clock, f.pending)
	f.orch.SetResponder(f.responder)

	f.project = &domain.Project{
		ID:         "p-1",
		Name:       "demo",
		GitURL:     "git@example.com:org/demo.git",
		Path:       t.TempDir(),
		RemoteName: domain.DefaultRemoteName,
		Version:    domain.SchemaVersion,
	}
	f.store.Projects[f.project.Path] = f.project
	f.orch.project = f.project

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.router = dispatch.NewRouter(f.responder, logger)
	f.router.Register(f.orch)
	return f
}

// addTaskspace seeds an existing taskspace without going through the
// creation pipeline.
func (f *fixture) addTaskspace(ts *domain.Taskspace) {
	f.project.AddTaskspace(ts)
}

func envelope(msgType domain.MessageType, id, taskspaceID string, payload any) *domain.Envelope {
	env := &domain.Envelope{Type: msgType, ID: id, Payload: payload}
	if taskspaceID != "" {
		env.Sender.TaskspaceUUID = &taskspaceID
	}
	return env
}

func TestSpawnCreatesHatchlingTaskspace(t *testing.T) {
	f := setup(t)

	f.router.Dispatch(context.Background(), envelope(domain.MessageSpawnTaskspace, "msg-1", "", &domain.SpawnTaskspaceRequest{
		Name:          "fix login",
		Description:   "investigate the login bug",
		InitialPrompt: "start with auth.go",
	}))

	responses := f.responder.Sent()
	require.Len(t, responses, 1)
	assert.Equal(t, "msg-1", responses[0].ID)
	require.True(t, responses[0].Payload.Success)

	data, ok := responses[0].Payload.Data.(domain.SpawnTaskspaceData)
	require.True(t, ok)
	assert.NotEmpty(t, data.NewTaskspaceUUID)

	ts := f.project.Taskspace(data.NewTaskspaceUUID)
	require.NotNil(t, ts)
	assert.Equal(t, domain.StateHatchling, ts.State)
	assert.Equal(t, "start with auth.go", ts.InitialPrompt)
	assert.Equal(t, []string{ts.ID}, f.worktrees.CreatedIDs)

	// The taskspace directory exists and the descriptor was persisted.
	info, err := os.Stat(domain.TaskspaceDir(f.project.Path, ts.ID))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	_, err = f.store.LoadTaskspace(f.project.Path, ts.ID)
	assert.NoError(t, err)
}

func TestSpawnEmptyNameFails(t *testing.T) {
	f := setup(t)

	f.router.Dispatch(context.Background(), envelope(domain.MessageSpawnTaskspace, "msg-1", "", &domain.SpawnTaskspaceRequest{}))

	responses := f.responder.Sent()
	require.Len(t, responses, 1)
	assert.False(t, responses[0].Payload.Success)
	assert.Equal(t, domain.ErrEmptyName.Error(), *responses[0].Payload.Error)
}

func TestTwoSpawnsNeverCollide(t *testing.T) {
	f := setup(t)

	for _, id := range []string{"m1", "m2"} {
		f.router.Dispatch(context.Background(), envelope(domain.MessageSpawnTaskspace, id, "", &domain.SpawnTaskspaceRequest{Name: "task"}))
	}

	require.Len(t, f.project.Taskspaces, 2)
	a, b := f.project.Taskspaces[0], f.project.Taskspaces[1]
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, domain.BranchName(a.ID), domain.BranchName(b.ID))
	assert.NotEqual(t,
		domain.TaskspaceDir(f.project.Path, a.ID),
		domain.TaskspaceDir(f.project.Path, b.ID))
}

func TestStateReadKeepsPromptDeliverable(t *testing.T) {
	f := setup(t)
	f.addTaskspace(&domain.Taskspace{ID: "t1", Name: "n", State: domain.StateHatchling, InitialPrompt: "the prompt"})
	f.agents.Command = []string{"claude", "--dir", "x"}

	// A read carries no fields and must not fire the transition.
	f.router.Dispatch(context.Background(), envelope(domain.MessageTaskspaceState, "msg-1", "t1", &domain.TaskspaceStateRequest{}))

	responses := f.responder.Sent()
	require.Len(t, responses, 1)
	require.True(t, responses[0].Payload.Success)
	data := responses[0].Payload.Data.(domain.TaskspaceStateData)
	require.NotNil(t, data.InitialPrompt)
	assert.Equal(t, "the prompt", *data.InitialPrompt)
	assert.Equal(t, []string{"claude", "--dir", "x"}, data.AgentCommand)

	// Still hatchling: a second read gets the prompt again.
	assert.Equal(t, domain.StateHatchling, f.project.Taskspace("t1").State)
}

func TestStateUpdateActivatesAndClearsPrompt(t *testing.T) {
	f := setup(t)
	f.addTaskspace(&domain.Taskspace{ID: "t1", Name: "old", State: domain.StateHatchling, InitialPrompt: "the prompt"})

	name := "renamed"
	f.router.Dispatch(context.Background(), envelope(domain.MessageTaskspaceState, "msg-1", "t1", &domain.TaskspaceStateRequest{Name: &name}))

	responses := f.responder.Sent()
	require.Len(t, responses, 1)
	require.True(t, responses[0].Payload.Success)
	data := responses[0].Payload.Data.(domain.TaskspaceStateData)
	assert.Equal(t, "renamed", data.Name)
	assert.Nil(t, data.InitialPrompt)

	ts := f.project.Taskspace("t1")
	assert.Equal(t, domain.StateResume, ts.State)
	assert.Empty(t, ts.InitialPrompt)
	assert.Equal(t, f.clock.NowTime, ts.ActivatedAt)

	// Persisted descriptor reflects the transition.
	saved, err := f.store.LoadTaskspace(f.project.Path, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateResume, saved.State)
}

func TestActivationNeverReverses(t *testing.T) {
	f := setup(t)
	f.addTaskspace(&domain.Taskspace{ID: "t1", Name: "n", State: domain.StateHatchling})

	desc := "update"
	f.router.Dispatch(context.Background(), envelope(domain.MessageTaskspaceState, "m1", "t1", &domain.TaskspaceStateRequest{Description: &desc}))
	f.router.Dispatch(context.Background(), envelope(domain.MessageLogProgress, "m2", "t1", &domain.LogProgressRequest{Message: "hi", Category: domain.LogInfo}))
	f.router.Dispatch(context.Background(), envelope(domain.MessageSignalUser, "m3", "t1", &domain.SignalUserRequest{Message: "help"}))

	assert.Equal(t, domain.StateResume, f.project.Taskspace("t1").State)
}

func TestUnknownTaskspaceSynthesizesNotFound(t *testing.T) {
	f := setup(t)

	f.router.Dispatch(context.Background(), envelope(domain.MessageTaskspaceState, "msg-1", "ghost", &domain.TaskspaceStateRequest{}))

	responses := f.responder.Sent()
	require.Len(t, responses, 1)
	assert.Equal(t, "msg-1", responses[0].ID)
	assert.False(t, responses[0].Payload.Success)
	assert.Equal(t, domain.ErrTaskspaceNotFound.Error(), *responses[0].Payload.Error)
}

func TestLogProgressAppendsEntry(t *testing.T) {
	f := setup(t)
	f.addTaskspace(&domain.Taskspace{ID: "t1", Name: "n", State: domain.StateHatchling})

	f.router.Dispatch(context.Background(), envelope(domain.MessageLogProgress, "msg-1", "t1", &domain.LogProgressRequest{
		Message:  "tests passing",
		Category: domain.LogMilestone,
	}))

	responses := f.responder.Sent()
	require.Len(t, responses, 1)
	assert.True(t, responses[0].Payload.Success)

	ts := f.project.Taskspace("t1")
	require.Len(t, ts.Logs, 1)
	assert.Equal(t, "tests passing", ts.Logs[0].Message)
	assert.Equal(t, domain.LogMilestone, ts.Logs[0].Category)
	assert.NotEmpty(t, ts.Logs[0].ID)
	assert.Equal(t, domain.StateResume, ts.State)
}

func TestLogProgressInvalidCategory(t *testing.T) {
	f := setup(t)
	f.addTaskspace(&domain.Taskspace{ID: "t1", Name: "n", State: domain.StateResume})

	f.router.Dispatch(context.Background(), envelope(domain.MessageLogProgress, "msg-1", "t1", &domain.LogProgressRequest{
		Message:  "x",
		Category: "shouting",
	}))

	responses := f.responder.Sent()
	require.Len(t, responses, 1)
	assert.False(t, responses[0].Payload.Success)
	assert.Equal(t, domain.ErrInvalidLogCategory.Error(), *responses[0].Payload.Error)
	assert.Empty(t, f.project.Taskspace("t1").Logs)
}

func TestSignalUserFlagsAttention(t *testing.T) {
	f := setup(t)
	f.addTaskspace(&domain.Taskspace{ID: "t1", Name: "n", State: domain.StateResume})

	f.router.Dispatch(context.Background(), envelope(domain.MessageSignalUser, "msg-1", "t1", &domain.SignalUserRequest{
		Message: "which auth scheme should I use?",
	}))

	responses := f.responder.Sent()
	require.Len(t, responses, 1)
	assert.True(t, responses[0].Payload.Success)
	assert.True(t, f.project.Taskspace("t1").NeedsAttention())
}

func TestRegisterWindowDelegates(t *testing.T) {
	f := setup(t)
	f.addTaskspace(&domain.Taskspace{ID: "t1", Name: "n", State: domain.StateResume})

	pid := 4242
	env := envelope(domain.MessageRegisterWindow, "msg-1", "t1", &domain.RegisterWindowRequest{WindowTitle: "editor"})
	env.Sender.ShellPID = &pid
	f.router.Dispatch(context.Background(), env)

	responses := f.responder.Sent()
	require.Len(t, responses, 1)
	assert.True(t, responses[0].Payload.Success)
	assert.True(t, f.windows.Called)
	assert.Equal(t, "t1", f.windows.TaskspaceID)
	assert.Equal(t, 4242, f.windows.ShellPID)
	assert.Equal(t, "editor", f.windows.Title)
}

func TestLegacyUpdateActivates(t *testing.T) {
	f := setup(t)
	f.addTaskspace(&domain.Taskspace{ID: "t1", Name: "old", State: domain.StateHatchling, InitialPrompt: "p"})

	name := "new"
	f.router.Dispatch(context.Background(), envelope(domain.MessageUpdateTaskspace, "msg-1", "t1", &domain.UpdateTaskspaceRequest{Name: &name}))

	responses := f.responder.Sent()
	require.Len(t, responses, 1)
	assert.True(t, responses[0].Payload.Success)
	assert.Nil(t, responses[0].Payload.Data)

	ts := f.project.Taskspace("t1")
	assert.Equal(t, "new", ts.Name)
	assert.Equal(t, domain.StateResume, ts.State)
}

func TestDeleteRequestDefersResponse(t *testing.T) {
	f := setup(t)
	f.addTaskspace(&domain.Taskspace{ID: "t1", Name: "n", State: domain.StateResume})

	f.router.Dispatch(context.Background(), envelope(domain.MessageDeleteTaskspace, "msg-1", "", &domain.DeleteTaskspaceRequest{TaskspaceUUID: "t1"}))

	// No wire response until the human decides.
	assert.Empty(t, f.responder.Sent())
	assert.True(t, f.project.Taskspace("t1").PendingDeletion)
	assert.True(t, f.pending.Has("t1"))
}

func TestDuplicateDeleteRequestRejected(t *testing.T) {
	f := setup(t)
	f.addTaskspace(&domain.Taskspace{ID: "t1", Name: "n", State: domain.StateResume})

	f.router.Dispatch(context.Background(), envelope(domain.MessageDeleteTaskspace, "msg-1", "", &domain.DeleteTaskspaceRequest{TaskspaceUUID: "t1"}))
	f.router.Dispatch(context.Background(), envelope(domain.MessageDeleteTaskspace, "msg-2", "", &domain.DeleteTaskspaceRequest{TaskspaceUUID: "t1"}))

	// The duplicate is answered immediately with a failure; the first
	// message keeps its pending entry.
	responses := f.responder.Sent()
	require.Len(t, responses, 1)
	assert.Equal(t, "msg-2", responses[0].ID)
	assert.False(t, responses[0].Payload.Success)
	assert.Equal(t, domain.ErrDeletionAlreadyPending.Error(), *responses[0].Payload.Error)

	// Confirming still resolves the original correlation id.
	require.NoError(t, f.orch.ConfirmDeletion(context.Background(), "t1"))
	responses = f.responder.Sent()
	require.Len(t, responses, 2)
	assert.Equal(t, "msg-1", responses[1].ID)
	assert.True(t, responses[1].Payload.Success)
}

func TestConfirmDeletionRemovesAndResolves(t *testing.T) {
	f := setup(t)
	f.addTaskspace(&domain.Taskspace{ID: "t1", Name: "n", State: domain.StateResume})

	f.router.Dispatch(context.Background(), envelope(domain.MessageDeleteTaskspace, "msg-1", "", &domain.DeleteTaskspaceRequest{TaskspaceUUID: "t1"}))
	require.NoError(t, f.orch.ConfirmDeletion(context.Background(), "t1"))

	assert.Nil(t, f.project.Taskspace("t1"))
	assert.Equal(t, []string{"t1"}, f.worktrees.RemovedIDs)
	assert.Equal(t, []string{domain.BranchName("t1")}, f.worktrees.DeletedBranches)

	responses := f.responder.Sent()
	require.Len(t, responses, 1)
	assert.Equal(t, "msg-1", responses[0].ID)
	assert.True(t, responses[0].Payload.Success)
	assert.False(t, f.pending.Has("t1"))
}

func TestCancelDeletionLeavesTaskspaceIntact(t *testing.T) {
	f := setup(t)
	f.addTaskspace(&domain.Taskspace{ID: "t1", Name: "n", State: domain.StateResume})

	f.router.Dispatch(context.Background(), envelope(domain.MessageDeleteTaskspace, "msg-1", "", &domain.DeleteTaskspaceRequest{TaskspaceUUID: "t1"}))
	require.NoError(t, f.orch.CancelDeletion("t1"))

	ts := f.project.Taskspace("t1")
	require.NotNil(t, ts)
	assert.False(t, ts.PendingDeletion)
	assert.Empty(t, f.worktrees.RemovedIDs)

	responses := f.responder.Sent()
	require.Len(t, responses, 1)
	assert.Equal(t, "msg-1", responses[0].ID)
	assert.False(t, responses[0].Payload.Success)
	assert.Equal(t, domain.ErrCancelledByUser.Error(), *responses[0].Payload.Error)
}

func TestConfirmWithoutRequestFails(t *testing.T) {
	f := setup(t)
	f.addTaskspace(&domain.Taskspace{ID: "t1", Name: "n", State: domain.StateResume})

	err := f.orch.ConfirmDeletion(context.Background(), "t1")
	assert.ErrorIs(t, err, domain.ErrDeletionNotPending)
	require.NotNil(t, f.project.Taskspace("t1"))
}

func TestLocalDeletionWithoutWireResponse(t *testing.T) {
	f := setup(t)
	f.addTaskspace(&domain.Taskspace{ID: "t1", Name: "n", State: domain.StateResume})

	// CLI path: no message, no pending entry, no response written.
	require.NoError(t, f.orch.RequestDeletion("t1"))
	require.NoError(t, f.orch.ConfirmDeletion(context.Background(), "t1"))

	assert.Nil(t, f.project.Taskspace("t1"))
	assert.Empty(t, f.responder.Sent())
}

func TestCreationPipelineStageError(t *testing.T) {
	f := setup(t)
	f.worktrees.CreateErr = errors.New("worktree add failed")

	_, err := f.orch.CreateTaskspace(context.Background(), CreateParams{Name: "broken"})
	require.Error(t, err)

	var staged *domain.StageError
	require.ErrorAs(t, err, &staged)
	assert.Equal(t, "create worktree", staged.Stage)
	assert.Equal(t, []string{
		"create directory",
		"ensure bare repository",
		"resolve base branch",
	}, staged.Completed)

	// No rollback: the directory from the first stage survives.
	assert.Empty(t, f.project.Taskspaces)
}

func TestCreationRequiresOpenProject(t *testing.T) {
	f := setup(t)
	f.orch.project = nil

	_, err := f.orch.CreateTaskspace(context.Background(), CreateParams{Name: "x"})
	assert.ErrorIs(t, err, domain.ErrProjectNotOpen)
}

func TestOpenProjectFlagsStaleTaskspaces(t *testing.T) {
	f := setup(t)

	healthy := &domain.Taskspace{ID: "ok", Name: "ok", State: domain.StateResume}
	missing := &domain.Taskspace{ID: "gone", Name: "gone", State: domain.StateResume}
	f.project.AddTaskspace(healthy)
	f.project.AddTaskspace(missing)

	// Only the healthy taskspace has its artifacts on disk.
	require.NoError(t, os.MkdirAll(domain.WorktreePath(f.project.Path, "ok", f.project.GitURL), 0o750))
	require.NoError(t, os.WriteFile(domain.DescriptorPath(f.project.Path, "ok"), []byte("{}"), 0o600))

	_, stale, err := f.orch.OpenProject(context.Background(), f.project.Path)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "gone", stale[0].ID)
	assert.True(t, missing.Stale)
	assert.False(t, healthy.Stale)

	// Nothing is pruned by detection alone.
	assert.Len(t, f.project.Taskspaces, 2)
}

func TestPruneStaleOnlyRemovesAccepted(t *testing.T) {
	f := setup(t)
	a := &domain.Taskspace{ID: "a", Name: "a", State: domain.StateResume, Stale: true}
	b := &domain.Taskspace{ID: "b", Name: "b", State: domain.StateResume, Stale: true}
	c := &domain.Taskspace{ID: "c", Name: "c", State: domain.StateResume}
	f.project.Taskspaces = []*domain.Taskspace{a, b, c}

	require.NoError(t, f.orch.PruneStale(context.Background(), []string{"a", "c"}))

	// "a" was stale and accepted; "b" was stale but rejected; "c" was
	// accepted but not stale so it is left alone.
	assert.Nil(t, f.project.Taskspace("a"))
	assert.NotNil(t, f.project.Taskspace("b"))
	assert.NotNil(t, f.project.Taskspace("c"))
}

func TestObserversNotified(t *testing.T) {
	f := setup(t)
	var events []Event
	f.orch.AddObserver(func(ev Event) { events = append(events, ev) })

	_, err := f.orch.CreateTaskspace(context.Background(), CreateParams{Name: "x"})
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, EventTaskspaceCreated, events[0].Kind)
}

func TestRollCallBroadcasts(t *testing.T) {
	f := setup(t)

	require.NoError(t, f.orch.RollCall())
	require.Len(t, f.responder.Broadcasts, 1)
	assert.Equal(t, domain.MessageRollCall, f.responder.Broadcasts[0].Type)
}

func TestRollCallWithoutConnection(t *testing.T) {
	f := setup(t)
	f.orch.SetResponder(nil)

	assert.ErrorIs(t, f.orch.RollCall(), domain.ErrNotConnected)
}
