package projectstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perch-dev/perch/internal/domain"
)

func newProject(t *testing.T) *domain.Project {
	t.Helper()
	return &domain.Project{
		ID:         "p-1",
		Name:       "demo",
		GitURL:     "git@example.com:org/demo.git",
		Path:       t.TempDir(),
		BaseBranch: "main",
		RemoteName: domain.DefaultRemoteName,
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	store := New()
	p := newProject(t)

	ts := &domain.Taskspace{
		ID:            "abc",
		Name:          "fix login",
		Description:   "investigate the login bug",
		State:         domain.StateHatchling,
		InitialPrompt: "look at auth.go",
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
	}
	p.AddTaskspace(ts)

	require.NoError(t, store.SaveTaskspace(p.Path, ts))
	require.NoError(t, store.Save(p))

	loaded, err := store.Load(p.Path)
	require.NoError(t, err)
	assert.Equal(t, p.Name, loaded.Name)
	assert.Equal(t, p.GitURL, loaded.GitURL)
	assert.Equal(t, domain.SchemaVersion, loaded.Version)
	require.Len(t, loaded.Taskspaces, 1)
	assert.Equal(t, "fix login", loaded.Taskspaces[0].Name)
	assert.Equal(t, domain.StateHatchling, loaded.Taskspaces[0].State)
	assert.Equal(t, "look at auth.go", loaded.Taskspaces[0].InitialPrompt)
}

func TestLoadMissingProject(t *testing.T) {
	_, err := New().Load(t.TempDir())
	assert.ErrorIs(t, err, domain.ErrProjectNotFound)
}

func TestLoadTaskspaceMissing(t *testing.T) {
	_, err := New().LoadTaskspace(t.TempDir(), "nope")
	assert.ErrorIs(t, err, domain.ErrTaskspaceNotFound)
}

func TestLoadMigratesVersionZero(t *testing.T) {
	dir := t.TempDir()

	// A version 0 descriptor has no version field, no id, no remote name,
	// and embeds its taskspaces.
	legacy := map[string]any{
		"name":   "old",
		"gitUrl": "https://example.com/old.git",
		"taskspaces": []map[string]any{
			{
				"id":   "t1",
				"name": "first",
				"logs": []map[string]any{
					{"message": "started"},
				},
			},
		},
	}
	content, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(domain.ProjectFilePath(dir), content, 0o600))

	store := New()
	p, err := store.Load(dir)
	require.NoError(t, err)

	assert.Equal(t, domain.SchemaVersion, p.Version)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, domain.DefaultRemoteName, p.RemoteName)
	require.Len(t, p.Taskspaces, 1)

	ts := p.Taskspaces[0]
	// Pre-state files describe taskspaces that were already running.
	assert.Equal(t, domain.StateResume, ts.State)
	require.Len(t, ts.Logs, 1)
	assert.NotEmpty(t, ts.Logs[0].ID)
	assert.Equal(t, domain.LogInfo, ts.Logs[0].Category)

	// The embedded taskspace moved to a per-directory descriptor.
	_, err = os.Stat(domain.DescriptorPath(dir, "t1"))
	assert.NoError(t, err)

	// The descriptor was rewritten at the current version without the
	// embedded taskspaces.
	rewritten, err := os.ReadFile(domain.ProjectFilePath(dir))
	require.NoError(t, err)
	var file map[string]any
	require.NoError(t, json.Unmarshal(rewritten, &file))
	assert.EqualValues(t, domain.SchemaVersion, file["version"])
	assert.NotContains(t, file, "taskspaces")
	assert.Equal(t, []any{"t1"}, file["taskspaceOrder"])
}

func TestLoadMigrationIdempotent(t *testing.T) {
	dir := t.TempDir()
	legacy := map[string]any{
		"name":    "old",
		"gitUrl":  "https://example.com/old.git",
		"version": 1,
		"id":      "p-old",
		"taskspaces": []map[string]any{
			{"id": "t1", "name": "first", "state": "resume"},
			{"id": "t2", "name": "second", "state": "hatchling"},
		},
	}
	content, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(domain.ProjectFilePath(dir), content, 0o600))

	store := New()
	first, err := store.Load(dir)
	require.NoError(t, err)
	second, err := store.Load(dir)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	require.Len(t, second.Taskspaces, 2)
	assert.Equal(t, "t1", second.Taskspaces[0].ID)
	assert.Equal(t, "t2", second.Taskspaces[1].ID)
}

func TestLoadOrdersByDescriptorList(t *testing.T) {
	store := New()
	p := newProject(t)

	base := time.Now().UTC()
	for i, id := range []string{"c", "a", "b"} {
		ts := &domain.Taskspace{
			ID:        id,
			Name:      id,
			State:     domain.StateResume,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		p.AddTaskspace(ts)
		require.NoError(t, store.SaveTaskspace(p.Path, ts))
	}
	require.NoError(t, store.Save(p))

	loaded, err := store.Load(p.Path)
	require.NoError(t, err)
	var ids []string
	for _, ts := range loaded.Taskspaces {
		ids = append(ids, ts.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestLoadAppendsUnlistedTaskspaces(t *testing.T) {
	store := New()
	p := newProject(t)
	require.NoError(t, store.Save(p))

	// A taskspace directory created behind the descriptor's back still
	// loads, appended after the listed ones.
	orphan := &domain.Taskspace{ID: "orphan", Name: "orphan", State: domain.StateResume}
	require.NoError(t, store.SaveTaskspace(p.Path, orphan))

	loaded, err := store.Load(p.Path)
	require.NoError(t, err)
	require.Len(t, loaded.Taskspaces, 1)
	assert.Equal(t, "orphan", loaded.Taskspaces[0].ID)
}

func TestLoadSkipsDirectoriesWithoutDescriptor(t *testing.T) {
	store := New()
	p := newProject(t)
	require.NoError(t, store.Save(p))
	require.NoError(t, os.MkdirAll(filepath.Join(p.Path, "task-ghost"), 0o750))

	loaded, err := store.Load(p.Path)
	require.NoError(t, err)
	assert.Empty(t, loaded.Taskspaces)
}

func TestTransientFieldsNotPersisted(t *testing.T) {
	store := New()
	p := newProject(t)

	ts := &domain.Taskspace{ID: "t", Name: "n", State: domain.StateResume}
	ts.PendingDeletion = true
	ts.Stale = true
	require.NoError(t, store.SaveTaskspace(p.Path, ts))

	loaded, err := store.LoadTaskspace(p.Path, "t")
	require.NoError(t, err)
	assert.False(t, loaded.PendingDeletion)
	assert.False(t, loaded.Stale)
}
