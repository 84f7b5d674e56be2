// Package projectstore persists project and taskspace descriptors as JSON
// files under the project root. The project descriptor is schema-versioned;
// legacy versions are migrated in place on load and rewritten at the current
// version.
package projectstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/perch-dev/perch/internal/domain"
)

// projectFile is the on-disk shape of the project descriptor across all
// schema versions. Version 0 predates the version field entirely; version 1
// added it along with baseBranch but still embedded taskspaces; version 2
// moved taskspaces into per-directory descriptor files and keeps only their
// order here.
type projectFile struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	GitURL     string `json:"gitUrl"`
	Path       string `json:"path,omitempty"`
	BaseBranch string `json:"baseBranch,omitempty"`
	RemoteName string `json:"remoteName,omitempty"`
	Version    int    `json:"version"`

	// Embedded taskspaces, only present in version 0/1 files.
	Taskspaces []*domain.Taskspace `json:"taskspaces,omitempty"`

	// Order of taskspace ids, version 2.
	TaskspaceOrder []string `json:"taskspaceOrder,omitempty"`
}

// Store implements domain.ProjectStore.
type Store struct{}

// New creates a new Store.
func New() *Store {
	return &Store{}
}

// Ensure Store implements domain.ProjectStore.
var _ domain.ProjectStore = (*Store)(nil)

// Load reads the project descriptor at the given root, migrating legacy
// versions in place, and loads every taskspace descriptor found under the
// root. Migration is idempotent: loading a migrated file again yields the
// same project.
func (s *Store) Load(path string) (*domain.Project, error) {
	descriptor := domain.ProjectFilePath(path)
	content, err := os.ReadFile(descriptor)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrProjectNotFound
		}
		return nil, fmt.Errorf("read project descriptor: %w", err)
	}

	var file projectFile
	if err := json.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse project descriptor: %w", err)
	}

	migrated := file.Version < domain.SchemaVersion
	embedded := file.Taskspaces
	if migrated {
		migrate(&file)
	}

	p := &domain.Project{
		ID:         file.ID,
		Name:       file.Name,
		GitURL:     file.GitURL,
		Path:       path, // the descriptor's location is authoritative
		BaseBranch: file.BaseBranch,
		RemoteName: file.RemoteName,
		Version:    file.Version,
	}

	// Taskspaces embedded in a legacy descriptor move to per-directory
	// files before anything else reads them.
	for _, ts := range embedded {
		fillDefaults(ts)
		if err := s.SaveTaskspace(path, ts); err != nil {
			return nil, fmt.Errorf("migrate embedded taskspace %s: %w", ts.ID, err)
		}
	}

	taskspaces, err := s.loadTaskspaces(path, file.TaskspaceOrder)
	if err != nil {
		return nil, err
	}
	p.Taskspaces = taskspaces

	if migrated {
		if err := s.Save(p); err != nil {
			return nil, fmt.Errorf("rewrite migrated descriptor: %w", err)
		}
	}

	return p, nil
}

// Save writes the project descriptor at the current schema version.
func (s *Store) Save(p *domain.Project) error {
	order := make([]string, 0, len(p.Taskspaces))
	for _, ts := range p.Taskspaces {
		order = append(order, ts.ID)
	}
	file := projectFile{
		ID:             p.ID,
		Name:           p.Name,
		GitURL:         p.GitURL,
		Path:           p.Path,
		BaseBranch:     p.BaseBranch,
		RemoteName:     p.RemoteName,
		Version:        domain.SchemaVersion,
		TaskspaceOrder: order,
	}
	p.Version = domain.SchemaVersion

	return s.writeLocked(domain.ProjectFilePath(p.Path), file)
}

// SaveTaskspace writes one taskspace descriptor under the project root.
func (s *Store) SaveTaskspace(projectPath string, ts *domain.Taskspace) error {
	dir := domain.TaskspaceDir(projectPath, ts.ID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create taskspace directory: %w", err)
	}
	return atomicWrite(domain.DescriptorPath(projectPath, ts.ID), ts)
}

// LoadTaskspace reads one taskspace descriptor, default-filling fields a
// newer schema added so older files keep decoding.
func (s *Store) LoadTaskspace(projectPath, taskspaceID string) (*domain.Taskspace, error) {
	content, err := os.ReadFile(domain.DescriptorPath(projectPath, taskspaceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrTaskspaceNotFound
		}
		return nil, fmt.Errorf("read taskspace descriptor: %w", err)
	}

	var ts domain.Taskspace
	if err := json.Unmarshal(content, &ts); err != nil {
		return nil, fmt.Errorf("parse taskspace descriptor: %w", err)
	}
	if ts.ID == "" {
		ts.ID = taskspaceID
	}
	fillDefaults(&ts)
	return &ts, nil
}

// loadTaskspaces scans the project root for task-* directories and loads
// each descriptor, ordering known ids per the descriptor's order list and
// appending unknown ones by creation time.
func (s *Store) loadTaskspaces(projectPath string, order []string) ([]*domain.Taskspace, error) {
	entries, err := os.ReadDir(projectPath)
	if err != nil {
		return nil, fmt.Errorf("scan project directory: %w", err)
	}

	byID := make(map[string]*domain.Taskspace)
	var extras []*domain.Taskspace
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "task-") {
			continue
		}
		id := strings.TrimPrefix(entry.Name(), "task-")
		ts, err := s.LoadTaskspace(projectPath, id)
		if err != nil {
			// A taskspace directory without a readable descriptor is a
			// staleness concern, not a load failure.
			continue
		}
		if slices.Contains(order, ts.ID) {
			byID[ts.ID] = ts
		} else {
			extras = append(extras, ts)
		}
	}

	var taskspaces []*domain.Taskspace
	for _, id := range order {
		if ts, ok := byID[id]; ok {
			taskspaces = append(taskspaces, ts)
		}
	}
	slices.SortFunc(extras, func(a, b *domain.Taskspace) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return append(taskspaces, extras...), nil
}

// migrate upgrades a legacy descriptor to the current schema in memory.
func migrate(file *projectFile) {
	if file.Version <= 0 {
		// Version 0 predates project ids and remote names.
		if file.ID == "" {
			file.ID = uuid.NewString()
		}
		if file.RemoteName == "" {
			file.RemoteName = domain.DefaultRemoteName
		}
	}
	if file.Version <= 1 {
		// Embedded taskspaces become the order list; the entries move to
		// per-directory descriptor files on load.
		for _, ts := range file.Taskspaces {
			if !slices.Contains(file.TaskspaceOrder, ts.ID) {
				file.TaskspaceOrder = append(file.TaskspaceOrder, ts.ID)
			}
		}
	}
	file.Taskspaces = nil
	file.Version = domain.SchemaVersion
}

// fillDefaults default-fills fields missing from older descriptor files.
func fillDefaults(ts *domain.Taskspace) {
	if ts.State == "" {
		// Files written before the state field existed describe taskspaces
		// that were already running.
		ts.State = domain.StateResume
	}
	for i := range ts.Logs {
		if ts.Logs[i].ID == "" {
			ts.Logs[i].ID = uuid.NewString()
		}
		if ts.Logs[i].Category == "" {
			ts.Logs[i].Category = domain.LogInfo
		}
	}
}

// writeLocked serializes descriptor writes across processes with a file
// lock, then writes atomically.
func (s *Store) writeLocked(path string, v any) error {
	lock, err := acquireLock(path + ".lock")
	if err != nil {
		return err
	}
	defer releaseLock(lock)
	return atomicWrite(path, v)
}

func atomicWrite(path string, v any) error {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func acquireLock(lockPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX); err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	return lock, nil
}

func releaseLock(lock *os.File) {
	_ = syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)
	_ = lock.Close()
}
