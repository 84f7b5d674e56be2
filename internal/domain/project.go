package domain

// SchemaVersion is the current project descriptor schema version.
// Versions 0 and 1 are migrated in place on load (see infra/projectstore).
const SchemaVersion = 2

// DefaultRemoteName is used when a project does not configure a remote name.
const DefaultRemoteName = "origin"

// Project is a local root directory that hosts taskspaces for one remote
// repository. Exactly one project is open at a time.
// Fields are ordered to minimize memory padding.
type Project struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	GitURL     string `json:"gitUrl"`
	Path       string `json:"path"` // local root directory
	BaseBranch string `json:"baseBranch,omitempty"`
	RemoteName string `json:"remoteName,omitempty"`
	Version    int    `json:"version"`

	// Taskspaces is the ordered collection; persisted as per-directory
	// descriptor files plus an order list in the project descriptor.
	Taskspaces []*Taskspace `json:"-"`
}

// Remote returns the configured remote name, defaulting to "origin".
func (p *Project) Remote() string {
	if p.RemoteName == "" {
		return DefaultRemoteName
	}
	return p.RemoteName
}

// Taskspace returns the taskspace with the given id, or nil.
func (p *Project) Taskspace(id string) *Taskspace {
	for _, ts := range p.Taskspaces {
		if ts.ID == id {
			return ts
		}
	}
	return nil
}

// AddTaskspace appends a taskspace to the ordered collection.
func (p *Project) AddTaskspace(ts *Taskspace) {
	p.Taskspaces = append(p.Taskspaces, ts)
}

// RemoveTaskspace removes the taskspace with the given id, preserving order.
// Returns true if a taskspace was removed.
func (p *Project) RemoveTaskspace(id string) bool {
	for i, ts := range p.Taskspaces {
		if ts.ID == id {
			p.Taskspaces = append(p.Taskspaces[:i], p.Taskspaces[i+1:]...)
			return true
		}
	}
	return false
}
