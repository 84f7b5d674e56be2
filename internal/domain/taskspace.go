// Package domain contains core business entities and interfaces.
package domain

import "time"

// State represents the lifecycle state of a taskspace.
type State string

const (
	// StateHatchling means the taskspace has not been started yet and still
	// carries its one-shot initial prompt.
	StateHatchling State = "hatchling"
	// StateResume means the taskspace is active and ongoing.
	StateResume State = "resume"
)

// LogCategory classifies a taskspace log entry.
type LogCategory string

const (
	LogInfo      LogCategory = "info"
	LogWarn      LogCategory = "warn"
	LogError     LogCategory = "error"
	LogMilestone LogCategory = "milestone"
	LogQuestion  LogCategory = "question"
)

// Valid returns true if the category is one of the known values.
func (c LogCategory) Valid() bool {
	switch c {
	case LogInfo, LogWarn, LogError, LogMilestone, LogQuestion:
		return true
	}
	return false
}

// LogEntry is a single progress report attached to a taskspace.
// Fields are ordered to minimize memory padding.
type LogEntry struct {
	Time     time.Time   `json:"time"`
	ID       string      `json:"id"`
	Message  string      `json:"message"`
	Category LogCategory `json:"category"`
}

// Taskspace is an isolated unit of work backed by one git worktree and
// branch. The ID is assigned at creation and never changes; the branch name
// and on-disk directories are all derived from it (see naming.go).
// Fields are ordered to minimize memory padding.
type Taskspace struct {
	CreatedAt   time.Time `json:"createdAt"`
	ActivatedAt time.Time `json:"activatedAt,omitempty"`

	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	State         State      `json:"state"`
	InitialPrompt string     `json:"initialPrompt,omitempty"` // meaningful only while hatchling
	Agent         string     `json:"agent,omitempty"`         // chosen agent identity (empty = default)
	Collaborator  string     `json:"collaborator,omitempty"`
	Logs          []LogEntry `json:"logs,omitempty"`

	// Transient flags, never persisted.
	PendingDeletion bool      `json:"-"`
	Stale           bool      `json:"-"`
	LastScreenshot  time.Time `json:"-"`
}

// Activate fires the one-way hatchling → resume transition. The one-shot
// initial prompt is cleared so it is never delivered twice. Returns true if
// the transition happened, false if the taskspace was already resumed.
func (t *Taskspace) Activate(now time.Time) bool {
	if t.State != StateHatchling {
		return false
	}
	t.State = StateResume
	t.InitialPrompt = ""
	t.ActivatedAt = now
	return true
}

// AppendLog adds a log entry to the taskspace.
func (t *Taskspace) AppendLog(entry LogEntry) {
	t.Logs = append(t.Logs, entry)
}

// NeedsAttention reports whether any log entry is an unanswered question.
func (t *Taskspace) NeedsAttention() bool {
	for _, l := range t.Logs {
		if l.Category == LogQuestion {
			return true
		}
	}
	return false
}
