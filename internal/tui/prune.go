package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/perch-dev/perch/internal/domain"
)

// PruneModel lets the operator accept or reject each stale taskspace
// individually. Nothing is accepted by default; only explicitly toggled
// entries are pruned.
type PruneModel struct {
	taskspaces []*domain.Taskspace
	accepted   map[string]bool
	keys       KeyMap
	styles     Styles
	cursor     int
	confirmed  bool
}

// NewPrune creates a prune selector over the stale taskspaces.
func NewPrune(stale []*domain.Taskspace) PruneModel {
	return PruneModel{
		taskspaces: stale,
		accepted:   make(map[string]bool),
		keys:       DefaultKeyMap(),
		styles:     DefaultStyles(),
	}
}

// Accepted returns the ids the operator accepted for pruning, in display
// order. Nil unless the selection was confirmed.
func (m PruneModel) Accepted() []string {
	if !m.confirmed {
		return nil
	}
	var ids []string
	for _, ts := range m.taskspaces {
		if m.accepted[ts.ID] {
			ids = append(ids, ts.ID)
		}
	}
	return ids
}

// Init implements tea.Model.
func (m PruneModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m PruneModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch {
	case key.Matches(keyMsg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(keyMsg, m.keys.Down):
		if m.cursor < len(m.taskspaces)-1 {
			m.cursor++
		}
	case key.Matches(keyMsg, m.keys.Toggle), key.Matches(keyMsg, m.keys.Yes):
		if len(m.taskspaces) > 0 {
			id := m.taskspaces[m.cursor].ID
			m.accepted[id] = !m.accepted[id]
		}
	case key.Matches(keyMsg, m.keys.Confirm):
		m.confirmed = true
		return m, tea.Quit
	case key.Matches(keyMsg, m.keys.Quit):
		m.confirmed = false
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model.
func (m PruneModel) View() string {
	if m.confirmed {
		return ""
	}

	body := m.styles.Title.Render("Stale taskspaces") + "\n"
	for i, ts := range m.taskspaces {
		marker := "[ ]"
		line := fmt.Sprintf("%s %s  %s", marker, ts.Name, m.styles.Muted.Render(ts.ID))
		if m.accepted[ts.ID] {
			line = fmt.Sprintf("[x] %s  %s", ts.Name, m.styles.Muted.Render(ts.ID))
			line = m.styles.Accepted.Render(line)
		}
		if i == m.cursor {
			body += m.styles.Selected.Render(line) + "\n"
		} else {
			body += m.styles.Normal.Render(line) + "\n"
		}
	}
	body += m.styles.Help.Render("space: toggle  enter: prune selected  q: cancel")
	return m.styles.Dialog.Render(body) + "\n"
}

// RunPrune shows the selector and returns the accepted ids. An error or a
// cancel returns nil: nothing gets pruned without explicit confirmation.
func RunPrune(stale []*domain.Taskspace) []string {
	final, err := tea.NewProgram(NewPrune(stale)).Run()
	if err != nil {
		return nil
	}
	m, ok := final.(PruneModel)
	if !ok {
		return nil
	}
	return m.Accepted()
}
