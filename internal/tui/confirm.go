// Package tui provides the terminal dialogs perch uses for human
// confirmation: yes/no prompts and the stale-taskspace prune selector.
package tui

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
)

// ConfirmModel is a yes/no prompt. The zero answer is "no": quitting the
// dialog without answering never confirms a destructive operation.
type ConfirmModel struct {
	title    string
	prompt   string
	keys     KeyMap
	styles   Styles
	answered bool
	accepted bool
}

// NewConfirm creates a confirmation prompt.
func NewConfirm(title, prompt string) ConfirmModel {
	return ConfirmModel{
		title:  title,
		prompt: prompt,
		keys:   DefaultKeyMap(),
		styles: DefaultStyles(),
	}
}

// Accepted reports whether the user answered yes.
func (m ConfirmModel) Accepted() bool {
	return m.answered && m.accepted
}

// Init implements tea.Model.
func (m ConfirmModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m ConfirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch {
	case key.Matches(keyMsg, m.keys.Yes):
		m.answered = true
		m.accepted = true
		return m, tea.Quit
	case key.Matches(keyMsg, m.keys.No), key.Matches(keyMsg, m.keys.Quit):
		m.answered = true
		m.accepted = false
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model.
func (m ConfirmModel) View() string {
	if m.answered {
		return ""
	}
	body := m.styles.Title.Render(m.title) + "\n" +
		m.styles.Prompt.Render(m.prompt) + "\n" +
		m.styles.Help.Render("y: yes  n: no")
	return m.styles.Dialog.Render(body) + "\n"
}

// RunConfirm shows the prompt and blocks until the user answers. Returns
// false on any error so a broken terminal never confirms anything.
func RunConfirm(title, prompt string) bool {
	final, err := tea.NewProgram(NewConfirm(title, prompt)).Run()
	if err != nil {
		return false
	}
	m, ok := final.(ConfirmModel)
	return ok && m.Accepted()
}
