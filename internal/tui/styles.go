package tui

import "github.com/charmbracelet/lipgloss"

// Colors used by the dialogs.
var (
	ColorPrimary = lipgloss.Color("#7C3AED") // Purple
	ColorSuccess = lipgloss.Color("#10B981") // Green
	ColorWarning = lipgloss.Color("#F59E0B") // Amber
	ColorError   = lipgloss.Color("#EF4444") // Red
	ColorMuted   = lipgloss.Color("#9CA3AF") // Light gray
)

// Styles holds the styles for the dialogs.
type Styles struct {
	Title    lipgloss.Style
	Prompt   lipgloss.Style
	Selected lipgloss.Style
	Normal   lipgloss.Style
	Accepted lipgloss.Style
	Rejected lipgloss.Style
	Muted    lipgloss.Style
	Help     lipgloss.Style
	Dialog   lipgloss.Style
}

// DefaultStyles returns the default styles.
func DefaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			MarginBottom(1),
		Prompt: lipgloss.NewStyle().
			Foreground(ColorWarning),
		Selected: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(ColorPrimary).
			Padding(0, 1),
		Normal: lipgloss.NewStyle().
			Padding(0, 1),
		Accepted: lipgloss.NewStyle().
			Foreground(ColorError),
		Rejected: lipgloss.NewStyle().
			Foreground(ColorSuccess),
		Muted: lipgloss.NewStyle().
			Foreground(ColorMuted),
		Help: lipgloss.NewStyle().
			Foreground(ColorMuted).
			MarginTop(1),
		Dialog: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorPrimary).
			Padding(1, 2),
	}
}
