package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/perch-dev/perch/internal/domain"
	"github.com/perch-dev/perch/internal/orchestrator"
	"github.com/perch-dev/perch/internal/tui"
)

var (
	styleHatchling = lipgloss.NewStyle().Foreground(tui.ColorWarning)
	styleResume    = lipgloss.NewStyle().Foreground(tui.ColorSuccess)
	styleAttention = lipgloss.NewStyle().Foreground(tui.ColorError).Bold(true)
	styleMuted     = lipgloss.NewStyle().Foreground(tui.ColorMuted)
)

// newNewCommand creates the new command for creating taskspaces.
func newNewCommand() *cobra.Command {
	var opts struct {
		Name        string
		Description string
		Prompt      string
		Agent       string
	}

	cmd := &cobra.Command{
		Use:     "new",
		Short:   "Create a new taskspace",
		GroupID: groupTaskspace,
		Long: `Create a taskspace in the open project. The branch and worktree are
created immediately from the project's base branch; the taskspace
starts in the hatchling state and delivers its initial prompt to the
agent exactly once.

Examples:
  # Create a taskspace with a prompt for the agent
  perch new -n "Fix login bug" -p "Users report 401s after password reset"

  # Create a taskspace for a specific agent
  perch new -n "Refactor auth" --agent codex`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := openProject(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ts, err := c.Orchestrator.CreateTaskspace(cmd.Context(), orchestrator.CreateParams{
				Name:          opts.Name,
				Description:   opts.Description,
				InitialPrompt: opts.Prompt,
				Agent:         opts.Agent,
			})
			if err != nil {
				return err
			}

			p := c.Orchestrator.Project()
			fmt.Fprintf(cmd.OutOrStdout(), "Created taskspace %s\n", ts.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "  branch:   %s\n", domain.BranchName(ts.ID))
			fmt.Fprintf(cmd.OutOrStdout(), "  worktree: %s\n", domain.WorktreePath(p.Path, ts.ID, p.GitURL))
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Name, "name", "n", "", "taskspace name (required)")
	cmd.Flags().StringVarP(&opts.Description, "description", "d", "", "what this taskspace is for")
	cmd.Flags().StringVarP(&opts.Prompt, "prompt", "p", "", "initial prompt delivered to the agent once")
	cmd.Flags().StringVar(&opts.Agent, "agent", "", "agent identity (default: configured default agent)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// newListCommand creates the list command.
func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List taskspaces",
		GroupID: groupTaskspace,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := openProject(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			p := c.Orchestrator.Project()
			if len(p.Taskspaces) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No taskspaces. Create one with 'perch new'.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATE\tFLAGS")
			for _, ts := range p.Taskspaces {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ts.ID, ts.Name, renderState(ts.State), renderFlags(ts))
			}
			return w.Flush()
		},
	}
}

func renderState(s domain.State) string {
	switch s {
	case domain.StateHatchling:
		return styleHatchling.Render(string(s))
	case domain.StateResume:
		return styleResume.Render(string(s))
	default:
		return string(s)
	}
}

func renderFlags(ts *domain.Taskspace) string {
	var flags string
	if ts.NeedsAttention() {
		flags += styleAttention.Render("needs-attention ")
	}
	if ts.Stale {
		flags += styleMuted.Render("stale ")
	}
	if ts.PendingDeletion {
		flags += styleMuted.Render("pending-deletion ")
	}
	return flags
}

// newShowCommand creates the show command.
func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "show <taskspace-id>",
		Short:   "Show taskspace details and progress log",
		GroupID: groupTaskspace,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openProject(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			p := c.Orchestrator.Project()
			ts := p.Taskspace(args[0])
			if ts == nil {
				return domain.ErrTaskspaceNotFound
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Taskspace %s\n", ts.ID)
			fmt.Fprintf(out, "  name:        %s\n", ts.Name)
			if ts.Description != "" {
				fmt.Fprintf(out, "  description: %s\n", ts.Description)
			}
			fmt.Fprintf(out, "  state:       %s\n", renderState(ts.State))
			if ts.InitialPrompt != "" {
				fmt.Fprintf(out, "  prompt:      %s\n", ts.InitialPrompt)
			}
			if ts.Agent != "" {
				fmt.Fprintf(out, "  agent:       %s\n", ts.Agent)
			}
			fmt.Fprintf(out, "  branch:      %s\n", domain.BranchName(ts.ID))
			fmt.Fprintf(out, "  worktree:    %s\n", domain.WorktreePath(p.Path, ts.ID, p.GitURL))
			fmt.Fprintf(out, "  created:     %s\n", ts.CreatedAt.Format("2006-01-02 15:04:05"))

			if len(ts.Logs) > 0 {
				fmt.Fprintln(out, "\nProgress:")
				for _, entry := range ts.Logs {
					fmt.Fprintf(out, "  %s [%s] %s\n",
						entry.Time.Format("2006-01-02 15:04:05"), entry.Category, entry.Message)
				}
			}
			return nil
		},
	}
}

// newDeleteCommand creates the delete command.
func newDeleteCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:     "delete <taskspace-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a taskspace after confirmation",
		GroupID: groupTaskspace,
		Args:    cobra.ExactArgs(1),
		Long: `Delete a taskspace: its worktree, branch, and directory. The deletion
must be confirmed interactively unless --yes is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openProject(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ts := c.Orchestrator.Project().Taskspace(args[0])
			if ts == nil {
				return domain.ErrTaskspaceNotFound
			}
			if err := c.Orchestrator.RequestDeletion(ts.ID); err != nil {
				return err
			}

			accepted := yes
			if !accepted {
				accepted = tui.RunConfirm("Delete taskspace",
					fmt.Sprintf("Delete %q (%s) with its worktree and branch?", ts.Name, ts.ID))
			}
			if !accepted {
				if err := c.Orchestrator.CancelDeletion(ts.ID); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Deletion cancelled.")
				return nil
			}

			if err := c.Orchestrator.ConfirmDeletion(cmd.Context(), ts.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted taskspace %s\n", ts.ID)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

// newPruneCommand creates the prune command.
func newPruneCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Remove stale taskspaces after per-taskspace confirmation",
		GroupID: groupTaskspace,
		Long: `Remove taskspaces whose on-disk artifacts went missing. Each stale
taskspace must be accepted individually; rejected ones are kept and
reported again next time.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newContainer(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			_, stale, err := c.Orchestrator.OpenProject(cmd.Context(), c.ProjectDir)
			if err != nil {
				return err
			}
			if len(stale) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No stale taskspaces.")
				return nil
			}

			var accepted []string
			if all {
				for _, ts := range stale {
					accepted = append(accepted, ts.ID)
				}
			} else {
				accepted = tui.RunPrune(stale)
			}
			if len(accepted) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing pruned.")
				return nil
			}

			if err := c.Orchestrator.PruneStale(cmd.Context(), accepted); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d taskspace(s)\n", len(accepted))
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "prune every stale taskspace without prompting")
	return cmd
}
