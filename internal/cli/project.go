package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/perch-dev/perch/internal/app"
	"github.com/perch-dev/perch/internal/domain"
)

// newOpenCommand creates the open command.
func newOpenCommand() *cobra.Command {
	var opts struct {
		GitURL string
		Name   string
	}

	cmd := &cobra.Command{
		Use:     "open <path>",
		Short:   "Open a project, creating it if --git-url is given",
		GroupID: groupProject,
		Args:    cobra.ExactArgs(1),
		Long: `Open the project at the given directory. Every taskspace is checked
against the filesystem; taskspaces whose directory, descriptor, or
worktree went missing are reported as stale (use 'perch prune' to
remove them).

With --git-url, a new project is initialized when none exists yet.

Examples:
  # Open an existing project
  perch open ~/projects/webapp

  # Initialize a new project for a repository
  perch open ~/projects/webapp --git-url git@example.com:org/webapp.git`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			c, err := app.New(path)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			p, stale, err := c.Orchestrator.OpenProject(cmd.Context(), path)
			if errors.Is(err, domain.ErrProjectNotFound) && opts.GitURL != "" {
				p, err = c.Orchestrator.CreateProject(cmd.Context(), path, opts.GitURL, opts.Name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Initialized project %q at %s\n", p.Name, path)
				return nil
			}
			if err != nil {
				return err
			}

			reportStale(cmd, stale)
			fmt.Fprintf(cmd.OutOrStdout(), "Opened project %q (%d taskspaces", p.Name, len(p.Taskspaces))
			if len(stale) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), ", %d stale", len(stale))
			}
			fmt.Fprintln(cmd.OutOrStdout(), ")")
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.GitURL, "git-url", "", "repository URL to initialize a new project from")
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name (default: repository base name)")
	return cmd
}
