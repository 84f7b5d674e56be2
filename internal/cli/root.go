// Package cli provides the command-line interface for perch.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/perch-dev/perch/internal/app"
	"github.com/perch-dev/perch/internal/domain"
)

// Command group IDs.
const (
	groupProject   = "project"
	groupTaskspace = "taskspace"
)

// NewRootCommand creates the root command for perch.
func NewRootCommand(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "perch",
		Short: "Delegate coding tasks to AI agents in isolated taskspaces",
		Long: `perch manages taskspaces: isolated units of work, each backed by its
own git branch and worktree carved out of a shared bare repository.
An AI agent works inside a taskspace and reports back over a simple
message protocol; destructive requests wait for your confirmation.`,
		Version: version,
		// SilenceUsage prevents usage from being printed on errors
		SilenceUsage: true,
		// SilenceErrors prevents Cobra from printing errors (we handle it in main)
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("project", "C", "", "project directory (default: current directory)")

	root.AddGroup(
		&cobra.Group{ID: groupProject, Title: "Project Commands:"},
		&cobra.Group{ID: groupTaskspace, Title: "Taskspace Commands:"},
	)

	root.AddCommand(
		newOpenCommand(),
		newNewCommand(),
		newListCommand(),
		newShowCommand(),
		newDeleteCommand(),
		newPruneCommand(),
		newAgentsCommand(),
		newServeCommand(),
	)
	return root
}

// projectDir resolves the project directory from the persistent flag,
// defaulting to the current directory.
func projectDir(cmd *cobra.Command) (string, error) {
	dir, err := cmd.Flags().GetString("project")
	if err != nil {
		return "", err
	}
	if dir == "" {
		return os.Getwd()
	}
	return filepath.Abs(dir)
}

// newContainer builds the container for the command's project directory.
func newContainer(cmd *cobra.Command) (*app.Container, error) {
	dir, err := projectDir(cmd)
	if err != nil {
		return nil, err
	}
	return app.New(dir)
}

// openProject builds the container and opens its project, printing a
// warning per stale taskspace.
func openProject(cmd *cobra.Command) (*app.Container, error) {
	c, err := newContainer(cmd)
	if err != nil {
		return nil, err
	}

	_, stale, err := c.Orchestrator.OpenProject(cmd.Context(), c.ProjectDir)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	reportStale(cmd, stale)
	return c, nil
}

func reportStale(cmd *cobra.Command, stale []*domain.Taskspace) {
	for _, ts := range stale {
		fmt.Fprintf(cmd.ErrOrStderr(),
			"Warning: taskspace %s (%s) is stale; run 'perch prune' to clean up\n",
			ts.ID, ts.Name)
	}
}
