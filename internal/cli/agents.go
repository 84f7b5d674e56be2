package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newAgentsCommand creates the agents command.
func newAgentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "agents",
		Short:   "List known agents and whether they are installed",
		GroupID: groupProject,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newContainer(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATUS\tCOMMAND")
			for _, info := range c.Agents.List() {
				status := "missing"
				if info.Installed {
					status = "installed"
				}
				name := info.Name
				if name == c.AppConfig.DefaultAgent {
					name += " (default)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, status, strings.Join(info.Command, " "))
			}
			return w.Flush()
		},
	}
}
