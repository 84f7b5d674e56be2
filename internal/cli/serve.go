package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/perch-dev/perch/internal/domain"
	"github.com/perch-dev/perch/internal/orchestrator"
	"github.com/perch-dev/perch/internal/tui"
)

// newServeCommand creates the serve command.
func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "serve -- <command> [args...]",
		Short:   "Spawn an agent bridge process and serve its messages",
		GroupID: groupProject,
		Args:    cobra.MinimumNArgs(1),
		Long: `Spawn the given command as a child process and exchange
newline-delimited JSON messages with it over stdin/stdout until it
exits. The child is spawned exactly once; perch exits when it does.
Deletion requests arriving over the wire raise a confirmation dialog
here; the agent's request is answered once you decide.

Example:
  perch serve -- perch-bridge --verbose`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openProject(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, _ := c.NewConn(args)
			watchDeletions(ctx, c.Orchestrator, func(ts *domain.Taskspace) bool {
				return tui.RunConfirm("Confirm deletion",
					fmt.Sprintf("The agent asks to delete taskspace %q (%s). Delete it?", ts.Name, ts.ID))
			}, func(err error) {
				c.Slog.Error("deletion request not resolved", "error", err)
			})
			if err := conn.Start(ctx); err != nil {
				return err
			}

			// Ask sessions already running in the project to re-register.
			if err := c.Orchestrator.RollCall(); err != nil {
				c.Slog.Warn("roll call failed", "error", err)
			}

			select {
			case <-ctx.Done():
				return conn.Stop(cmd.Context())
			case <-conn.Done():
				if exitErr := conn.LastError(); exitErr != "" {
					return fmt.Errorf("bridge process failed: %s", exitErr)
				}
				return nil
			}
		},
	}
}

// watchDeletions answers wire-initiated deletion requests: each one puts the
// decision to the operator and drives the confirm or cancel step, which
// resolves the agent's deferred response. The decision runs on its own
// goroutine because observers are invoked under the orchestrator's lock.
func watchDeletions(ctx context.Context, orch *orchestrator.Orchestrator, decide func(*domain.Taskspace) bool, report func(error)) {
	orch.AddObserver(func(ev orchestrator.Event) {
		if ev.Kind != orchestrator.EventDeletionRequested {
			return
		}
		go func() {
			p := orch.Project()
			if p == nil {
				return
			}
			ts := p.Taskspace(ev.TaskspaceID)
			if ts == nil {
				return
			}
			var err error
			if decide(ts) {
				err = orch.ConfirmDeletion(ctx, ev.TaskspaceID)
			} else {
				err = orch.CancelDeletion(ev.TaskspaceID)
			}
			if err != nil {
				report(err)
			}
		}()
	})
}
