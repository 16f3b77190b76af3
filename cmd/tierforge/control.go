package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Rogers-F/tierforge/internal/control"
	"github.com/Rogers-F/tierforge/internal/domain"
	"github.com/Rogers-F/tierforge/internal/workflow"
)

var (
	controlScope  string
	controlTier   int
	controlAgent  string
	controlReason string
	controlActor  string
)

var controlCmd = &cobra.Command{
	Use:   "control <root-task-id> <pause|resume|stop|restart>",
	Short: "Apply a control action to part of a task tree",
	Long: `Apply pause, resume, stop or restart to the tasks a scope selects within
the tree rooted at the given task. Tasks whose status does not allow the action
are skipped. Restart re-executes the restarted domain leaders when an execution
command is configured.`,
	Example: `  tierforge control root-1 pause
  tierforge control root-1 stop --scope tier --tier 3
  tierforge control root-1 restart --scope agent --agent leader-a --reason "retry after fix"`,
	Args: cobra.ExactArgs(2),
	RunE: runControl,
}

func init() {
	controlCmd.Flags().StringVar(&controlScope, "scope", "tree", "tree, tier or agent")
	controlCmd.Flags().IntVar(&controlTier, "tier", 0, "tier for --scope tier")
	controlCmd.Flags().StringVar(&controlAgent, "agent", "", "task id for --scope agent")
	controlCmd.Flags().StringVar(&controlReason, "reason", "", "reason recorded with the status change")
	controlCmd.Flags().StringVar(&controlActor, "actor", "operator", "actor recorded in the audit log")
}

func runControl(cmd *cobra.Command, args []string) error {
	action, err := workflow.ParseAction(args[1])
	if err != nil {
		return err
	}
	scope, err := control.ParseScope(controlScope, controlTier, controlAgent)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.control.ControlScope(cmd.Context(), control.ScopeInput{
		RootID: args[0],
		Action: action,
		Scope:  scope,
		Reason: controlReason,
		Actor:  controlActor,
	})
	if err != nil {
		return err
	}
	printControlResult(cmd.OutOrStdout(), res)
	return nil
}

func printControlResult(w io.Writer, res *control.Result) {
	fmt.Fprintf(w, "%s %s on %s (%s): %d affected, %d skipped\n",
		color.GreenString("✓"), res.Action, res.RootID, res.Scope, len(res.Affected), len(res.Skipped))
	for _, t := range res.Affected {
		fmt.Fprintf(w, "  %-24s tier %d  %s\n", t.ID, t.Tier, statusColor(t.Status))
	}
	for _, id := range res.Skipped {
		fmt.Fprintf(w, "  %-24s %s\n", id, color.YellowString("skipped"))
	}
	if s := res.Restart; s != nil {
		fmt.Fprintf(w, "restart: %d/%d leaders succeeded, %d candidates, %d applied, %d validated, %d rejected, %d conflicts need review\n",
			s.SuccessfulTier2Tasks, s.Tier2Tasks, s.CandidateMutations, s.AppliedMutations,
			s.ValidatedMutations, s.RejectedMutations, s.ConflictsRequiringReview)
		if s.FirstError != "" {
			fmt.Fprintf(w, "  %s %s\n", color.RedString("first error:"), s.FirstError)
		}
	}
}

func statusColor(s domain.TaskStatus) string {
	switch s {
	case domain.TaskCompleted:
		return color.GreenString(string(s))
	case domain.TaskFailed:
		return color.RedString(string(s))
	case domain.TaskPaused:
		return color.YellowString(string(s))
	default:
		return color.CyanString(string(s))
	}
}
