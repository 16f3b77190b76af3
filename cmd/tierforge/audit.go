package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Rogers-F/tierforge/internal/domain"
)

var (
	auditSince int64
	auditLimit int
	auditTask  string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Print the activity log",
	Long: `Print audit entries newer than --since. With --task, only entries for that
task and its descendants are shown.`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().Int64Var(&auditSince, "since", 0, "only entries with a larger id")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum entries (0 for all)")
	auditCmd.Flags().StringVar(&auditTask, "task", "", "restrict to a task subtree")
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	var entries []domain.AuditLogEntry
	if auditTask != "" {
		tree, err := a.tasks.Subtree(ctx, auditTask)
		if err != nil {
			return err
		}
		entries, err = a.audit.ForTasks(ctx, tree.Order, auditSince, auditLimit)
		if err != nil {
			return err
		}
	} else {
		entries, err = a.audit.Since(ctx, auditSince, auditLimit)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit entries.")
		return nil
	}
	bold := color.New(color.Bold)
	for _, e := range entries {
		ts := time.Unix(e.CreatedAt, 0).Format("2006-01-02 15:04:05")
		fmt.Fprintf(out, "%6d  %s  %-12s %s", e.ID, ts, e.Actor, bold.Sprint(e.Action))
		if e.TaskID != "" {
			fmt.Fprintf(out, "  task=%s", e.TaskID)
		}
		if e.TargetID != "" {
			fmt.Fprintf(out, "  target=%s", e.TargetID)
		}
		if e.Details != "" && e.Details != "{}" && e.Details != "null" {
			fmt.Fprintf(out, "  %s", color.HiBlackString(e.Details))
		}
		fmt.Fprintln(out)
	}
	return nil
}
