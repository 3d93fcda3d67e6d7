package main

import (
	"errors"

	"github.com/localnerve/menusync/internal/app"
	"github.com/localnerve/menusync/internal/models"
	"github.com/localnerve/menusync/internal/reconcile"
	"github.com/spf13/cobra"
)

var (
	reconcileTarget uint64
	reconcileMode   string
	rollbackTo      uint64
	rollbackPin     bool
	logsLimit       int
)

var reconcileCmd = &cobra.Command{
	Use:     "reconcile BRANCH_SYNC_ID",
	GroupID: "sync",
	Short:   "Bring a branch forward to the master menu",
	Long: `Replay the master versions a branch has not seen.

Modes:
  auto    queue manual-classified changes for an operator (default)
  manual  apply manual-classified changes
  forced  apply everything except never-sync changes and locked fields`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "branch sync id")
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app.App) error {
			l, err := a.Reconciler.Reconcile(cmd.Context(), reconcile.Request{
				BranchSyncID:  id,
				TargetVersion: reconcileTarget,
				Mode:          reconcile.Mode(reconcileMode),
				Actor:         actor,
			})
			return printRun(l, err)
		})
	},
}

var applyPendingCmd = &cobra.Command{
	Use:     "apply-pending BRANCH_SYNC_ID",
	GroupID: "sync",
	Short:   "Apply the changes queued for operator review",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return pendingRun(cmd, args[0], false)
	},
}

var discardPendingCmd = &cobra.Command{
	Use:     "discard-pending BRANCH_SYNC_ID",
	GroupID: "sync",
	Short:   "Drop the changes queued for operator review",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return pendingRun(cmd, args[0], true)
	},
}

var rollbackCmd = &cobra.Command{
	Use:     "rollback BRANCH_SYNC_ID --to VERSION",
	GroupID: "sync",
	Short:   "Move a branch back to an earlier master version",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "branch sync id")
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app.App) error {
			l, err := a.Reconciler.Rollback(cmd.Context(), reconcile.RollbackRequest{
				BranchSyncID: id,
				ToVersion:    rollbackTo,
				Pin:          rollbackPin,
				Actor:        actor,
			})
			return printRun(l, err)
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:     "sweep MASTER_MENU_ID",
	GroupID: "sync",
	Short:   "Reconcile every branch of a master menu",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "master menu id")
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app.App) error {
			results, err := a.Reconciler.Sweep(cmd.Context(), id, actor)
			if err != nil {
				return err
			}
			return printJSON(results)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:     "status BRANCH_SYNC_ID",
	GroupID: "sync",
	Short:   "Show how far a branch is from its master menu",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "branch sync id")
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app.App) error {
			st, err := a.Reconciler.Status(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(st)
		})
	},
}

var logsCmd = &cobra.Command{
	Use:     "logs BRANCH_SYNC_ID",
	GroupID: "sync",
	Short:   "List the newest sync logs of a branch",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "branch sync id")
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app.App) error {
			logs, err := a.Branches.Logs(cmd.Context(), id, logsLimit)
			if err != nil {
				return err
			}
			return printJSON(logs)
		})
	},
}

func init() {
	reconcileCmd.Flags().Uint64Var(&reconcileTarget, "target", 0, "target master version (default current)")
	reconcileCmd.Flags().StringVar(&reconcileMode, "mode", string(reconcile.ModeAuto), "auto, manual or forced")
	rollbackCmd.Flags().Uint64Var(&rollbackTo, "to", 0, "master version to roll back to")
	rollbackCmd.Flags().BoolVar(&rollbackPin, "pin", false, "disable sync so the branch stays at the version")
	_ = rollbackCmd.MarkFlagRequired("to")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 20, "number of logs")

	rootCmd.AddCommand(reconcileCmd, applyPendingCmd, discardPendingCmd, rollbackCmd, sweepCmd, statusCmd, logsCmd)
}

func pendingRun(cmd *cobra.Command, arg string, discard bool) error {
	id, err := parseID(arg, "branch sync id")
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(a *app.App) error {
		var l *models.MenuSyncLog
		if discard {
			l, err = a.Reconciler.DiscardPending(cmd.Context(), id, actor)
		} else {
			l, err = a.Reconciler.ApplyPending(cmd.Context(), id, actor)
		}
		return printRun(l, err)
	})
}

// printRun prints the written log, even for a run that failed part way
func printRun(l *models.MenuSyncLog, err error) error {
	var failure *reconcile.Failure
	if err != nil && !errors.As(err, &failure) {
		return err
	}
	if l != nil {
		if perr := printJSON(l); perr != nil {
			return perr
		}
	}
	return err
}
