package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flagramp/flagramp/internal/rollout"
	"github.com/flagramp/flagramp/internal/store"
)

func init() {
	rootCmd.AddCommand(newPauseCmd())
	rootCmd.AddCommand(newResumeCmd())
}

func newPauseCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "pause <rollout-id>",
		Short: "Pause an active rollout",
		Long: `Pause an active rollout. Scheduling freezes; the current exposure
percentage is left in place.

Example:
  flagramp pause 4f9d... --reason "investigating error spike"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(ctrl *rollout.Controller, _ *store.SQLiteStore) error {
				if err := ctrl.Pause(context.Background(), args[0], reason); err != nil {
					return err
				}
				fmt.Printf("Paused rollout %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the rollout is being paused")
	return cmd
}

func newResumeCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "resume <rollout-id>",
		Short: "Resume a paused rollout",
		Long: `Resume a paused rollout. The next increment is rescheduled from the
current percentage.

Example:
  flagramp resume 4f9d... --reason "error spike resolved"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(ctrl *rollout.Controller, _ *store.SQLiteStore) error {
				if err := ctrl.Resume(context.Background(), args[0], reason); err != nil {
					return err
				}
				fmt.Printf("Resumed rollout %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the rollout is being resumed")
	return cmd
}
