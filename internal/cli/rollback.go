package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flagramp/flagramp/internal/rollout"
	"github.com/flagramp/flagramp/internal/store"
)

func init() {
	rootCmd.AddCommand(newRollbackCmd())
}

func newRollbackCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "rollback <rollout-id>",
		Short: "Roll a rollout back to zero exposure",
		Long: `Withdraw the variant entirely: exposure drops to 0%, the rollout
moves to rolled_back, and an alert is sent. This is terminal.

Example:
  flagramp rollback 4f9d... --reason "checkout conversion cratered"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(ctrl *rollout.Controller, _ *store.SQLiteStore) error {
				if err := ctrl.Rollback(context.Background(), args[0], reason); err != nil {
					return err
				}
				fmt.Printf("Rolled back rollout %s (exposure now 0%%)\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the rollout is being rolled back")
	return cmd
}
