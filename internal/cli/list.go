package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flagramp/flagramp/internal/store"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all rollouts",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.SQLiteStore) error {
		rollouts, err := s.ListRollouts(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list rollouts: %w", err)
		}

		if len(rollouts) == 0 {
			fmt.Println("No rollouts yet. Start one with: flagramp start")
			return nil
		}

		fmt.Printf("%-36s  %-20s  %-12s  %-11s  %s\n", "ID", "FLAG/VARIANT", "STATE", "EXPOSURE", "NEXT STEP")
		for _, r := range rollouts {
			next := "-"
			if r.Status.NextIncrement != nil {
				next = fmt.Sprintf("%.1f%% at %s", r.Status.NextIncrement.Percentage,
					r.Status.NextIncrement.At.Format("Jan 02 15:04"))
			}
			fmt.Printf("%-36s  %-20s  %-12s  %9.1f%%  %s\n",
				r.ID,
				r.Config.FlagKey+"/"+r.Config.Variant,
				r.Status.State,
				r.Status.CurrentPercentage,
				next,
			)
		}
		return nil
	})
}
