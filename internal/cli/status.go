package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flagramp/flagramp/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status <rollout-id>",
	Short: "Show a rollout's state and audit history",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.SQLiteStore) error {
		r, err := s.GetRollout(context.Background(), args[0])
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("rollout '%s' not found", args[0])
			}
			return fmt.Errorf("failed to get rollout: %w", err)
		}

		fmt.Printf("ROLLOUT: %s\n", r.ID)
		fmt.Printf("FLAG: %s, variant %s\n", r.Config.FlagKey, r.Config.Variant)
		fmt.Printf("STATE: %s\n", r.Status.State)
		fmt.Printf("EXPOSURE: %.1f%% (target %.1f%%)\n", r.Status.CurrentPercentage, r.Config.TargetPercentage)
		if r.Config.Reason != "" {
			fmt.Printf("REASON: %s\n", r.Config.Reason)
		}
		if r.Status.NextIncrement != nil {
			fmt.Printf("NEXT STEP: %.1f%% at %s\n", r.Status.NextIncrement.Percentage,
				r.Status.NextIncrement.At.Format("2006-01-02 15:04 MST"))
		}

		if stats := r.Status.CurrentStats; stats != nil {
			fmt.Println()
			fmt.Printf("WINDOW: %s - %s\n",
				stats.WindowStart.Format("Jan 02 15:04"), stats.WindowEnd.Format("Jan 02 15:04"))
			fmt.Printf("  users: %d  conversions: %d (%.1f%%)  error rate: %.2f%%  feedback: %.1f/5\n",
				stats.TotalUsers, stats.Conversions, stats.ConversionRate*100, stats.ErrorRate*100, stats.FeedbackScore)
		}

		if len(r.Status.History) > 0 {
			fmt.Println()
			fmt.Println("HISTORY:")
			for _, rec := range r.Status.History {
				line := fmt.Sprintf("  %s  %.1f%% -> %.1f%%",
					rec.At.Format("2006-01-02 15:04"), rec.FromPercentage, rec.ToPercentage)
				if rec.FromState != rec.ToState {
					line += fmt.Sprintf("  [%s -> %s]", rec.FromState, rec.ToState)
				}
				if rec.Reason != "" {
					line += "  " + rec.Reason
				}
				fmt.Println(line)
			}
		}
		return nil
	})
}
