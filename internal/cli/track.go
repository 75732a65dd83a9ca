package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/flagramp/flagramp/internal/store"
)

func init() {
	rootCmd.AddCommand(newTrackCmd())
}

func newTrackCmd() *cobra.Command {
	var (
		eventType string
		userID    string
		sessionID string
		flagKey   string
		variant   string
		step      string
	)

	cmd := &cobra.Command{
		Use:   "track",
		Short: "Record a single event",
		Long: `Record a single event directly into the store. Useful for smoke
testing a flag's pipeline without the HTTP beacon.

Example:
  flagramp track --type conversion --user u42 --flag onboarding_v2 --variant new_flow`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := store.Event{
				Type:      store.EventType(eventType),
				UserID:    userID,
				SessionID: sessionID,
				FlagKey:   flagKey,
				Variant:   variant,
				Timestamp: time.Now().UnixMilli(),
				Context:   store.EventContext{OnboardingStep: step},
			}
			if !ev.Type.Valid() {
				return fmt.Errorf("unknown event type: %q", eventType)
			}
			if ev.UserID == "" || ev.FlagKey == "" {
				return fmt.Errorf("--user and --flag are required")
			}
			if ev.SessionID == "" {
				ev.SessionID = uuid.NewString()
			}

			return withStore(func(s *store.SQLiteStore) error {
				if err := s.AppendEvents(context.Background(), []store.Event{ev}); err != nil {
					return fmt.Errorf("failed to record event: %w", err)
				}
				fmt.Printf("Recorded %s event for %s/%s\n", ev.Type, ev.FlagKey, ev.Variant)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "", "event type (required)")
	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (generated if absent)")
	cmd.Flags().StringVar(&flagKey, "flag", "", "flag key (required)")
	cmd.Flags().StringVar(&variant, "variant", "", "variant")
	cmd.Flags().StringVar(&step, "step", "", "onboarding step name")
	cmd.MarkFlagRequired("type")

	return cmd
}
