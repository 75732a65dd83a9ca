package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/flagramp/flagramp/internal/analytics"
	"github.com/flagramp/flagramp/internal/config"
	"github.com/flagramp/flagramp/internal/store"
)

func init() {
	rootCmd.AddCommand(newResultsCmd())
}

func newResultsCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "results <flag-key>",
		Short: "Show A/B test results for a flag",
		Long:  `Show per-variant conversion rates, confidence, and the recommended action.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flagKey := args[0]

			return withStore(func(s *store.SQLiteStore) error {
				cfg, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				an := analytics.NewService(s, analyticsThresholds(cfg))

				to := time.Now()
				from := to.AddDate(0, 0, -days)
				results, err := an.AnalyzeTest(context.Background(), flagKey, from, to)
				if err != nil {
					return fmt.Errorf("failed to analyze: %w", err)
				}
				if results == nil {
					return fmt.Errorf("no events recorded for flag '%s' in the last %d days", flagKey, days)
				}

				printResults(flagKey, days, results)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "trailing window in days")
	return cmd
}

func printResults(flagKey string, days int, results *analytics.TestResults) {
	fmt.Printf("FLAG: %s (last %d days)\n", flagKey, days)
	if results.StatisticalSignificance {
		fmt.Println("SIGNIFICANCE: yes")
	} else {
		fmt.Println("SIGNIFICANCE: not yet")
	}
	fmt.Printf("RECOMMENDED: %s\n", results.RecommendedAction)
	fmt.Println()

	fmt.Printf("%-16s  %8s  %12s  %8s  %10s  %-14s\n",
		"VARIANT", "USERS", "CONVERSIONS", "RATE", "CONFIDENCE", "95% CI")
	for _, v := range results.Variants {
		name := v.Variant
		if v.IsWinner {
			name += " *"
		}
		fmt.Printf("%-16s  %8d  %12d  %7.1f%%  %10.2f  [%.3f, %.3f]\n",
			name, v.Users, v.Conversions, v.ConversionRate*100, v.Confidence, v.CILower, v.CIUpper)
	}

	if winner := winningVariant(results); winner != "" {
		fmt.Println()
		fmt.Printf("* leading variant: %s\n", winner)
	}
	fmt.Println(strings.Repeat("-", 78))
}

func winningVariant(results *analytics.TestResults) string {
	for _, v := range results.Variants {
		if v.IsWinner {
			return v.Variant
		}
	}
	return ""
}
