package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/flagramp/flagramp/internal/rollout"
	"github.com/flagramp/flagramp/internal/store"
)

func init() {
	rootCmd.AddCommand(newStartCmd())
}

func newStartCmd() *cobra.Command {
	var cfg store.RolloutConfig

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a gradual rollout",
		Long: `Start a gradual rollout of a flag variant.

The rollout begins at the initial percentage and widens by the increment
at each interval while quality gates hold. Emergency-stop thresholds force
an automatic rollback when quality regresses.

Run without flags for interactive prompts.

Examples:
  flagramp start --flag onboarding_v2 --variant new_flow \
    --initial 5 --target 100 --increment 10 --interval-hours 24 \
    --min-sample 50 --max-error-rate 0.05 --min-conversion-rate 0.2 \
    --max-error-spike 0.2 --min-conversion-drop 0.1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.FlagKey == "" {
				if err := promptRolloutConfig(&cfg); err != nil {
					return err
				}
			}

			return withController(func(ctrl *rollout.Controller, _ *store.SQLiteStore) error {
				id, err := ctrl.Start(context.Background(), cfg)
				if err != nil {
					return err
				}

				fmt.Printf("Started rollout %s\n", id)
				fmt.Printf("  Flag: %s, variant: %s\n", cfg.FlagKey, cfg.Variant)
				fmt.Printf("  %.1f%% -> %.1f%% in steps of %.1f%% every %dh\n",
					cfg.InitialPercentage, cfg.TargetPercentage, cfg.IncrementPercentage, cfg.IncrementIntervalH)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&cfg.FlagKey, "flag", "", "flag key to roll out")
	cmd.Flags().StringVar(&cfg.Variant, "variant", "", "variant to widen")
	cmd.Flags().Float64Var(&cfg.InitialPercentage, "initial", 5, "initial exposure percentage")
	cmd.Flags().Float64Var(&cfg.TargetPercentage, "target", 100, "target exposure percentage")
	cmd.Flags().Float64Var(&cfg.IncrementPercentage, "increment", 10, "percentage added per step")
	cmd.Flags().IntVar(&cfg.IncrementIntervalH, "interval-hours", 24, "hours between steps")
	cmd.Flags().IntVar(&cfg.MinSampleSize, "min-sample", 50, "users required before a step")
	cmd.Flags().Float64Var(&cfg.MaxErrorRate, "max-error-rate", 0.05, "error rate ceiling for a step")
	cmd.Flags().Float64Var(&cfg.MinConversionRate, "min-conversion-rate", 0.2, "conversion rate floor for a step")
	cmd.Flags().Float64Var(&cfg.MaxErrorRateSpike, "max-error-spike", 0.2, "error rate that forces rollback")
	cmd.Flags().Float64Var(&cfg.MinConversionRateDrop, "min-conversion-drop", 0.1, "conversion rate that forces rollback")
	cmd.Flags().IntVar(&cfg.MaxUserComplaints, "max-complaints", 10, "complaint count that forces rollback")
	cmd.Flags().StringVar(&cfg.CreatedBy, "by", "", "operator starting the rollout")
	cmd.Flags().StringVar(&cfg.Reason, "reason", "", "why this rollout is starting")

	return cmd
}

func promptRolloutConfig(cfg *store.RolloutConfig) error {
	var err error

	cfg.FlagKey, err = (&promptui.Prompt{
		Label: "Flag key",
		Validate: func(s string) error {
			if s == "" {
				return fmt.Errorf("flag key is required")
			}
			return nil
		},
	}).Run()
	if err != nil {
		return err
	}

	cfg.Variant, err = (&promptui.Prompt{
		Label: "Variant",
		Validate: func(s string) error {
			if s == "" {
				return fmt.Errorf("variant is required")
			}
			return nil
		},
	}).Run()
	if err != nil {
		return err
	}

	cfg.InitialPercentage, err = promptFloat("Initial percentage", cfg.InitialPercentage)
	if err != nil {
		return err
	}
	cfg.TargetPercentage, err = promptFloat("Target percentage", cfg.TargetPercentage)
	if err != nil {
		return err
	}
	cfg.IncrementPercentage, err = promptFloat("Increment percentage", cfg.IncrementPercentage)
	if err != nil {
		return err
	}

	return nil
}

func promptFloat(label string, def float64) (float64, error) {
	result, err := (&promptui.Prompt{
		Label:   label,
		Default: strconv.FormatFloat(def, 'f', -1, 64),
		Validate: func(s string) error {
			_, err := strconv.ParseFloat(s, 64)
			return err
		},
	}).Run()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(result, 64)
}
