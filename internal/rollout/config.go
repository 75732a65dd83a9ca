package rollout

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/flagramp/flagramp/internal/store"
)

var validate = validator.New()

// ValidateConfig rejects an invalid rollout config synchronously, before
// the rollout ever starts.
func ValidateConfig(cfg store.RolloutConfig) error {
	if err := validate.Struct(cfg); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("invalid rollout config: field %s fails %q (value: %v)", e.Field(), e.Tag(), e.Value())
		}
		return fmt.Errorf("invalid rollout config: %w", err)
	}

	// Cross-field rules the tags can't express.
	if cfg.InitialPercentage > cfg.TargetPercentage {
		return fmt.Errorf("invalid rollout config: initial percentage %.1f exceeds target %.1f",
			cfg.InitialPercentage, cfg.TargetPercentage)
	}
	return nil
}
