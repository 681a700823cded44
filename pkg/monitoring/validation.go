package monitoring

import "github.com/core-tools/hsu-orchestrator/pkg/errors"

// ValidateOptions validates health monitor options after defaults are applied
func ValidateOptions(options Options) error {
	if options.Interval < 0 {
		return errors.NewValidationError("health check interval cannot be negative", nil)
	}

	if options.EmergencyThreshold < 0 || options.EmergencyThreshold > 1 {
		return errors.NewValidationError("emergency threshold must be between 0 and 1", nil)
	}

	if options.HookTimeout < 0 {
		return errors.NewValidationError("hook timeout cannot be negative", nil)
	}

	if options.HookTimeout > 0 && options.Interval > 0 && options.HookTimeout >= options.Interval {
		return errors.NewValidationError("hook timeout must be less than health check interval", nil)
	}

	return nil
}
