package config

import (
	"fmt"
	"strings"
)

// Validate checks the config for:
//   - Required fields
//   - Positive poll intervals for every enabled worker
//   - Actuator settings that the server can resolve
func Validate(cfg *Config) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string

	if cfg.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}
	if cfg.Store.MaxErrors <= 0 {
		errs = append(errs, fmt.Sprintf("store.max_errors must be positive, got %d", cfg.Store.MaxErrors))
	}

	if cfg.Simulator.Enabled && cfg.Simulator.CheckInterval <= 0 {
		errs = append(errs, "simulator.check_interval must be positive")
	}
	if cfg.Simulator.ResponseDelay < 0 {
		errs = append(errs, "simulator.response_delay must not be negative")
	}

	if cfg.Processor.Enabled && cfg.Processor.PollInterval <= 0 {
		errs = append(errs, "processor.poll_interval must be positive")
	}
	if cfg.Processor.FlagThreshold < 0 {
		errs = append(errs, "processor.flag_threshold must not be negative")
	}

	if cfg.Delivery.Enabled && cfg.Delivery.PollInterval <= 0 {
		errs = append(errs, "delivery.poll_interval must be positive")
	}
	if cfg.Delivery.MinGap < 0 {
		errs = append(errs, "delivery.min_gap must not be negative")
	}
	switch cfg.Delivery.Actuator {
	case "":
		errs = append(errs, "delivery.actuator is required")
	case "script":
		if cfg.Delivery.ScriptPath == "" {
			errs = append(errs, "delivery.script_path is required for the script actuator")
		}
	}

	if cfg.Notify.Workers <= 0 {
		errs = append(errs, "notify.workers must be positive")
	}
	if cfg.Notify.QueueDepth <= 0 {
		errs = append(errs, "notify.queue_depth must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
