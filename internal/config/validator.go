package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSchedule validates a 5-field cron expression
func (v *Validator) ValidateSchedule(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("refresh schedule cannot be empty")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", expr, err)
	}
	return nil
}

// ValidateBaseURL validates the remote source URL
func (v *Validator) ValidateBaseURL(raw string) error {
	if raw == "" {
		return nil // Remote is optional until refresh is used
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid remote base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid remote base_url scheme %q (must be http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("remote base_url must include a host")
	}
	return nil
}

// ValidateStoreName validates a single store name. Names become file names.
func (v *Validator) ValidateStoreName(name string) error {
	if name == "" {
		return fmt.Errorf("store name cannot be empty")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("store name %q cannot contain path separators", name)
	}
	if strings.HasSuffix(name, "-backup") {
		return fmt.Errorf("store name %q collides with backup naming", name)
	}
	return nil
}

// hookEvents are the event types a hook can name
var hookEvents = []string{"*", "refresh.succeeded", "refresh.failed", "refresh.state", "transport.changed", "donors.inserted"}

// ValidateHook validates one hook entry
func (v *Validator) ValidateHook(hook HookConfig) error {
	known := false
	for _, e := range hookEvents {
		if hook.Event == e {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown hook event %q (must be one of: %s)", hook.Event, strings.Join(hookEvents, ", "))
	}
	if strings.TrimSpace(hook.Script) == "" {
		return fmt.Errorf("hook script cannot be empty")
	}
	if hook.TimeoutSeconds < 0 {
		return fmt.Errorf("hook timeout_seconds cannot be negative")
	}
	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	seen := make(map[string]bool)
	for _, name := range cfg.Stores.Names {
		if err := v.ValidateStoreName(name); err != nil {
			errors = append(errors, err)
			continue
		}
		if seen[name] {
			errors = append(errors, fmt.Errorf("store %q configured more than once", name))
		}
		seen[name] = true
	}

	if err := v.ValidateBaseURL(cfg.Remote.BaseURL); err != nil {
		errors = append(errors, err)
	}
	if cfg.Stores.WriteWarnAfterSeconds < 0 {
		errors = append(errors, fmt.Errorf("stores.write_warn_after_seconds cannot be negative"))
	}
	if cfg.Remote.PageSize <= 0 {
		errors = append(errors, fmt.Errorf("remote.page_size must be > 0"))
	}
	if cfg.Remote.TimeoutSeconds <= 0 {
		errors = append(errors, fmt.Errorf("remote.timeout_seconds must be > 0"))
	}

	if cfg.Refresh.Enabled {
		if err := v.ValidateSchedule(cfg.Refresh.Schedule); err != nil {
			errors = append(errors, err)
		}
	}
	if !seen[cfg.Refresh.Store] {
		errors = append(errors, fmt.Errorf("refresh.store %q is not a configured store", cfg.Refresh.Store))
	}

	for _, name := range cfg.Search.Stores {
		if !seen[name] {
			errors = append(errors, fmt.Errorf("search store %q is not a configured store", name))
		}
	}

	if cfg.Gateway.Enabled {
		if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
			errors = append(errors, fmt.Errorf("gateway: %w", err))
		}
		if cfg.Gateway.TickIntervalSeconds < 0 {
			errors = append(errors, fmt.Errorf("gateway.tick_interval_seconds cannot be negative"))
		}
		if cfg.Gateway.SharedSecret != "" && len(cfg.Gateway.SharedSecret) < 16 {
			errors = append(errors, fmt.Errorf("gateway.shared_secret must be at least 16 characters"))
		}
	}

	if cfg.Hooks.Enabled {
		for i, hook := range cfg.Hooks.Hooks {
			if err := v.ValidateHook(hook); err != nil {
				errors = append(errors, fmt.Errorf("hooks[%d]: %w", i, err))
			}
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
