package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"

	"chatrelay/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateAuth(cfg, ve)
	validateProvider(cfg, ve)
	validateMedia(cfg, ve)
	validateClient(cfg, ve)
	validateLogger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is not host:port: %v", cfg.Server.Addr, err)
	}
	if cfg.Server.SessionTTL <= 0 {
		ve.Add("server.session_ttl must be positive")
	}
	if cfg.Server.LoginPerMinute < 0 || cfg.Server.LoginBurst < 0 {
		ve.Add("server.login_per_minute and server.login_burst must not be negative")
	}
}

func validateAuth(cfg *Config, ve *ValidationError) {
	if cfg.Auth.Enabled() && cfg.Server.SessionSecret != "" && len(cfg.Server.SessionSecret) < 16 {
		ve.Add("server.session_secret must be at least 16 bytes")
	}
}

func validateProvider(cfg *Config, ve *ValidationError) {
	p := cfg.Provider
	if p.BaseURL == "" {
		ve.Add("provider.base_url is required")
	} else if u, err := url.Parse(p.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		ve.Add("provider.base_url %q must be an http(s) URL", p.BaseURL)
	}
	if p.Model != "" && !domain.IsSupportedModel(p.Model) {
		ve.Add("provider.model %q is not a supported model", p.Model)
	}
	if p.MaxTokens < 0 {
		ve.Add("provider.max_tokens must not be negative")
	}
	if p.ConnTimeout < 0 || p.RespTimeout < 0 {
		ve.Add("provider timeouts must not be negative")
	}
}

func validateMedia(cfg *Config, ve *ValidationError) {
	m := cfg.Media
	switch m.Mode {
	case "inline":
	case "stored":
		if m.StorePath == "" {
			ve.Add("media.store_path is required when media.mode is \"stored\"")
		}
		if m.SweepSchedule != "" {
			if _, err := cron.ParseStandard(m.SweepSchedule); err != nil {
				ve.Add("media.sweep_schedule %q: %v", m.SweepSchedule, err)
			}
		}
	default:
		ve.Add("media.mode %q must be \"inline\" or \"stored\"", m.Mode)
	}
	if m.MaxBytes <= 0 {
		ve.Add("media.max_bytes must be positive")
	}
	if m.MaxFiles <= 0 {
		ve.Add("media.max_files must be positive")
	}
}

func validateClient(cfg *Config, ve *ValidationError) {
	if cfg.Client.ServerURL == "" {
		return
	}
	if u, err := url.Parse(cfg.Client.ServerURL); err != nil || u.Host == "" {
		ve.Add("client.server_url %q is not an absolute URL", cfg.Client.ServerURL)
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is invalid", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}
