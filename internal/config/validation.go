package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration values.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates the entire configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	v.validateStream(&cfg.Stream)
	v.validateAPI(&cfg.API)
	v.validateReconnect(&cfg.Reconnect)
	v.validateSimulator(&cfg.Simulator)
	v.validateLogging(&cfg.Logging)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

// Validate is a shortcut for NewValidator().Validate(c).
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}

func (v *Validator) validateStream(cfg *StreamConfig) {
	if cfg.BaseURL == "" {
		v.addError("stream.base_url", "base url is required")
	} else if u, err := url.Parse(cfg.BaseURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		v.addError("stream.base_url", "expected a ws:// or wss:// url")
	}
	if cfg.HandshakeTimeout <= 0 {
		v.addError("stream.handshake_timeout", "must be positive")
	}
	if cfg.SendBufferSize <= 0 {
		v.addError("stream.send_buffer_size", "must be positive")
	}
	if cfg.PingInterval < 0 {
		v.addError("stream.ping_interval", "must not be negative")
	}
}

func (v *Validator) validateAPI(cfg *APIConfig) {
	if cfg.BaseURL == "" {
		v.addError("api.base_url", "base url is required")
	} else if u, err := url.Parse(cfg.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		v.addError("api.base_url", "expected an http:// or https:// url")
	}
	if !strings.HasPrefix(cfg.CommandPath, "/") {
		v.addError("api.command_path", "must start with /")
	}
	if cfg.Timeout <= 0 {
		v.addError("api.timeout", "must be positive")
	}
}

func (v *Validator) validateReconnect(cfg *ReconnectConfig) {
	if cfg.Interval <= 0 {
		v.addError("reconnect.interval", "must be positive")
	}
	if cfg.MaxAttempts < 1 {
		v.addError("reconnect.max_attempts", "must be at least 1")
	}
}

func (v *Validator) validateSimulator(cfg *SimulatorConfig) {
	if cfg.Address != "" && !isValidAddress(cfg.Address) {
		v.addError("simulator.address", "invalid address format, expected host:port or :port")
	}
	if cfg.Tick <= 0 {
		v.addError("simulator.tick", "must be positive")
	}
	switch cfg.Store {
	case "memory":
	case "redis":
		if cfg.RedisAddr == "" {
			v.addError("simulator.redis_addr", "required when store is redis")
		}
	default:
		v.addError("simulator.store", "must be memory or redis")
	}
}

func (v *Validator) validateLogging(cfg *LoggingConfig) {
	switch strings.ToLower(cfg.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		v.addError("logging.level", "must be one of debug, info, warn, error")
	}
	switch cfg.Format {
	case "json", "console":
	default:
		v.addError("logging.format", "must be json or console")
	}
	if (cfg.Output == "file" || cfg.Output == "both") && cfg.FilePath == "" {
		v.addError("logging.file_path", "required when output includes file")
	}
}

func isValidAddress(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port != ""
}
