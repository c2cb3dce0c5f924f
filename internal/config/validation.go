package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
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
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// ValidateConfig checks every section and returns all problems at once.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateLog(&c.Log)...)
	errs = append(errs, validateCrypto(&c.Crypto)...)
	errs = append(errs, validateQueue(&c.Queue)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateLedger(&c.Ledger)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateLog(l *LogConfig) ValidationErrors {
	var errs ValidationErrors

	if l.Dir == "" {
		errs = append(errs, *RequiredFieldError("log.dir"))
	}
	if l.Ext == "" || !strings.HasPrefix(l.Ext, ".") || strings.ContainsAny(l.Ext, `/\`) {
		errs = append(errs, ValidationError{
			Field:   "log.ext",
			Message: fmt.Sprintf("extension must start with '.' and contain no separators: %q", l.Ext),
		})
	}
	switch l.Sink {
	case "queue", "buffered":
	default:
		errs = append(errs, ValidationError{
			Field:   "log.sink",
			Message: fmt.Sprintf("invalid sink: %s (valid: queue, buffered)", l.Sink),
		})
	}

	return errs
}

func validateCrypto(c *CryptoConfig) ValidationErrors {
	var errs ValidationErrors

	switch c.Fallback {
	case "export-plain", "refuse":
	default:
		errs = append(errs, ValidationError{
			Field:   "crypto.fallback",
			Message: fmt.Sprintf("invalid fallback policy: %s (valid: export-plain, refuse)", c.Fallback),
		})
	}

	if c.Fallback == "refuse" && c.PublicKey == "" && c.PublicKeyPath == "" {
		errs = append(errs, ValidationError{
			Field:   "crypto.public_key_path",
			Message: "a public key is required when fallback is 'refuse'",
		})
	}

	return errs
}

func validateQueue(q *QueueConfig) ValidationErrors {
	var errs ValidationErrors

	if q.Capacity < 1 || q.Capacity > 1<<20 {
		errs = append(errs, *RangeError("queue.capacity", 1, 1<<20))
	}
	if q.BufferSize < 512 {
		errs = append(errs, ValidationError{
			Field:   "queue.buffer_size",
			Message: "buffer size must be at least 512 bytes",
		})
	}
	if q.ErrorBuffer < 0 {
		errs = append(errs, ValidationError{
			Field:   "queue.error_buffer",
			Message: "error buffer cannot be negative",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr", "discard":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file' or 'both'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both, discard)", l.Output),
		})
	}

	return errs
}

func validateLedger(l *LedgerConfig) ValidationErrors {
	var errs ValidationErrors

	if !l.Enabled {
		return errs
	}
	if l.Path == "" {
		errs = append(errs, *RequiredFieldError("ledger.path"))
	}
	if l.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "ledger.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	return errs
}

// Helper functions

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
