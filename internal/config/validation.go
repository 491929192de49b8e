package config

import (
	"fmt"
	"net/url"
	"strings"
)

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

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateKeyStore(&c.KeyStore)...)
	errs = append(errs, validateService(&c.Service)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.RecordsPath == "" {
		errs = append(errs, RequiredFieldError("storage.records_path"))
	}
	if s.SettingsPath == "" {
		errs = append(errs, RequiredFieldError("storage.settings_path"))
	}
	if s.SettingsPath != "" && s.SettingsPath == s.RecordsPath {
		errs = append(errs, ValidationError{
			Field:   "storage.settings_path",
			Message: "settings must live in a separate database from records",
		})
	}
	if s.SecretPath == "" {
		errs = append(errs, RequiredFieldError("storage.secret_path"))
	}
	if s.Namespace == "" {
		errs = append(errs, RequiredFieldError("storage.namespace"))
	}
	if strings.Contains(s.Namespace, "#") {
		errs = append(errs, ValidationError{
			Field:   "storage.namespace",
			Message: "namespace cannot contain '#'",
		})
	}
	return errs
}

func validateKeyStore(k *KeyStoreConfig) ValidationErrors {
	var errs ValidationErrors

	if k.Path == "" {
		errs = append(errs, RequiredFieldError("keystore.path"))
	}
	if k.Attempts < 1 || k.Attempts > 10 {
		errs = append(errs, RangeError("keystore.attempts", 1, 10))
	}
	if k.RetryDelayMs < 0 || k.RetryDelayMs > 5000 {
		errs = append(errs, RangeError("keystore.retry_delay_ms", 0, 5000))
	}
	return errs
}

func validateService(s *ServiceConfig) ValidationErrors {
	var errs ValidationErrors

	if !isValidURL(s.BaseURL) {
		errs = append(errs, ValidationError{
			Field:   "service.base_url",
			Message: fmt.Sprintf("invalid URL: %q", s.BaseURL),
		})
	}
	if s.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "service.timeout_sec",
			Message: "timeout must be at least 1 second",
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
	case "stdout", "stderr":
	case "file":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
		if l.MaxSizeMB < 1 {
			errs = append(errs, ValidationError{
				Field:   "logging.max_size_mb",
				Message: "max size must be at least 1 MB",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %q (valid: stdout, stderr, file)", l.Output),
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}
	return errs
}

func isValidURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// RequiredFieldError returns a validation error for a missing field.
func RequiredFieldError(field string) ValidationError {
	return ValidationError{Field: field, Message: "field is required"}
}

// RangeError returns a validation error for an out-of-range value.
func RangeError(field string, min, max any) ValidationError {
	return ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
