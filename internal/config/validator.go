package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// minSecretLength is the shortest accepted HMAC secret.
const minSecretLength = 32

// RegisterCustomValidators registers relaygate-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	return nil
}

// validateDuration accepts strings parseable by time.ParseDuration that are
// not negative.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

// Validate validates the Config using struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateTokenSecret(); err != nil {
		return err
	}

	if err := c.validateStoreBackend(); err != nil {
		return err
	}

	return nil
}

// validateTokenSecret requires an explicit signing secret outside dev mode.
// Without one, tokens issued by one process cannot be verified by another.
func (c *Config) validateTokenSecret() error {
	if c.Token.Secret == "" {
		if c.DevMode {
			return nil
		}
		return errors.New("token.secret is required (set RELAYGATE_TOKEN_SECRET or enable dev_mode)")
	}
	if len(c.Token.Secret) < minSecretLength {
		return fmt.Errorf("token.secret must be at least %d characters", minSecretLength)
	}
	return nil
}

// validateStoreBackend checks the settings the selected backend needs.
func (c *Config) validateStoreBackend() error {
	switch c.Store.Backend {
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr is required when store.backend is redis")
		}
	case StoreSQLite:
		if c.Store.SQLite.Path == "" {
			return errors.New("store.sqlite.path is required when store.backend is sqlite")
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a duration such as \"30s\" or \"5m\"", field)
	case "gte", "lte":
		return fmt.Sprintf("%s is out of range (%s %s)", field, e.Tag(), e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
