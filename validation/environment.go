package validation

import (
	"context"
	"fmt"
	"strings"

	"github.com/victoralfred/gopipe/pipeline"
)

// EnvironmentValidatorConfig configures the environment validator.
type EnvironmentValidatorConfig struct {
	// MaxVars is the maximum number of override variables per stage.
	MaxVars int

	// MaxKeyLength is the maximum length of a variable name.
	MaxKeyLength int

	// MaxValueLength is the maximum length of a variable value.
	MaxValueLength int

	// AllowEmpty allows empty values.
	AllowEmpty bool
}

// EnvironmentValidator validates stage environment overrides.
// Allow and deny decisions belong to the policy; this validator only
// checks structure.
type EnvironmentValidator struct {
	config *EnvironmentValidatorConfig
}

// NewEnvironmentValidator creates a new environment validator.
func NewEnvironmentValidator(config *EnvironmentValidatorConfig) *EnvironmentValidator {
	if config == nil {
		config = &EnvironmentValidatorConfig{
			MaxVars:        50,
			MaxKeyLength:   256,
			MaxValueLength: 8192,
			AllowEmpty:     true,
		}
	}

	return &EnvironmentValidator{config: config}
}

// Name returns the validator name.
func (v *EnvironmentValidator) Name() string {
	return "environment_validator"
}

// Priority returns the execution priority.
func (v *EnvironmentValidator) Priority() int {
	return 30
}

// Validate validates a stage's environment overrides.
func (v *EnvironmentValidator) Validate(ctx context.Context, index int, stage *pipeline.Stage) error {
	if len(stage.Env) > v.config.MaxVars {
		return pipeline.NewValidationError(index, stage.Program, "env",
			fmt.Sprintf("too many environment variables (%d > %d)", len(stage.Env), v.config.MaxVars))
	}

	for key, value := range stage.Env {
		if err := v.validateVar(index, stage.Program, key, value); err != nil {
			return err
		}
	}

	return nil
}

// validateVar validates a single environment variable.
func (v *EnvironmentValidator) validateVar(index int, program, key, value string) error {
	field := fmt.Sprintf("env[%s]", key)

	if len(key) > v.config.MaxKeyLength {
		return pipeline.NewValidationError(index, program, field,
			fmt.Sprintf("key too long (%d > %d)", len(key), v.config.MaxKeyLength))
	}

	if len(value) > v.config.MaxValueLength {
		return pipeline.NewValidationError(index, program, field,
			fmt.Sprintf("value too long (%d > %d)", len(value), v.config.MaxValueLength))
	}

	if !v.config.AllowEmpty && value == "" {
		return pipeline.NewValidationError(index, program, field, "empty value not allowed")
	}

	if !isValidEnvKey(key) {
		return pipeline.NewValidationError(index, program, field, "invalid key format")
	}

	if strings.ContainsRune(value, 0) {
		return pipeline.NewValidationError(index, program, field, "value contains null byte")
	}

	return nil
}

// isValidEnvKey checks if a key is a valid environment variable name.
func isValidEnvKey(key string) bool {
	if len(key) == 0 {
		return false
	}

	// Must start with letter or underscore
	first := key[0]
	if !((first >= 'a' && first <= 'z') ||
		(first >= 'A' && first <= 'Z') ||
		first == '_') {
		return false
	}

	// Rest must be alphanumeric or underscore
	for i := 1; i < len(key); i++ {
		c := key[i]
		if !((c >= 'a' && c <= 'z') ||
			(c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') ||
			c == '_') {
			return false
		}
	}

	return true
}
