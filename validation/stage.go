package validation

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/victoralfred/gopipe/pipeline"
)

// StageValidatorConfig configures the stage validator.
type StageValidatorConfig struct {
	// DeniedProgramPrefixes are path prefixes programs may not live under.
	// Only applied to absolute program paths.
	DeniedProgramPrefixes []string

	// MaxArgs is the maximum number of arguments per stage.
	MaxArgs int

	// MaxArgLength is the maximum length of a single argument.
	MaxArgLength int

	// MaxProgramLength is the maximum length of the program path.
	MaxProgramLength int

	// RequireAbsoluteProgram rejects bare program names resolved
	// through PATH.
	RequireAbsoluteProgram bool

	// RequireAbsoluteDir rejects relative working directories.
	RequireAbsoluteDir bool
}

// StageValidator validates the structure of a single stage: its
// program path, arguments, and working directory.
type StageValidator struct {
	config *StageValidatorConfig
}

// NewStageValidator creates a new stage validator.
func NewStageValidator(config *StageValidatorConfig) *StageValidator {
	if config == nil {
		config = &StageValidatorConfig{
			MaxArgs:          100,
			MaxArgLength:     4096,
			MaxProgramLength: 4096,
			DeniedProgramPrefixes: []string{
				"/proc",
				"/sys",
			},
		}
	}

	return &StageValidator{config: config}
}

// Name returns the validator name.
func (v *StageValidator) Name() string {
	return "stage_validator"
}

// Priority returns the execution priority.
func (v *StageValidator) Priority() int {
	return 10
}

// Validate validates a stage's program, arguments, and directory.
func (v *StageValidator) Validate(ctx context.Context, index int, stage *pipeline.Stage) error {
	if err := v.validateProgram(index, stage); err != nil {
		return err
	}

	if len(stage.Args) > v.config.MaxArgs {
		return pipeline.NewValidationError(index, stage.Program, "args",
			fmt.Sprintf("too many arguments (%d > %d)", len(stage.Args), v.config.MaxArgs))
	}

	for i, arg := range stage.Args {
		if len(arg) > v.config.MaxArgLength {
			return pipeline.NewValidationError(index, stage.Program, fmt.Sprintf("args[%d]", i),
				fmt.Sprintf("argument too long (%d > %d)", len(arg), v.config.MaxArgLength))
		}
		if strings.ContainsRune(arg, 0) {
			return pipeline.NewValidationError(index, stage.Program, fmt.Sprintf("args[%d]", i),
				"argument contains null byte")
		}
	}

	if stage.Dir != "" {
		if err := v.validateDir(index, stage); err != nil {
			return err
		}
	}

	return nil
}

// validateProgram validates the program path.
func (v *StageValidator) validateProgram(index int, stage *pipeline.Stage) error {
	program := stage.Program

	if program == "" {
		return pipeline.NewValidationError(index, program, "program", "program is required")
	}

	if len(program) > v.config.MaxProgramLength {
		return pipeline.NewValidationError(index, program, "program",
			fmt.Sprintf("program path too long (%d > %d)", len(program), v.config.MaxProgramLength))
	}

	if strings.ContainsRune(program, 0) {
		return pipeline.NewValidationError(index, program, "program", "program contains null byte")
	}

	if v.config.RequireAbsoluteProgram && !filepath.IsAbs(program) {
		return pipeline.NewValidationError(index, program, "program", "must be an absolute path")
	}

	if filepath.IsAbs(program) {
		cleaned := filepath.Clean(program)
		if strings.Contains(cleaned, "..") {
			return pipeline.NewValidationError(index, program, "program", "path traversal detected")
		}
		for _, prefix := range v.config.DeniedProgramPrefixes {
			if strings.HasPrefix(cleaned, prefix) {
				return pipeline.NewValidationError(index, program, "program",
					fmt.Sprintf("path in denied prefix %s", prefix))
			}
		}
	}

	return nil
}

// validateDir validates the working directory.
func (v *StageValidator) validateDir(index int, stage *pipeline.Stage) error {
	dir := stage.Dir

	if v.config.RequireAbsoluteDir && !filepath.IsAbs(dir) {
		return pipeline.NewValidationError(index, stage.Program, "dir", "must be an absolute path")
	}

	if _, err := SanitizePath(dir); err != nil {
		return pipeline.NewValidationError(index, stage.Program, "dir", err.Error())
	}

	return nil
}

// SanitizePath cleans and validates a path.
func SanitizePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}

	cleaned := filepath.Clean(path)

	if strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("path traversal detected")
	}

	if strings.ContainsRune(cleaned, 0) {
		return "", fmt.Errorf("path contains null byte")
	}

	return cleaned, nil
}

// IsPathSafe checks if a path is safe (no traversal, no null bytes).
func IsPathSafe(path string) bool {
	_, err := SanitizePath(path)
	return err == nil
}
