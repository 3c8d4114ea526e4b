// Package pipeline provides the core process-pipeline execution abstraction.
package pipeline

import (
	"fmt"
	"strings"
)

// Stage represents one command specification within a pipeline.
// Stages are immutable once built.
type Stage struct {
	// Program is the executable name or path. Relative names are
	// resolved through PATH at launch time.
	Program string

	// Args are the command arguments (excluding the program name).
	Args []string

	// Env holds environment overrides for this stage. They are applied
	// on top of the ambient environment and never leak to other stages.
	Env map[string]string

	// Dir is the working directory for this stage's process.
	// Empty means the host process's working directory is inherited.
	Dir string
}

// StageBuilder provides a fluent API for constructing stages.
type StageBuilder struct {
	stage *Stage
	err   error
}

// NewStage creates a new StageBuilder with the specified program and arguments.
func NewStage(program string, args ...string) *StageBuilder {
	return &StageBuilder{
		stage: &Stage{
			Program: program,
			Args:    args,
			Env:     make(map[string]string),
		},
	}
}

// WithDir sets the working directory for this stage.
// Setting an empty string clears any previously set directory.
func (b *StageBuilder) WithDir(dir string) *StageBuilder {
	if b.err != nil {
		return b
	}
	b.stage.Dir = dir
	return b
}

// WithEnv adds a single environment override.
// Later calls override earlier ones for the same key.
func (b *StageBuilder) WithEnv(key, value string) *StageBuilder {
	if b.err != nil {
		return b
	}
	if err := checkEnvKey(key); err != nil {
		b.err = err
		return b
	}
	b.stage.Env[key] = value
	return b
}

// WithEnvMap merges multiple environment overrides.
// Keys override any previously set value for the same key.
func (b *StageBuilder) WithEnvMap(env map[string]string) *StageBuilder {
	if b.err != nil {
		return b
	}
	for k, v := range env {
		if err := checkEnvKey(k); err != nil {
			b.err = err
			return b
		}
		b.stage.Env[k] = v
	}
	return b
}

// Build validates and returns the stage.
func (b *StageBuilder) Build() (*Stage, error) {
	if b.err != nil {
		return nil, b.err
	}

	if err := b.stage.validate(); err != nil {
		return nil, err
	}

	return b.stage, nil
}

// validate checks the structural invariants of a stage. It runs at
// build time and again before launch, covering stages assembled
// without the builder.
func (s *Stage) validate() error {
	if s.Program == "" {
		return fmt.Errorf("%w: program is required", ErrInvalidConfig)
	}

	if strings.ContainsRune(s.Program, 0) {
		return fmt.Errorf("%w: program contains a NUL byte", ErrInvalidConfig)
	}

	for i, arg := range s.Args {
		if strings.ContainsRune(arg, 0) {
			return fmt.Errorf("%w: argument %d contains a NUL byte", ErrInvalidConfig, i)
		}
	}

	for key := range s.Env {
		if err := checkEnvKey(key); err != nil {
			return err
		}
	}

	if strings.ContainsRune(s.Dir, 0) {
		return fmt.Errorf("%w: working directory contains a NUL byte", ErrInvalidConfig)
	}

	return nil
}

// MustBuild validates and returns the stage, panicking on error.
func (b *StageBuilder) MustBuild() *Stage {
	stage, err := b.Build()
	if err != nil {
		panic(err)
	}
	return stage
}

// checkEnvKey rejects environment keys the OS cannot represent.
func checkEnvKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: environment key is empty", ErrInvalidConfig)
	}
	if strings.ContainsAny(key, "=\x00") {
		return fmt.Errorf("%w: environment key %q contains a reserved character", ErrInvalidConfig, key)
	}
	return nil
}

// Clone creates a deep copy of the stage.
func (s *Stage) Clone() *Stage {
	clone := &Stage{
		Program: s.Program,
		Args:    make([]string, len(s.Args)),
		Env:     make(map[string]string, len(s.Env)),
		Dir:     s.Dir,
	}

	copy(clone.Args, s.Args)

	for k, v := range s.Env {
		clone.Env[k] = v
	}

	return clone
}

// String returns a string representation of the stage.
func (s *Stage) String() string {
	if len(s.Args) == 0 {
		return s.Program
	}
	return fmt.Sprintf("%s %v", s.Program, s.Args)
}
