package policy

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/victoralfred/gowritter/safepath"
	"gopkg.in/yaml.v3"
)

// Loader loads and manages policies from YAML files.
type Loader struct {
	path       string
	safePath   *safepath.SafePath
	policy     *Policy
	mu         sync.RWMutex
	lastHash   []byte
	lastLoad   time.Time
	validators []FileValidator
	onChange   []func(*Policy)
	watchStop  chan struct{}
}

// FileValidator validates a policy file before compilation.
type FileValidator interface {
	Validate(config *FileConfig) error
}

// LoaderOption configures the loader.
type LoaderOption func(*Loader)

// WithValidator adds a policy file validator.
func WithValidator(v FileValidator) LoaderOption {
	return func(l *Loader) {
		l.validators = append(l.validators, v)
	}
}

// WithOnChange adds a callback for policy changes.
func WithOnChange(fn func(*Policy)) LoaderOption {
	return func(l *Loader) {
		l.onChange = append(l.onChange, fn)
	}
}

// NewLoader creates a new policy loader. The policy file path is
// resolved inside basePath and may not escape it.
func NewLoader(basePath, policyFile string, opts ...LoaderOption) (*Loader, error) {
	sp, err := safepath.New(basePath)
	if err != nil {
		return nil, fmt.Errorf("creating safe path: %w", err)
	}

	l := &Loader{
		path:       policyFile,
		safePath:   sp,
		validators: make([]FileValidator, 0),
		onChange:   make([]func(*Policy), 0),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// Load loads the policy from the file. Unchanged file content returns
// the already compiled policy.
func (l *Loader) Load(ctx context.Context) (*Policy, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Read file using gowritter
	data, err := l.safePath.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	// Check if file changed
	hash := sha256.Sum256(data)
	if l.policy != nil && string(hash[:]) == string(l.lastHash) {
		return l.policy, nil
	}

	config, err := ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("parsing policy YAML: %w", err)
	}

	// Validate policy
	for _, v := range l.validators {
		if err := v.Validate(config); err != nil {
			return nil, fmt.Errorf("policy validation failed: %w", err)
		}
	}

	// Compile policy
	compiled, err := New(config.ToConfig())
	if err != nil {
		return nil, fmt.Errorf("compiling policy: %w", err)
	}

	l.policy = compiled
	l.lastHash = hash[:]
	l.lastLoad = time.Now()

	// Notify listeners
	for _, fn := range l.onChange {
		fn(compiled)
	}

	return compiled, nil
}

// Get returns the current policy without reloading.
func (l *Loader) Get() *Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.policy
}

// Reload reloads the policy from the file.
func (l *Loader) Reload(ctx context.Context) error {
	_, err := l.Load(ctx)
	return err
}

// Watch starts watching for policy file changes.
func (l *Loader) Watch(ctx context.Context, interval time.Duration) {
	l.watchStop = make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.watchStop:
				return
			case <-ticker.C:
				if _, err := l.Load(ctx); err != nil {
					// Log error but continue watching
					_ = err
				}
			}
		}
	}()
}

// StopWatch stops watching for policy changes.
func (l *Loader) StopWatch() {
	if l.watchStop != nil {
		close(l.watchStop)
	}
}

// ParseYAML parses a YAML policy configuration.
func ParseYAML(data []byte) (*FileConfig, error) {
	var config FileConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// DefaultFileValidator validates policy file configuration.
type DefaultFileValidator struct{}

// Validate validates the policy file configuration.
func (v *DefaultFileValidator) Validate(config *FileConfig) error {
	if config.Version == "" {
		return fmt.Errorf("policy version is required")
	}

	if config.DefaultTimeout.Duration <= 0 {
		return fmt.Errorf("default_timeout must be positive")
	}

	dimensions := []struct {
		name string
		list ListConfig
	}{
		{"commands", config.Commands},
		{"env", config.Env},
		{"workdirs", config.Workdirs},
	}
	for _, d := range dimensions {
		if len(d.list.Allowed) > 0 && len(d.list.Denied) > 0 {
			return fmt.Errorf("%s: cannot set both allowed and denied lists", d.name)
		}
	}

	return nil
}

// ExamplePolicy returns an example policy configuration.
func ExamplePolicy() *FileConfig {
	return &FileConfig{
		Version: "1.0",
		Metadata: Metadata{
			Name:        "example-policy",
			Description: "Example execution policy",
		},
		DefaultTimeout: Duration{30 * time.Second},
		Commands: ListConfig{
			Allowed: []string{"/usr/bin/git", "/usr/bin/ls", "/bin/echo", "/usr/bin/grep"},
		},
		Env: ListConfig{
			Denied: []string{"LD_PRELOAD", "LD_LIBRARY_PATH"},
		},
		Workdirs: ListConfig{
			Allowed: []string{"/tmp", "/var/tmp"},
		},
	}
}
