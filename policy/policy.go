// Package policy provides YAML-based policy-as-code for pipeline execution.
package policy

import (
	"time"

	"github.com/victoralfred/gopipe/pipeline"
)

// FilterMode selects how a Filter judges membership.
type FilterMode int

const (
	// Unrestricted permits every value.
	Unrestricted FilterMode = iota

	// AllowList permits only listed values.
	AllowList

	// DenyList permits everything except listed values.
	DenyList
)

// String returns the mode name.
func (m FilterMode) String() string {
	switch m {
	case Unrestricted:
		return "unrestricted"
	case AllowList:
		return "allow"
	case DenyList:
		return "deny"
	default:
		return "unknown"
	}
}

// Filter is one policy dimension. The zero value is unrestricted.
type Filter struct {
	members map[string]struct{}
	mode    FilterMode
}

// NewAllowFilter creates a filter permitting only the given values.
func NewAllowFilter(values ...string) Filter {
	return Filter{mode: AllowList, members: toSet(values)}
}

// NewDenyFilter creates a filter permitting everything except the given values.
func NewDenyFilter(values ...string) Filter {
	return Filter{mode: DenyList, members: toSet(values)}
}

// Permits reports whether the value passes the filter.
func (f Filter) Permits(value string) bool {
	switch f.mode {
	case AllowList:
		_, ok := f.members[value]
		return ok
	case DenyList:
		_, ok := f.members[value]
		return !ok
	default:
		return true
	}
}

// Mode returns the filter mode.
func (f Filter) Mode() FilterMode {
	return f.mode
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// Config declares a policy programmatically. A dimension may set an
// allow list or a deny list, never both; leaving both empty makes the
// dimension unrestricted.
type Config struct {
	// AllowedCommands are the only programs that may run.
	AllowedCommands []string

	// DeniedCommands are programs that may never run.
	DeniedCommands []string

	// AllowedEnv are the only environment keys stages may override.
	AllowedEnv []string

	// DeniedEnv are environment keys stages may never override.
	DeniedEnv []string

	// AllowedWorkdirs are the only working directories stages may use.
	AllowedWorkdirs []string

	// DeniedWorkdirs are working directories stages may never use.
	DeniedWorkdirs []string

	// DefaultTimeout bounds pipelines that carry no timeout of their
	// own. Required, must be positive.
	DefaultTimeout time.Duration

	// Version identifies the policy for audit purposes.
	Version string
}

// Policy is a compiled, immutable execution policy. It is safe for
// concurrent use without locking.
type Policy struct {
	commands       Filter
	envKeys        Filter
	workdirs       Filter
	defaultTimeout time.Duration
	version        string
}

// New compiles a Config into a Policy.
func New(config Config) (*Policy, error) {
	if config.DefaultTimeout <= 0 {
		return nil, pipeline.NewConfigError("default_timeout", "default timeout must be positive")
	}

	commands, err := buildFilter("commands", config.AllowedCommands, config.DeniedCommands)
	if err != nil {
		return nil, err
	}
	envKeys, err := buildFilter("env", config.AllowedEnv, config.DeniedEnv)
	if err != nil {
		return nil, err
	}
	workdirs, err := buildFilter("workdirs", config.AllowedWorkdirs, config.DeniedWorkdirs)
	if err != nil {
		return nil, err
	}

	return &Policy{
		commands:       commands,
		envKeys:        envKeys,
		workdirs:       workdirs,
		defaultTimeout: config.DefaultTimeout,
		version:        config.Version,
	}, nil
}

// buildFilter resolves one dimension's allow/deny lists into a Filter.
func buildFilter(dimension string, allowed, denied []string) (Filter, error) {
	switch {
	case len(allowed) > 0 && len(denied) > 0:
		return Filter{}, pipeline.NewConfigError(dimension, "cannot set both allow and deny lists")
	case len(allowed) > 0:
		return NewAllowFilter(allowed...), nil
	case len(denied) > 0:
		return NewDenyFilter(denied...), nil
	default:
		return Filter{}, nil
	}
}

// MustNew compiles a Config and panics on error.
func MustNew(config Config) *Policy {
	p, err := New(config)
	if err != nil {
		panic(err)
	}
	return p
}

// CheckCommand returns nil if the program may be executed.
func (p *Policy) CheckCommand(name string) error {
	if p.commands.Permits(name) {
		return nil
	}
	return pipeline.NewPolicyError(pipeline.DimensionCommand, name, p.version)
}

// CheckEnvKey returns nil if the environment key may be overridden.
func (p *Policy) CheckEnvKey(key string) error {
	if p.envKeys.Permits(key) {
		return nil
	}
	return pipeline.NewPolicyError(pipeline.DimensionEnvKey, key, p.version)
}

// CheckWorkdir returns nil if the working directory may be used.
func (p *Policy) CheckWorkdir(dir string) error {
	if p.workdirs.Permits(dir) {
		return nil
	}
	return pipeline.NewPolicyError(pipeline.DimensionWorkdir, dir, p.version)
}

// DefaultTimeout returns the wall-clock limit applied to pipelines
// without a timeout of their own.
func (p *Policy) DefaultTimeout() time.Duration {
	return p.defaultTimeout
}

// Version returns the policy version.
func (p *Policy) Version() string {
	return p.version
}

// Permissive returns a policy that allows everything, with the given
// default timeout. Intended for development and for tooling that
// trusts its own inputs; hosts enforcing rules should compile a real
// policy with New.
func Permissive(defaultTimeout time.Duration) *Policy {
	return &Policy{
		defaultTimeout: defaultTimeout,
		version:        "permissive",
	}
}
