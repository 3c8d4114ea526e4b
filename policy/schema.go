package policy

import (
	"time"
)

// FileConfig represents the YAML policy structure.
type FileConfig struct {
	Metadata       Metadata   `yaml:"metadata"`
	Version        string     `yaml:"version"`
	DefaultTimeout Duration   `yaml:"default_timeout"`
	Commands       ListConfig `yaml:"commands"`
	Env            ListConfig `yaml:"env"`
	Workdirs       ListConfig `yaml:"workdirs"`
}

// Metadata contains policy metadata.
type Metadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Created     string `yaml:"created"`
	Updated     string `yaml:"updated"`
}

// ListConfig holds one dimension's allow/deny lists.
type ListConfig struct {
	Allowed []string `yaml:"allowed"`
	Denied  []string `yaml:"denied"`
}

// ToConfig converts the file schema to a programmatic Config.
func (fc *FileConfig) ToConfig() Config {
	return Config{
		AllowedCommands: fc.Commands.Allowed,
		DeniedCommands:  fc.Commands.Denied,
		AllowedEnv:      fc.Env.Allowed,
		DeniedEnv:       fc.Env.Denied,
		AllowedWorkdirs: fc.Workdirs.Allowed,
		DeniedWorkdirs:  fc.Workdirs.Denied,
		DefaultTimeout:  fc.DefaultTimeout.Duration,
		Version:         fc.Version,
	}
}

// Duration is a time.Duration that can be unmarshaled from YAML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML unmarshals a duration from YAML.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	d.Duration = duration
	return nil
}

// MarshalYAML marshals a duration to YAML.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
