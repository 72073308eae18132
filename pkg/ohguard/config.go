// Package ohguard orchestrates oblivious hash insertion over one program
// module: reachability scoping, per-function eligibility analysis, path
// planning, and instrumentation.
package ohguard

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mode override values accepted in configuration.
const (
	OverrideNone       = "none"
	OverrideGlobal     = "global"
	OverrideShortRange = "short-range"
)

// Config is the external configuration surface of the engine. It is
// consumed, not defined, here: upstream tooling decides which functions to
// leave alone, which tags exclude an instruction, and when the automatic
// short-range decision is overridden.
type Config struct {
	// Entry names the designated entry point for reachability scoping.
	// Empty means every defined function is in scope.
	Entry string `yaml:"entry,omitempty"`

	// ShortRange enables the automatic short-range decision. When false,
	// every protected function uses global mode.
	ShortRange bool `yaml:"short_range"`

	// HashBranches folds branch outcomes into short-range hashes.
	HashBranches bool `yaml:"hash_branches"`

	// ExtractPaths moves instrumented path blocks into standalone functions.
	ExtractPaths bool `yaml:"extract_paths"`

	// HashSlots sizes the accumulator pool. Zero picks the default.
	HashSlots int `yaml:"hash_slots,omitempty"`

	// MaxPaths caps path enumeration per function. Zero picks the default.
	MaxPaths int `yaml:"max_paths,omitempty"`

	// MaxAsserts caps the total number of assertion calls inserted across
	// the module. Functions whose protection would exceed the budget are
	// left unprotected. Zero means unlimited.
	MaxAsserts int `yaml:"max_asserts,omitempty"`

	// SkipFunctions lists function names never to instrument.
	SkipFunctions []string `yaml:"skip_functions,omitempty"`

	// ForceInclude lists functions to instrument even when unreachable
	// from the entry point.
	ForceInclude []string `yaml:"force_include,omitempty"`

	// SkipTags lists instruction skip tags; a tagged instruction is
	// excluded from hashing and from hash-count statistics.
	SkipTags []string `yaml:"skip_tags,omitempty"`

	// ModeOverrides forces a protection mode per function name:
	// "none", "global", or "short-range".
	ModeOverrides map[string]string `yaml:"mode_overrides,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		ShortRange:   true,
		ExtractPaths: true,
	}
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects override values the engine does not understand.
func (c Config) Validate() error {
	for name, mode := range c.ModeOverrides {
		switch mode {
		case OverrideNone, OverrideGlobal, OverrideShortRange:
		default:
			return fmt.Errorf("config: function %q: unknown mode override %q", name, mode)
		}
	}
	if c.HashSlots < 0 {
		return fmt.Errorf("config: hash_slots must not be negative")
	}
	if c.MaxPaths < 0 {
		return fmt.Errorf("config: max_paths must not be negative")
	}
	if c.MaxAsserts < 0 {
		return fmt.Errorf("config: max_asserts must not be negative")
	}
	return nil
}

func (c Config) skipFunction(name string) bool {
	for _, skip := range c.SkipFunctions {
		if skip == name {
			return true
		}
	}
	return false
}

func (c Config) forceInclude(name string) bool {
	for _, inc := range c.ForceInclude {
		if inc == name {
			return true
		}
	}
	return false
}
