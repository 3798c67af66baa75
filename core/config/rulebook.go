// Package config loads the rulebook (enabled builtins, signal/action
// definitions, limits) that configures one engine instance, per the
// Config Loader component design.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cupcake-engine/cupcake/core/sandbox"
)

// DefaultSignalTimeoutMS and DefaultActionTimeoutMS are used when a
// rulebook omits the corresponding field.
const (
	DefaultSignalTimeoutMS = 5000
	DefaultActionTimeoutMS = 5000
)

// SignalDef is one entry of the rulebook's "signals" map.
type SignalDef struct {
	Command   string `yaml:"command,omitempty"`
	File      string `yaml:"file,omitempty"`
	TimeoutMS int    `yaml:"timeout,omitempty"`
}

// ActionDef is one entry of the rulebook's "actions" map.
type ActionDef struct {
	Command   string `yaml:"command"`
	TimeoutMS int    `yaml:"timeout,omitempty"`
}

// Rulebook is the parsed, validated content of rulebook.yml: the
// enumerated configuration options of §6.
type Rulebook struct {
	WasmMaxMemory   int64                      `yaml:"wasm_max_memory"`
	SignalTimeoutMS int                        `yaml:"signal_timeout_ms"`
	ActionTimeoutMS int                        `yaml:"action_timeout_ms"`
	Builtins        map[string]map[string]any `yaml:"builtins,omitempty"`
	Signals         map[string]SignalDef      `yaml:"signals,omitempty"`
	Actions         map[string]ActionDef      `yaml:"actions,omitempty"`
}

// LoadFile reads and parses path as a rulebook, following the same
// Load/LoadFile/validate split used throughout the pack's config
// loaders.
func LoadFile(path string) (*Rulebook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rulebook: %w", err)
	}
	return Load(data)
}

// Load parses rulebook YAML data, expanding non-sensitive environment
// variable references (e.g. "${HOME}/bin/check.sh") before decoding,
// then validates the result.
func Load(data []byte) (*Rulebook, error) {
	expanded := os.ExpandEnv(string(data))

	var rb Rulebook
	if err := yaml.Unmarshal([]byte(expanded), &rb); err != nil {
		return nil, fmt.Errorf("parse rulebook: %w", err)
	}

	if rb.SignalTimeoutMS == 0 {
		rb.SignalTimeoutMS = DefaultSignalTimeoutMS
	}
	if rb.ActionTimeoutMS == 0 {
		rb.ActionTimeoutMS = DefaultActionTimeoutMS
	}

	if err := rb.validate(); err != nil {
		return nil, fmt.Errorf("validate rulebook: %w", err)
	}

	return &rb, nil
}

// validate enforces the memory floor, non-negative timeouts, and that
// every signal/action entry declares a source. Missing builtin-policy
// bindings are not checked here — builtins are resolved at routing
// time, once the compiled policy tree is known, so an unmatched
// `builtins` entry is a soft no-op rather than a load-time failure.
func (rb *Rulebook) validate() error {
	if rb.WasmMaxMemory != 0 && rb.WasmMaxMemory < sandbox.MinWasmMemoryBytes {
		return fmt.Errorf("wasm_max_memory %d is below the safety floor of %d bytes", rb.WasmMaxMemory, sandbox.MinWasmMemoryBytes)
	}
	if rb.SignalTimeoutMS < 0 {
		return fmt.Errorf("signal_timeout_ms must not be negative")
	}
	if rb.ActionTimeoutMS < 0 {
		return fmt.Errorf("action_timeout_ms must not be negative")
	}

	for name, s := range rb.Signals {
		if s.Command == "" && s.File == "" {
			return fmt.Errorf("signal %q: must declare command or file", name)
		}
		if s.Command != "" && s.File != "" {
			return fmt.Errorf("signal %q: must declare exactly one of command or file", name)
		}
	}
	for name, a := range rb.Actions {
		if a.Command == "" {
			return fmt.Errorf("action %q: command is required", name)
		}
	}

	return nil
}

// SignalTimeout returns the effective timeout in milliseconds for the
// named signal: its own override if set, else the rulebook default.
func (rb *Rulebook) SignalTimeout(name string) int {
	if s, ok := rb.Signals[name]; ok && s.TimeoutMS > 0 {
		return s.TimeoutMS
	}
	return rb.SignalTimeoutMS
}

// ActionTimeout returns the effective timeout in milliseconds for the
// named action: its own override if set, else the rulebook default.
func (rb *Rulebook) ActionTimeout(name string) int {
	if a, ok := rb.Actions[name]; ok && a.TimeoutMS > 0 {
		return a.TimeoutMS
	}
	return rb.ActionTimeoutMS
}

// BuiltinConfig returns the rulebook's builtin_config subsection, echoed
// into the evaluation input for builtin policies to consume. Each
// entry is already a generic map from YAML decoding, so a builtin's
// own schema stays outside this package.
func (rb *Rulebook) BuiltinConfig() (map[string]any, error) {
	out := make(map[string]any, len(rb.Builtins))
	for name, sub := range rb.Builtins {
		out[name] = sub
	}
	return out, nil
}
