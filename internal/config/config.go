// Package config loads runtime configuration for the interpose CLI.
//
// Configuration comes from three places, later sources overriding earlier
// ones:
//  1. Built-in defaults (Default)
//  2. A TOML or YAML file, chosen by extension
//  3. INTERPOSE_* environment variables
//
// Load applies all three and validates the result.
package config

import (
	"regexp"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/dshills/interpose/internal/interpose"
	"github.com/dshills/interpose/internal/vm"
)

// Config is the complete runtime configuration.
type Config struct {
	Log     LogConfig     `toml:"log" yaml:"log"`
	Engine  EngineConfig  `toml:"engine" yaml:"engine"`
	Sandbox SandboxConfig `toml:"sandbox" yaml:"sandbox"`
	REPL    REPLConfig    `toml:"repl" yaml:"repl"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"` // console or json
	Output string `toml:"output" yaml:"output"` // stderr, stdout or a file path
}

// EngineConfig configures the interposition engine and the VM around it.
type EngineConfig struct {
	ChunkName           string   `toml:"chunk_name" yaml:"chunk_name"`
	BindingName         string   `toml:"binding_name" yaml:"binding_name"`
	MaxForwardDepth     int      `toml:"max_forward_depth" yaml:"max_forward_depth"`
	DisabledTransitions []string `toml:"disabled_transitions" yaml:"disabled_transitions"`
	InterceptYield      bool     `toml:"intercept_yield" yaml:"intercept_yield"`
	// Timeout bounds each script execution, e.g. "30s". "0" disables it.
	Timeout string `toml:"timeout" yaml:"timeout"`
}

// SandboxConfig lists granted capabilities.
type SandboxConfig struct {
	Capabilities []string `toml:"capabilities" yaml:"capabilities"`
	Aliases      bool     `toml:"aliases" yaml:"aliases"`
}

// REPLConfig configures the interactive prompt.
type REPLConfig struct {
	Prompt       string `toml:"prompt" yaml:"prompt"`
	HistoryFile  string `toml:"history_file" yaml:"history_file"`
	HistoryLimit int    `toml:"history_limit" yaml:"history_limit"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Engine: EngineConfig{
			ChunkName:       interpose.DefaultChunkName,
			BindingName:     interpose.DefaultBindingName,
			MaxForwardDepth: interpose.DefaultMaxForwardDepth,
			InterceptYield:  true,
			Timeout:         "0",
		},
		Sandbox: SandboxConfig{
			Capabilities: []string{string(vm.CapabilityInterpose)},
		},
		REPL: REPLConfig{
			Prompt:       "> ",
			HistoryLimit: 1000,
		},
	}
}

var (
	luaIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	logLevels     = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
)

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var err error
	add := func(field, format string, args ...any) {
		err = multierr.Append(err, newValidationError(field, format, args...))
	}

	if !logLevels[strings.ToLower(c.Log.Level)] {
		add("log.level", "unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		add("log.format", "must be console or json, got %q", c.Log.Format)
	}
	if c.Log.Output == "" {
		add("log.output", "must not be empty")
	}

	if c.Engine.ChunkName == "" {
		add("engine.chunk_name", "must not be empty")
	}
	if !luaIdentifier.MatchString(c.Engine.BindingName) {
		add("engine.binding_name", "%q is not a Lua identifier", c.Engine.BindingName)
	}
	if c.Engine.MaxForwardDepth < 1 {
		add("engine.max_forward_depth", "must be at least 1, got %d", c.Engine.MaxForwardDepth)
	}
	for _, s := range c.Engine.DisabledTransitions {
		if _, perr := interpose.ParseTransition(s); perr != nil {
			add("engine.disabled_transitions", "%v", perr)
		}
	}
	if d, perr := time.ParseDuration(normalizeDuration(c.Engine.Timeout)); perr != nil {
		add("engine.timeout", "%v", perr)
	} else if d < 0 {
		add("engine.timeout", "must not be negative")
	}

	for _, s := range c.Sandbox.Capabilities {
		if _, perr := vm.ParseCapability(s); perr != nil {
			add("sandbox.capabilities", "%v", perr)
		}
	}

	if c.REPL.HistoryLimit < 0 {
		add("repl.history_limit", "must not be negative")
	}
	return err
}

// normalizeDuration lets a bare "0" through time.ParseDuration.
func normalizeDuration(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return "0s"
	}
	return s
}

// Timeout returns the parsed execution timeout. Call after Validate.
func (c *Config) Timeout() time.Duration {
	d, _ := time.ParseDuration(normalizeDuration(c.Engine.Timeout))
	return d
}

// Transitions returns the parsed disabled transitions. Call after Validate.
func (c *Config) Transitions() []interpose.Transition {
	out := make([]interpose.Transition, 0, len(c.Engine.DisabledTransitions))
	for _, s := range c.Engine.DisabledTransitions {
		if t, err := interpose.ParseTransition(s); err == nil {
			out = append(out, t)
		}
	}
	return out
}

// Capabilities returns the parsed capabilities, adding the aliases
// capability when Sandbox.Aliases is set. Call after Validate.
func (c *Config) Capabilities() []vm.Capability {
	out := make([]vm.Capability, 0, len(c.Sandbox.Capabilities)+1)
	for _, s := range c.Sandbox.Capabilities {
		if capability, err := vm.ParseCapability(s); err == nil {
			out = append(out, capability)
		}
	}
	if c.Sandbox.Aliases {
		out = append(out, vm.CapabilityAliases)
	}
	return out
}

// EngineOptions converts the engine section to interpose options.
func (c *Config) EngineOptions() []interpose.Option {
	opts := []interpose.Option{
		interpose.WithChunkName(c.Engine.ChunkName),
		interpose.WithBindingName(c.Engine.BindingName),
		interpose.WithMaxForwardDepth(c.Engine.MaxForwardDepth),
	}
	if ts := c.Transitions(); len(ts) > 0 {
		opts = append(opts, interpose.WithDisabledTransitions(ts...))
	}
	if !c.Engine.InterceptYield {
		opts = append(opts, interpose.WithoutYieldInterception())
	}
	return opts
}
