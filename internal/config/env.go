package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// envSetter applies one environment value to a Config.
type envSetter func(c *Config, value string) error

// EnvLoader applies environment variable overrides.
type EnvLoader struct {
	prefix  string               // Environment variable prefix (e.g., "INTERPOSE_")
	mapping map[string]envSetter // Env var suffix -> setter
}

// NewEnvLoader creates a loader for the given prefix.
// The prefix should include the trailing underscore.
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix:  prefix,
		mapping: defaultEnvMapping(),
	}
}

func defaultEnvMapping() map[string]envSetter {
	return map[string]envSetter{
		"LOG_LEVEL":  setString(func(c *Config) *string { return &c.Log.Level }),
		"LOG_FORMAT": setString(func(c *Config) *string { return &c.Log.Format }),
		"LOG_OUTPUT": setString(func(c *Config) *string { return &c.Log.Output }),

		"ENGINE_CHUNK_NAME":           setString(func(c *Config) *string { return &c.Engine.ChunkName }),
		"ENGINE_BINDING_NAME":         setString(func(c *Config) *string { return &c.Engine.BindingName }),
		"ENGINE_MAX_FORWARD_DEPTH":    setInt(func(c *Config) *int { return &c.Engine.MaxForwardDepth }),
		"ENGINE_DISABLED_TRANSITIONS": setList(func(c *Config) *[]string { return &c.Engine.DisabledTransitions }),
		"ENGINE_INTERCEPT_YIELD":      setBool(func(c *Config) *bool { return &c.Engine.InterceptYield }),
		"ENGINE_TIMEOUT":              setString(func(c *Config) *string { return &c.Engine.Timeout }),

		"SANDBOX_CAPABILITIES": setList(func(c *Config) *[]string { return &c.Sandbox.Capabilities }),
		"SANDBOX_ALIASES":      setBool(func(c *Config) *bool { return &c.Sandbox.Aliases }),

		"REPL_PROMPT":        setString(func(c *Config) *string { return &c.REPL.Prompt }),
		"REPL_HISTORY_FILE":  setString(func(c *Config) *string { return &c.REPL.HistoryFile }),
		"REPL_HISTORY_LIMIT": setInt(func(c *Config) *int { return &c.REPL.HistoryLimit }),
	}
}

// Vars returns the recognized variable names, prefix included.
func (l *EnvLoader) Vars() []string {
	out := make([]string, 0, len(l.mapping))
	for suffix := range l.mapping {
		out = append(out, l.prefix+suffix)
	}
	return out
}

// Apply overrides c with every recognized variable that is set.
// Note: Empty string values are treated as valid values, not as unset.
func (l *EnvLoader) Apply(c *Config) error {
	for suffix, set := range l.mapping {
		name := l.prefix + suffix
		val, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := set(c, val); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func setString(field func(*Config) *string) envSetter {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func setInt(field func(*Config) *int) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("not an integer: %q", v)
		}
		*field(c) = n
		return nil
	}
}

func setBool(field func(*Config) *bool) envSetter {
	return func(c *Config, v string) error {
		b, err := parseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

// setList splits a comma separated value. An empty value clears the list.
func setList(field func(*Config) *[]string) envSetter {
	return func(c *Config, v string) error {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*field(c) = out
		return nil
	}
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0", "":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", s)
}
