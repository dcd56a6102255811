// Package config builds the read-only options mapping handed to every
// session. Values are layered once at startup — defaults, then an
// optional YAML config file, then explicitly set CLI flags — and frozen;
// rules access the result as an ambient input type, never through global
// state.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Options is the immutable session configuration. The zero value is an
// empty mapping.
type Options struct {
	values map[string]string
}

// Builder accumulates configuration layers; later layers win.
type Builder struct {
	values map[string]string
	err    error
}

// NewBuilder starts from the given defaults.
func NewBuilder(defaults map[string]string) *Builder {
	values := make(map[string]string, len(defaults))
	for k, v := range defaults {
		values[k] = v
	}
	return &Builder{values: values}
}

// MergeFile layers a YAML mapping of scalars over the current values. A
// missing file is not an error; a malformed one is.
func (b *Builder) MergeFile(path string) *Builder {
	if b.err != nil {
		return b
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return b
	}
	if err != nil {
		b.err = fmt.Errorf("config: read %s: %w", path, err)
		return b
	}
	parsed := map[string]any{}
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		b.err = fmt.Errorf("config: parse %s: %w", path, err)
		return b
	}
	for k, v := range parsed {
		b.values[k] = fmt.Sprintf("%v", v)
	}
	return b
}

// MergeFlags layers every flag the user explicitly set.
func (b *Builder) MergeFlags(flags *pflag.FlagSet) *Builder {
	if b.err != nil {
		return b
	}
	flags.Visit(func(f *pflag.Flag) {
		b.values[f.Name] = f.Value.String()
	})
	return b
}

// Set layers one explicit value.
func (b *Builder) Set(key, value string) *Builder {
	if b.err == nil {
		b.values[key] = value
	}
	return b
}

// Build freezes the layered values into an Options.
func (b *Builder) Build() (Options, error) {
	if b.err != nil {
		return Options{}, b.err
	}
	frozen := make(map[string]string, len(b.values))
	for k, v := range b.values {
		frozen[k] = v
	}
	return Options{values: frozen}, nil
}

// Get returns the raw value for key.
func (o Options) Get(key string) (string, bool) {
	v, ok := o.values[key]
	return v, ok
}

// GetString returns the value for key, or fallback when unset.
func (o Options) GetString(key, fallback string) string {
	if v, ok := o.values[key]; ok {
		return v
	}
	return fallback
}

// GetBool parses the value for key as a bool, or returns fallback when
// unset or unparsable.
func (o Options) GetBool(key string, fallback bool) bool {
	v, ok := o.values[key]
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

// GetInt parses the value for key as an int, or returns fallback.
func (o Options) GetInt(key string, fallback int) int {
	v, ok := o.values[key]
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

// GetDuration parses the value for key as a duration, or returns
// fallback.
func (o Options) GetDuration(key string, fallback time.Duration) time.Duration {
	v, ok := o.values[key]
	if !ok {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}

// Keys returns all configured keys in sorted order.
func (o Options) Keys() []string {
	keys := make([]string, 0, len(o.values))
	for k := range o.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
