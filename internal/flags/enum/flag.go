// Package enum provides a pflag.Value for flags that accept exactly one
// value out of a fixed set, rejecting everything else at parse time. The
// engine's logging flags (format, level, output) are all enums.
package enum

import (
	"fmt"
	"slices"

	"github.com/spf13/pflag"
)

// Type is the flag type name reported to pflag.
const Type = "enum"

// Flag is a pflag.Value holding one of a fixed set of options. The first
// option is the default.
type Flag struct {
	value   string
	options []string
}

// New builds a Flag over the given options; the first is the default.
// At least one option is required.
func New(options ...string) *Flag {
	if len(options) == 0 {
		panic("enum: options must not be empty")
	}
	return &Flag{value: options[0], options: slices.Clone(options)}
}

func (f *Flag) Type() string {
	return Type
}

func (f *Flag) String() string {
	return f.value
}

// Set accepts value iff it is one of the registered options; the current
// value is left untouched otherwise.
func (f *Flag) Set(value string) error {
	if !slices.Contains(f.options, value) {
		return fmt.Errorf("expected one of %q", f.options)
	}
	f.value = value
	return nil
}

// Var registers an enum flag on f, appending the allowed options to the
// usage text.
func Var(f *pflag.FlagSet, name string, options []string, usage string) {
	f.Var(New(options...), name, usageWithOptions(usage, options))
}

// VarP is Var with a shorthand.
func VarP(f *pflag.FlagSet, name, shorthand string, options []string, usage string) {
	f.VarP(New(options...), name, shorthand, usageWithOptions(usage, options))
}

// Get returns the current value of the enum flag registered under name.
func Get(f *pflag.FlagSet, name string) (string, error) {
	flag := f.Lookup(name)
	if flag == nil {
		return "", fmt.Errorf("flag accessed but not defined: %s", name)
	}
	if flag.Value.Type() != Type {
		return "", fmt.Errorf("trying to get %s value of flag of type %s", Type, flag.Value.Type())
	}
	return flag.Value.String(), nil
}

func usageWithOptions(usage string, options []string) string {
	sorted := slices.Clone(options)
	slices.Sort(sorted)
	return fmt.Sprintf("%s\n(must be one of %v)", usage, sorted)
}
