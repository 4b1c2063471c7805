// Package registry holds the allow-lists of engine commands, argument keys and
// flags. It is the single source of truth consulted by the validator and the
// command builder: anything not listed here is rejected downstream.
//
// Lookups are pure and total. A Registry is immutable once built, so it is
// safe for concurrent use without locking.
package registry

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultExtension is the only input file extension the engine accepts.
const DefaultExtension = ".pdb"

// CommandDescriptor describes one engine command.
// Empty argument/flag lists mean the command accepts any registry-valid key.
type CommandDescriptor struct {
	Name              string   `json:"name" yaml:"name"`
	Description       string   `json:"description,omitempty" yaml:"description,omitempty"`
	RequiredArguments []string `json:"required_arguments,omitempty" yaml:"required_arguments,omitempty"`
	OptionalArguments []string `json:"optional_arguments,omitempty" yaml:"optional_arguments,omitempty"`
	AllowedFlags      []string `json:"allowed_flags,omitempty" yaml:"allowed_flags,omitempty"`
}

// Registry is the loaded allow-list.
type Registry struct {
	commands  map[string]CommandDescriptor
	arguments map[string]struct{}
	flags     map[string]struct{}
	paths     map[string]struct{}
	extension string
}

// Spec is the serialisable form of a Registry (see Load).
type Spec struct {
	Extension     string              `json:"extension,omitempty" yaml:"extension,omitempty"`
	Commands      []CommandDescriptor `json:"commands" yaml:"commands"`
	Arguments     []string            `json:"arguments" yaml:"arguments"`
	Flags         []string            `json:"flags" yaml:"flags"`
	PathArguments []string            `json:"path_arguments,omitempty" yaml:"path_arguments,omitempty"`
}

// New builds a Registry from a Spec and checks that every argument key and
// flag referenced by a command descriptor exists in the global sets.
func New(spec Spec) (*Registry, error) {
	r := &Registry{
		commands:  make(map[string]CommandDescriptor, len(spec.Commands)),
		arguments: toSet(spec.Arguments),
		flags:     toSet(spec.Flags),
		paths:     toSet(spec.PathArguments),
		extension: strings.ToLower(spec.Extension),
	}
	if r.extension == "" {
		r.extension = DefaultExtension
	}
	if !strings.HasPrefix(r.extension, ".") {
		r.extension = "." + r.extension
	}
	if len(spec.Commands) == 0 {
		return nil, fmt.Errorf("registry defines no commands")
	}

	for i, cmd := range spec.Commands {
		if cmd.Name == "" {
			return nil, fmt.Errorf("commands[%d].name is required", i)
		}
		if _, dup := r.commands[cmd.Name]; dup {
			return nil, fmt.Errorf("commands[%d]: duplicate command %q", i, cmd.Name)
		}
		for _, key := range append(append([]string{}, cmd.RequiredArguments...), cmd.OptionalArguments...) {
			if _, ok := r.arguments[key]; !ok {
				return nil, fmt.Errorf("command %q references unknown argument %q", cmd.Name, key)
			}
		}
		for _, flag := range cmd.AllowedFlags {
			if _, ok := r.flags[flag]; !ok {
				return nil, fmt.Errorf("command %q references unknown flag %q", cmd.Name, flag)
			}
		}
		r.commands[cmd.Name] = cmd
	}
	for key := range r.paths {
		if _, ok := r.arguments[key]; !ok {
			return nil, fmt.Errorf("path argument %q is not a registered argument", key)
		}
	}
	return r, nil
}

// IsValidCommand reports whether name is an allow-listed command.
func (r *Registry) IsValidCommand(name string) bool {
	_, ok := r.commands[name]
	return ok
}

// IsValidArgumentKey reports whether key is an allow-listed argument key.
func (r *Registry) IsValidArgumentKey(key string) bool {
	_, ok := r.arguments[key]
	return ok
}

// IsValidFlag reports whether name is an allow-listed flag.
func (r *Registry) IsValidFlag(name string) bool {
	_, ok := r.flags[name]
	return ok
}

// IsPathArgument reports whether key carries an input file path.
func (r *Registry) IsPathArgument(key string) bool {
	_, ok := r.paths[key]
	return ok
}

// Extension returns the mandated input file extension, lower-cased with a leading dot.
func (r *Registry) Extension() string {
	return r.extension
}

// Descriptor returns the descriptor of a command.
func (r *Registry) Descriptor(name string) (CommandDescriptor, bool) {
	d, ok := r.commands[name]
	return d, ok
}

// Commands returns all descriptors sorted by name.
func (r *Registry) Commands() []CommandDescriptor {
	out := make([]CommandDescriptor, 0, len(r.commands))
	for _, d := range r.commands {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ArgumentKeys returns the allow-listed argument keys, sorted.
func (r *Registry) ArgumentKeys() []string {
	return sortedKeys(r.arguments)
}

// Flags returns the allow-listed flags, sorted.
func (r *Registry) Flags() []string {
	return sortedKeys(r.flags)
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			set[item] = struct{}{}
		}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
