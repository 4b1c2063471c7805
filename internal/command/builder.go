// Package command turns a (command, arguments, flags) request into a
// validated argument vector for the engine.
//
// Input is permissive: argument keys and flags unknown to the registry, and
// empty values, are dropped rather than rejected. Output is strict: every
// vector passes through the security validator before it is returned.
package command

import (
	"fmt"
	"sort"

	"github.com/jkaninda/pdbgate/internal/registry"
	"github.com/jkaninda/pdbgate/internal/security"
)

// Builder builds engine argument vectors.
type Builder struct {
	registry      *registry.Registry
	validator     *security.Validator
	binaryPath    string
	containerized bool
}

// NewBuilder creates a Builder. binaryPath is the engine binary used when
// running locally; it is ignored when containerized is true because the
// image entrypoint supplies it.
func NewBuilder(v *security.Validator, binaryPath string, containerized bool) *Builder {
	return &Builder{
		registry:      v.Registry(),
		validator:     v,
		binaryPath:    binaryPath,
		containerized: containerized,
	}
}

// Build produces --command=<name>, then --<key>=<value> for registry-valid
// keys with non-empty values in key order, then --<flag> for registry-valid
// flags in input order without duplicates.
func (b *Builder) Build(name string, args map[string]string, flags []string) (security.Argv, error) {
	tokens := []string{security.CommandPrefix + name}

	keys := make([]string, 0, len(args))
	for k, val := range args {
		if val != "" && b.registry.IsValidArgumentKey(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		tokens = append(tokens, "--"+k+"="+args[k])
	}

	seen := make(map[string]struct{}, len(flags))
	for _, f := range flags {
		if _, dup := seen[f]; dup || !b.registry.IsValidFlag(f) {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, "--"+f)
	}

	argv, err := b.validator.Validate(tokens)
	if err != nil {
		return security.Argv{}, fmt.Errorf("building %s: %w", name, err)
	}
	return argv, nil
}

// Help returns the validated help form.
func (b *Builder) Help() security.Argv {
	argv, err := b.validator.Validate([]string{security.HelpToken})
	if err != nil {
		// The help form is unconditionally accepted by the validator.
		panic(fmt.Sprintf("command: help form rejected: %v", err))
	}
	return argv
}

// CommandLine returns the full invocation for display and logging: the
// binary path followed by the tokens when running locally, the tokens alone
// when containerized.
func (b *Builder) CommandLine(argv security.Argv) []string {
	if b.containerized || b.binaryPath == "" {
		return argv.Tokens()
	}
	return append([]string{b.binaryPath}, argv.Tokens()...)
}
