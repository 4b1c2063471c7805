package security

import (
	"regexp"
	"strings"

	"github.com/jkaninda/pdbgate/internal/registry"
)

const (
	// CommandPrefix introduces the command selector, always element 0.
	CommandPrefix = "--command="
	// HelpToken is the sole element of the zero-argument help form.
	HelpToken = "--help"

	flagMarker = "--"

	// MaxPathLength bounds path-valued arguments.
	MaxPathLength = 1000
	// MaxFilenameLength bounds sanitized upload filenames, extension included.
	MaxFilenameLength = 100
)

// dangerousPatterns is the ordered injection-defense rule set. Matching is
// case-insensitive and a single hit anywhere in a token rejects the vector.
// Chemistry-specific exclusions (water, ions, ligands) do not belong here.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile("(?i)[;&|`$(){}\\[\\]<>]"), // shell metacharacters
	regexp.MustCompile(`(?i)\.\.`),                // directory traversal
	regexp.MustCompile(`(?i)/bin/`),
	regexp.MustCompile(`(?i)/usr/`),
	regexp.MustCompile(`(?i)sudo`),
	regexp.MustCompile(`(?i)chmod`),
	regexp.MustCompile(`(?i)rm\s+-rf`),
	regexp.MustCompile(`(?i)>\s*/`),
	regexp.MustCompile(`(?i)\|\s*\w+`),
	regexp.MustCompile(`(?i)&&`),
	regexp.MustCompile(`(?i)\|\|`),
	regexp.MustCompile(`(?i)nc\s+`),
	regexp.MustCompile(`(?i)wget\s+`),
	regexp.MustCompile(`(?i)curl\s+`),
}

// Argv is a validated argument vector. The zero value is invalid and only
// Validator.Validate produces usable values.
type Argv struct {
	tokens []string
}

// Tokens returns a copy of the validated tokens.
func (a Argv) Tokens() []string {
	return append([]string(nil), a.tokens...)
}

// Len returns the number of tokens.
func (a Argv) Len() int { return len(a.tokens) }

// IsZero reports whether a was not produced by a successful validation.
func (a Argv) IsZero() bool { return len(a.tokens) == 0 }

// IsHelp reports whether a is the help form.
func (a Argv) IsHelp() bool {
	return len(a.tokens) == 1 && a.tokens[0] == HelpToken
}

// Command returns the selected command name, or "" for the help form.
func (a Argv) Command() string {
	if len(a.tokens) == 0 || a.IsHelp() {
		return ""
	}
	return strings.TrimPrefix(a.tokens[0], CommandPrefix)
}

// String renders the tokens space-separated, for logs only.
func (a Argv) String() string {
	return strings.Join(a.tokens, " ")
}

// Validator checks argument vectors against a registry.
type Validator struct {
	reg *registry.Registry
}

// NewValidator creates a Validator backed by reg.
func NewValidator(reg *registry.Registry) *Validator {
	return &Validator{reg: reg}
}

// Registry returns the registry the validator consults.
func (v *Validator) Registry() *registry.Registry {
	return v.reg
}

// Validate checks tokens and returns them as an Argv. The first violation
// found is returned as an *Error; nothing is retained on failure.
func (v *Validator) Validate(tokens []string) (Argv, error) {
	if len(tokens) == 0 {
		return Argv{}, newError(KindMalformedArgument, "", "empty argument vector")
	}
	if len(tokens) == 1 && tokens[0] == HelpToken {
		return Argv{tokens: []string{HelpToken}}, nil
	}

	first := tokens[0]
	if !strings.HasPrefix(first, CommandPrefix) {
		return Argv{}, newError(KindInvalidCommand, first, "first argument must be "+CommandPrefix+"<Name>")
	}
	name := strings.TrimPrefix(first, CommandPrefix)
	if !v.reg.IsValidCommand(name) {
		return Argv{}, newError(KindInvalidCommand, name, "not in registry")
	}

	for _, tok := range tokens {
		if rule := matchDangerous(tok); rule != "" {
			return Argv{}, newError(KindDangerousPattern, tok, "matches "+rule)
		}
	}

	for _, tok := range tokens[1:] {
		if err := v.checkStructure(tok); err != nil {
			return Argv{}, err
		}
	}

	return Argv{tokens: append([]string(nil), tokens...)}, nil
}

// IsDangerous reports whether s matches any dangerous-pattern rule.
func (v *Validator) IsDangerous(s string) bool {
	return matchDangerous(s) != ""
}

func (v *Validator) checkStructure(tok string) error {
	if !strings.HasPrefix(tok, flagMarker) {
		return newError(KindMalformedArgument, tok, "expected --key=value or --flag")
	}
	body := strings.TrimPrefix(tok, flagMarker)

	if key, value, ok := strings.Cut(body, "="); ok {
		if !v.reg.IsValidArgumentKey(key) {
			return newError(KindUnknownArgument, key, "")
		}
		if v.reg.IsPathArgument(key) && value != "" {
			return v.checkPath(value)
		}
		return nil
	}

	if !v.reg.IsValidFlag(body) {
		return newError(KindUnknownFlag, body, "")
	}
	return nil
}

func (v *Validator) checkPath(p string) error {
	switch {
	case strings.Contains(p, "\x00"):
		return newError(KindInvalidPath, "", "null byte in path")
	case len(p) > MaxPathLength:
		return newError(KindInvalidPath, "", "path too long")
	case hasTraversal(p):
		return newError(KindInvalidPath, p, "directory traversal")
	case !strings.HasSuffix(strings.ToLower(p), v.reg.Extension()):
		return newError(KindInvalidPath, p, "only "+v.reg.Extension()+" files allowed")
	}
	return nil
}

func hasTraversal(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

func matchDangerous(s string) string {
	for _, re := range dangerousPatterns {
		if re.MatchString(s) {
			return re.String()
		}
	}
	return ""
}
