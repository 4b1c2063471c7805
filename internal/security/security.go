// Package security implements the injection-defense validator that stands
// between caller input and the engine's process boundary.
//
// The validator is the only producer of Argv values: every argument vector
// handed to a sandbox has passed structural checks against the registry and
// the dangerous-pattern scan. Validation is pure and fail-fast; callers log
// violations, the validator never does.
package security

import (
	"errors"
	"fmt"
)

// Kind classifies a validation failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidCommand
	KindUnknownArgument
	KindUnknownFlag
	KindMalformedArgument
	KindDangerousPattern
	KindInvalidPath
)

func (k Kind) String() string {
	switch k {
	case KindInvalidCommand:
		return "invalid_command"
	case KindUnknownArgument:
		return "unknown_argument"
	case KindUnknownFlag:
		return "unknown_flag"
	case KindMalformedArgument:
		return "malformed_argument"
	case KindDangerousPattern:
		return "dangerous_pattern"
	case KindInvalidPath:
		return "invalid_path"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per kind. errors.Is(err, ErrX) holds for every *Error
// of the matching kind.
var (
	ErrInvalidCommand    = errors.New("invalid command")
	ErrUnknownArgument   = errors.New("unknown argument")
	ErrUnknownFlag       = errors.New("unknown flag")
	ErrMalformedArgument = errors.New("malformed argument")
	ErrDangerousPattern  = errors.New("dangerous pattern")
	ErrInvalidPath       = errors.New("invalid path")
)

var sentinels = map[Kind]error{
	KindInvalidCommand:    ErrInvalidCommand,
	KindUnknownArgument:   ErrUnknownArgument,
	KindUnknownFlag:       ErrUnknownFlag,
	KindMalformedArgument: ErrMalformedArgument,
	KindDangerousPattern:  ErrDangerousPattern,
	KindInvalidPath:       ErrInvalidPath,
}

// Error is a validation failure. Token is the offending input element.
type Error struct {
	Kind   Kind
	Token  string
	Detail string
}

func (e *Error) Error() string {
	base := sentinels[e.Kind]
	msg := "validation failed"
	if base != nil {
		msg = base.Error()
	}
	if e.Token != "" {
		msg = fmt.Sprintf("%s %q", msg, e.Token)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the Kind of a validation error, or KindUnknown if err is
// not (and does not wrap) an *Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

func newError(kind Kind, token, detail string) *Error {
	return &Error{Kind: kind, Token: token, Detail: detail}
}
