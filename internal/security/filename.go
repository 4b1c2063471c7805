package security

import (
	"regexp"
	"strings"
)

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeFilename turns an arbitrary user-supplied filename into one that is
// safe to place inside a job directory: no separators, no traversal, the
// registry extension, at most MaxFilenameLength characters. It fails only on
// empty input. Callers that want to log suspicious names check IsDangerous
// on the raw value first.
func (v *Validator) SanitizeFilename(name string) (string, error) {
	if name == "" {
		return "", newError(KindMalformedArgument, "", "empty filename")
	}
	ext := v.reg.Extension()

	out := unsafeFilenameChars.ReplaceAllString(name, "_")
	for strings.Contains(out, "..") {
		out = strings.ReplaceAll(out, "..", "_")
	}
	if !strings.HasSuffix(strings.ToLower(out), ext) {
		out = joinExt(out, ext)
	}
	if len(out) > MaxFilenameLength {
		suffix := out[len(out)-len(ext):]
		stem := out[:MaxFilenameLength-len(ext)]
		out = joinExt(stem, suffix)
	}
	return out, nil
}

// joinExt appends ext to stem without creating a ".." sequence.
func joinExt(stem, ext string) string {
	stem = strings.TrimRight(stem, ".")
	if stem == "" {
		stem = "_"
	}
	return stem + ext
}
