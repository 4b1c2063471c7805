package sandbox

import (
	"path/filepath"
	"strings"
)

// PathMapping rewrites host paths under HostRoot into the equivalent
// in-container path under ContainerRoot.
type PathMapping struct {
	HostRoot      string
	ContainerRoot string
}

// Translate rewrites each token that is, or whose key=value value is, an
// absolute path under HostRoot. Matching is case-insensitive on a path
// segment boundary and the remainder is joined with forward slashes.
// Every other token is returned unchanged.
func (m PathMapping) Translate(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		out[i] = m.translateToken(tok)
	}
	return out
}

func (m PathMapping) translateToken(tok string) string {
	if key, value, ok := strings.Cut(tok, "="); ok {
		if rewritten, changed := m.translatePath(value); changed {
			return key + "=" + rewritten
		}
		return tok
	}
	if rewritten, changed := m.translatePath(tok); changed {
		return rewritten
	}
	return tok
}

func (m PathMapping) translatePath(p string) (string, bool) {
	host := trimSeparators(m.HostRoot)
	if host == "" || p == "" || !filepath.IsAbs(p) || len(p) < len(host) {
		return p, false
	}
	if !strings.EqualFold(p[:len(host)], host) {
		return p, false
	}

	rest := p[len(host):]
	if rest != "" && !isSeparator(rest[0]) && !isSeparator(host[len(host)-1]) {
		// Same prefix but a different directory, e.g. /jobs/abc vs /jobs/abcd.
		return p, false
	}

	segments := strings.FieldsFunc(rest, func(r rune) bool { return r == '/' || r == '\\' })
	root := strings.TrimRight(m.ContainerRoot, "/")
	if len(segments) == 0 {
		if root == "" {
			return "/", true
		}
		return root, true
	}
	return root + "/" + strings.Join(segments, "/"), true
}

func trimSeparators(p string) string {
	trimmed := strings.TrimRight(p, `/\`)
	if trimmed == "" && p != "" {
		return p[:1]
	}
	return trimmed
}

func isSeparator(c byte) bool {
	return c == '/' || c == '\\'
}
