package preprocess

import (
	"bufio"
	"io"
	"strings"
	"unicode"
)

// atomRecord is the subset of an ATOM/HETATM line the cleaner needs.
// Columns follow the fixed-width PDB format (1-based in the format spec).
type atomRecord struct {
	line    string
	resName string // cols 18-20
	chainID string // col 22
	resKey  string // chain + resSeq + iCode, identifies one residue
	element string // cols 77-78, or derived from the atom name
}

func isAtomLine(line string) bool {
	return strings.HasPrefix(line, "ATOM  ") || strings.HasPrefix(line, "HETATM")
}

func parseAtom(line string) atomRecord {
	rec := atomRecord{line: line}
	rec.resName = strings.TrimSpace(field(line, 17, 20))
	rec.chainID = field(line, 21, 22)
	rec.resKey = rec.chainID + "|" + field(line, 22, 27)

	rec.element = strings.ToUpper(strings.TrimSpace(field(line, 76, 78)))
	if rec.element == "" {
		rec.element = elementFromName(field(line, 12, 16))
	}
	return rec
}

// elementFromName guesses the element of an atom from its name when the
// element column is blank, e.g. " HA " or "1HB " -> H, " CA " -> C.
func elementFromName(name string) string {
	name = strings.TrimLeftFunc(strings.TrimSpace(name), unicode.IsDigit)
	if name == "" {
		return ""
	}
	return strings.ToUpper(name[:1])
}

// field returns line[start:end], clipped to the line length.
func field(line string, start, end int) string {
	if start >= len(line) {
		return ""
	}
	if end > len(line) {
		end = len(line)
	}
	return line[start:end]
}

// recordPrefixes are the leading record names accepted by LooksLikePDB.
var recordPrefixes = []string{"HEADER", "ATOM", "HETATM", "MODEL", "REMARK", "TITLE", "CRYST1", "COMPND"}

// LooksLikePDB reports whether the first non-blank line of r starts with a
// known PDB record name. Only the first 64 KiB are inspected.
func LooksLikePDB(r io.Reader) bool {
	sc := bufio.NewScanner(io.LimitReader(r, 64<<10))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		for _, p := range recordPrefixes {
			if strings.HasPrefix(line, p) {
				return true
			}
		}
		return false
	}
	return false
}
