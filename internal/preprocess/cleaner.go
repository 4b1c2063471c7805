// Package preprocess cleans input structures before they reach the engine:
// water, ions, common ligands and cofactors, non-standard residues and
// hydrogens are removed, and only protein chains are kept.
//
// Clean never fails. When nothing needs removing, or when anything goes
// wrong, it returns the original path. Inputs are never modified in place.
package preprocess

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Options selects what the cleaner removes.
type Options struct {
	RemoveWater       bool
	RemoveIons        bool
	RemoveLigands     bool
	RemoveHydrogens   bool
	RemoveNonStandard bool
	// KeepAllChains keeps every protein chain; otherwise only the longest.
	KeepAllChains bool
}

// DefaultOptions removes everything and keeps all protein chains.
func DefaultOptions() Options {
	return Options{
		RemoveWater:       true,
		RemoveIons:        true,
		RemoveLigands:     true,
		RemoveHydrogens:   true,
		RemoveNonStandard: true,
		KeepAllChains:     true,
	}
}

// Report summarises the composition of a structure file.
type Report struct {
	Atoms         int
	Residues      int
	Protein       int
	Water         int
	Ions          int
	Ligands       int
	NonStandard   int
	Hydrogens     int
	ProteinChains []string       // chains with at least 10 standard residues, sorted
	ChainResidues map[string]int // standard residues per chain
}

// Cleaner is the structure preprocessor.
type Cleaner struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Cleaner.
func New(opts Options, logger *slog.Logger) *Cleaner {
	return &Cleaner{opts: opts, logger: logger}
}

// Clean returns inputPath when no cleaning is needed, otherwise the path of a
// new <stem>_cleaned<ext> file next to it. Any failure falls back to inputPath.
func (c *Cleaner) Clean(inputPath string) string {
	lines, err := readLines(inputPath)
	if err != nil {
		c.logger.Warn("preprocess: cannot read input, using original",
			slog.String("path", inputPath),
			slog.String("error", err.Error()),
		)
		return inputPath
	}

	report := analyze(lines)
	keepChains := c.chainsToKeep(report)
	out, removed := c.filter(lines, keepChains)
	if removed == 0 {
		c.logger.Debug("preprocess: no cleaning needed", slog.String("path", inputPath))
		return inputPath
	}

	if kept := countAtoms(out); kept == 0 {
		c.logger.Warn("preprocess: cleaning would remove every atom, using original",
			slog.String("path", inputPath),
		)
		return inputPath
	}

	outPath := cleanedPath(inputPath)
	if err := writeLines(outPath, out); err != nil {
		c.logger.Warn("preprocess: cannot write cleaned file, using original",
			slog.String("path", outPath),
			slog.String("error", err.Error()),
		)
		return inputPath
	}

	c.logger.Info("preprocess: structure cleaned",
		slog.String("input", inputPath),
		slog.String("output", outPath),
		slog.Int("atoms_removed", removed),
		slog.Int("water", report.Water),
		slog.Int("ions", report.Ions),
		slog.Int("ligands", report.Ligands),
		slog.Int("hydrogens", report.Hydrogens),
		slog.Int("non_standard", report.NonStandard),
		slog.Any("chains", keepChains),
	)
	return outPath
}

// Analyze reads a structure file and reports its composition.
func Analyze(path string) (Report, error) {
	lines, err := readLines(path)
	if err != nil {
		return Report{}, err
	}
	return analyze(lines), nil
}

func analyze(lines []string) Report {
	var r Report
	seen := make(map[string]residueClass)
	chainAA := make(map[string]map[string]struct{})

	for _, line := range lines {
		if !isAtomLine(line) {
			continue
		}
		rec := parseAtom(line)
		r.Atoms++
		if rec.element == "H" {
			r.Hydrogens++
		}
		if _, dup := seen[rec.resKey]; dup {
			continue
		}
		class := classify(rec.resName)
		seen[rec.resKey] = class
		r.Residues++
		switch class {
		case classWater:
			r.Water++
		case classIon:
			r.Ions++
		case classLigand:
			r.Ligands++
		case classNonStandard:
			r.NonStandard++
		case classProtein:
			r.Protein++
			if chainAA[rec.chainID] == nil {
				chainAA[rec.chainID] = make(map[string]struct{})
			}
			chainAA[rec.chainID][rec.resKey] = struct{}{}
		}
	}

	r.ChainResidues = make(map[string]int, len(chainAA))
	for chain, residues := range chainAA {
		r.ChainResidues[chain] = len(residues)
		if len(residues) >= minProteinChainResidues {
			r.ProteinChains = append(r.ProteinChains, chain)
		}
	}
	sort.Strings(r.ProteinChains)
	return r
}

// chainsToKeep returns the chain filter, or nil for no chain filtering.
func (c *Cleaner) chainsToKeep(r Report) []string {
	if len(r.ProteinChains) == 0 {
		return nil
	}
	if c.opts.KeepAllChains {
		return r.ProteinChains
	}
	return []string{longestChain(r)}
}

// longestChain returns the protein chain with the most standard residues,
// the alphabetically first one on ties.
func longestChain(r Report) string {
	best := r.ProteinChains[0]
	for _, ch := range r.ProteinChains[1:] {
		if r.ChainResidues[ch] > r.ChainResidues[best] {
			best = ch
		}
	}
	return best
}

func (c *Cleaner) filter(lines []string, keepChains []string) ([]string, int) {
	chainSet := set(keepChains...)
	out := make([]string, 0, len(lines))
	removed := 0
	lastChain := ""
	open := false // atoms written since the last TER

	closeChain := func() {
		if open {
			out = append(out, "TER")
			open = false
		}
	}

	for _, line := range lines {
		switch {
		case isAtomLine(line):
			rec := parseAtom(line)
			if !c.keep(rec, chainSet) {
				removed++
				continue
			}
			if open && rec.chainID != lastChain {
				closeChain()
			}
			lastChain = rec.chainID
			open = true
			out = append(out, line)
		case strings.HasPrefix(line, "MODEL"):
			closeChain()
			out = append(out, line)
		case strings.HasPrefix(line, "ENDMDL"):
			closeChain()
			out = append(out, line)
		case strings.HasPrefix(line, "TER"), strings.HasPrefix(line, "ANISOU"),
			strings.HasPrefix(line, "CONECT"), strings.HasPrefix(line, "MASTER"),
			strings.HasPrefix(line, "END"):
			// Regenerated, or refers to atom serials that may be gone.
		default:
			out = append(out, line)
		}
	}
	closeChain()
	out = append(out, "END")
	return out, removed
}

func (c *Cleaner) keep(rec atomRecord, chains map[string]struct{}) bool {
	if c.opts.RemoveHydrogens && rec.element == "H" {
		return false
	}
	switch classify(rec.resName) {
	case classWater:
		if c.opts.RemoveWater {
			return false
		}
	case classIon:
		if c.opts.RemoveIons {
			return false
		}
	case classLigand:
		if c.opts.RemoveLigands {
			return false
		}
	case classNonStandard:
		if c.opts.RemoveNonStandard {
			return false
		}
	case classProtein:
		if len(chains) > 0 && !has(chains, rec.chainID) {
			return false
		}
	}
	return true
}

func countAtoms(lines []string) int {
	n := 0
	for _, l := range lines {
		if isAtomLine(l) {
			n++
		}
	}
	return n
}

func cleanedPath(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + "_cleaned" + ext
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return lines, nil
}

func writeLines(path string, lines []string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	for _, l := range lines {
		if _, err := w.WriteString(l + "\n"); err != nil {
			f.Close()
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
