package preprocess

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// atomLine formats a fixed-width ATOM/HETATM record.
func atomLine(record string, serial int, name, resName, chain string, resSeq int, element string) string {
	return fmt.Sprintf("%-6s%5d %-4s %3s %1s%4d    %8.3f%8.3f%8.3f%6.2f%6.2f          %2s",
		record, serial, name, resName, chain, resSeq, 1.0, 2.0, 3.0, 1.0, 0.0, element)
}

// proteinChain returns n standard residues (one CA atom each) on chain.
func proteinChain(chain string, n, serial int) []string {
	var lines []string
	for i := 1; i <= n; i++ {
		lines = append(lines, atomLine("ATOM", serial+i, "CA", "ALA", chain, i, "C"))
	}
	return lines
}

func writePDB(t *testing.T, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.pdb")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestClean_AlreadyClean(t *testing.T) {
	lines := append([]string{"HEADER    TEST"}, proteinChain("A", 12, 0)...)
	lines = append(lines, "TER", "END")
	path := writePDB(t, lines)

	got := New(DefaultOptions(), testLogger()).Clean(path)
	if got != path {
		t.Errorf("Clean = %q, want original %q", got, path)
	}
}

func TestClean_RemovesHeteroAndHydrogens(t *testing.T) {
	lines := []string{"HEADER    TEST"}
	lines = append(lines, proteinChain("A", 12, 0)...)
	lines = append(lines,
		atomLine("ATOM", 100, "H", "ALA", "A", 1, "H"),
		atomLine("HETATM", 101, "O", "HOH", "A", 200, "O"),
		atomLine("HETATM", 102, "ZN", "ZN", "A", 201, "ZN"),
		atomLine("HETATM", 103, "PA", "ATP", "A", 202, "P"),
		atomLine("HETATM", 104, "C1", "XYZ", "A", 203, "C"),
		"CONECT  101  102",
		"END",
	)
	path := writePDB(t, lines)
	original, _ := os.ReadFile(path)

	got := New(DefaultOptions(), testLogger()).Clean(path)
	if got == path {
		t.Fatal("Clean returned the original path, want a cleaned file")
	}
	if filepath.Base(got) != "input_cleaned.pdb" {
		t.Errorf("cleaned name = %q", filepath.Base(got))
	}

	after, _ := os.ReadFile(path)
	if string(after) != string(original) {
		t.Error("input file was modified")
	}

	r, err := Analyze(got)
	if err != nil {
		t.Fatal(err)
	}
	if r.Water+r.Ions+r.Ligands+r.NonStandard+r.Hydrogens != 0 {
		t.Errorf("cleaned report = %+v, want protein only", r)
	}
	if r.Protein != 12 {
		t.Errorf("protein residues = %d, want 12", r.Protein)
	}

	data, _ := os.ReadFile(got)
	text := string(data)
	if !strings.HasPrefix(text, "HEADER") {
		t.Error("header record dropped")
	}
	if strings.Contains(text, "CONECT") {
		t.Error("CONECT records should be dropped")
	}
	if !strings.HasSuffix(strings.TrimSpace(text), "END") {
		t.Error("cleaned file should end with END")
	}
}

func TestClean_Toggles(t *testing.T) {
	lines := append(proteinChain("A", 12, 0),
		atomLine("HETATM", 100, "O", "HOH", "A", 200, "O"),
	)
	path := writePDB(t, lines)

	opts := DefaultOptions()
	opts.RemoveWater = false
	if got := New(opts, testLogger()).Clean(path); got != path {
		t.Errorf("water kept by option, Clean = %q, want original", got)
	}
}

func TestClean_ChainSelection(t *testing.T) {
	lines := proteinChain("A", 15, 0)
	lines = append(lines, proteinChain("B", 12, 100)...)
	lines = append(lines, proteinChain("C", 3, 200)...) // peptide, below protein threshold

	tests := []struct {
		name       string
		keepAll    bool
		wantChains []string
	}{
		{"keep all protein chains", true, []string{"A", "B"}},
		{"keep longest", false, []string{"A"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writePDB(t, lines)
			opts := DefaultOptions()
			opts.KeepAllChains = tc.keepAll

			got := New(opts, testLogger()).Clean(path)
			if got == path {
				t.Fatal("expected a cleaned file")
			}
			r, err := Analyze(got)
			if err != nil {
				t.Fatal(err)
			}
			if strings.Join(r.ProteinChains, ",") != strings.Join(tc.wantChains, ",") {
				t.Errorf("chains = %v, want %v", r.ProteinChains, tc.wantChains)
			}
			if _, ok := r.ChainResidues["C"]; ok {
				t.Error("short chain C should be removed")
			}
		})
	}
}

func TestClean_Fallbacks(t *testing.T) {
	c := New(DefaultOptions(), testLogger())

	missing := filepath.Join(t.TempDir(), "missing.pdb")
	if got := c.Clean(missing); got != missing {
		t.Errorf("missing file: Clean = %q, want original", got)
	}

	onlyWater := writePDB(t, []string{atomLine("HETATM", 1, "O", "HOH", "W", 1, "O")})
	if got := c.Clean(onlyWater); got != onlyWater {
		t.Errorf("all atoms removable: Clean = %q, want original", got)
	}
}

func TestAnalyze_Counts(t *testing.T) {
	lines := append(proteinChain("A", 10, 0),
		atomLine("ATOM", 50, "HA", "ALA", "A", 1, ""),
		atomLine("HETATM", 51, "O", "WAT", "A", 300, "O"),
		atomLine("HETATM", 52, "O", "WAT", "A", 301, "O"),
		atomLine("HETATM", 53, "MG", "MG", "A", 302, "MG"),
	)
	r, err := Analyze(writePDB(t, lines))
	if err != nil {
		t.Fatal(err)
	}
	if r.Water != 2 || r.Ions != 1 || r.Hydrogens != 1 || r.Protein != 10 {
		t.Errorf("report = %+v", r)
	}
	if len(r.ProteinChains) != 1 || r.ProteinChains[0] != "A" {
		t.Errorf("protein chains = %v, want [A]", r.ProteinChains)
	}
}

func TestLooksLikePDB(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"HEADER    HYDROLASE\nATOM      1  N\n", true},
		{"\n\nATOM      1  N   ALA A   1\n", true},
		{"MODEL        1\n", true},
		{"REMARK   1 generated\n", true},
		{"data_1ABC\n_entry.id 1ABC\n", false},
		{"#!/bin/sh\nrm -rf /\n", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := LooksLikePDB(strings.NewReader(tc.in)); got != tc.want {
			t.Errorf("LooksLikePDB(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestElementFromName(t *testing.T) {
	tests := map[string]string{" CA ": "C", "1HB ": "H", " HA ": "H", "N": "N", "    ": ""}
	for in, want := range tests {
		if got := elementFromName(in); got != want {
			t.Errorf("elementFromName(%q) = %q, want %q", in, got, want)
		}
	}
}
