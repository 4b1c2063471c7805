package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/pdbgate/internal/config"
	"github.com/jkaninda/pdbgate/internal/registry"
	"github.com/jkaninda/pdbgate/internal/security"
)

func TestParseAssignments(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    map[string]string
		wantErr bool
	}{
		{"empty", nil, map[string]string{}, false},
		{"pairs", []string{"temperature=310", "--ph=7"}, map[string]string{"temperature": "310", "ph": "7"}, false},
		{"value with equals", []string{"mutant_file=a=b"}, map[string]string{"mutant_file": "a=b"}, false},
		{"last wins", []string{"ph=6", "ph=8"}, map[string]string{"ph": "8"}, false},
		{"missing equals", []string{"ppint"}, nil, true},
		{"empty key", []string{"=1"}, nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseAssignments(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if tc.wantErr {
				return
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for k, v := range tc.want {
				if got[k] != v {
					t.Errorf("%s = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestStageInput(t *testing.T) {
	v := security.NewValidator(registry.Default())
	src := filepath.Join(t.TempDir(), "my protein.pdb")
	if err := os.WriteFile(src, []byte("ATOM\n"), 0600); err != nil {
		t.Fatal(err)
	}
	jobDir := t.TempDir()

	dst, err := stageInput(v, src, jobDir)
	if err != nil {
		t.Fatalf("stageInput: %v", err)
	}
	if dst != filepath.Join(jobDir, "my_protein.pdb") {
		t.Errorf("dst = %q", dst)
	}
	if data, _ := os.ReadFile(dst); string(data) != "ATOM\n" {
		t.Errorf("content = %q", data)
	}

	if _, err := stageInput(v, src, jobDir); err == nil {
		t.Error("expected error when the staged file already exists")
	}

	cif := filepath.Join(t.TempDir(), "x.cif")
	if err := os.WriteFile(cif, []byte("data_x\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := stageInput(v, cif, jobDir); err == nil || !strings.Contains(err.Error(), ".pdb") {
		t.Errorf("err = %v, want extension error", err)
	}
}

func TestPreprocessOptions(t *testing.T) {
	opts := preprocessOptions(config.PreprocessingConfig{KeepWater: true, KeepLongestChainOnly: true})
	if opts.RemoveWater || !opts.RemoveIons || !opts.RemoveLigands || !opts.RemoveHydrogens || !opts.RemoveNonStandard {
		t.Errorf("removals = %+v", opts)
	}
	if opts.KeepAllChains {
		t.Error("KeepLongestChainOnly should disable KeepAllChains")
	}
}

func TestListing(t *testing.T) {
	l := listing(registry.Default())
	if len(l.Commands) != 35 {
		t.Errorf("commands = %d, want 35", len(l.Commands))
	}
	if strings.Join(l.PathArguments, ",") != "pdb,pdb2" {
		t.Errorf("path arguments = %v", l.PathArguments)
	}
	if l.InputExtension != ".pdb" {
		t.Errorf("extension = %q", l.InputExtension)
	}
}

func TestLogLevel(t *testing.T) {
	for in, want := range map[string]string{"debug": "DEBUG", "WARN": "WARN", "error": "ERROR", "": "INFO", "info": "INFO"} {
		if got := logLevel(in).String(); got != want {
			t.Errorf("logLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
