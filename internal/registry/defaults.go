package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Built-in allow-lists, taken from the engine's option table.
var (
	defaultCommands = []string{
		"ComputeBinding", "ComputeEvolutionScore", "ComputeResEnergy",
		"ComputeRotEnergy", "ComputeStability", "ComputeResPairEnergy",
		"ProteinDesign", "AddPolarHydrogen", "BuildMutant", "CalcPhiPsi",
		"CalcResMinRMSD", "CheckClash0", "CheckClash1", "CheckClash2",
		"CheckResInRotLib", "CompareProtSideChain", "FindCoreRes",
		"FindIntermediateRes", "FindInterfaceRes", "FindSurfaceRes",
		"Minimize", "OptimizeHydrogen", "RepairStructure",
		"ShowResComposition", "PredPhiPsi", "PredSS", "PredSA",
		"CalcResBfactor", "OptimizeWeight", "MakeLigParamAndTopo",
		"MakeLigPoses", "AnalyzeLigPoses", "ScreenLigPoses",
		"WriteFirstLigConfAsMol2", "SelectResWithin",
	}

	defaultArguments = []string{
		"pdb", "prefix", "wbind", "seq", "resfile", "resi", "resi_pair",
		"excl_resi", "rotlib", "design_chains", "ntraj", "mutant_file",
		"pdb2", "ncut_cb_core", "ppi_shell1", "ppi_shell2", "ncut_cb_surf",
		"wprof", "lig_param", "lig_topo", "init_3atoms", "lig_placing",
		"read_lig_poses", "scrn_by_orien", "scrn_by_vdw_pctl", "scrn_by_rmsd",
		"mol2", "within_residues", "within_range",
	}

	defaultFlags = []string{
		"physics", "monomer", "evolution", "evo_all_terms", "seed_from_nat_seq",
		"ppint", "interface_only", "excl_cys_rots", "no_hydrogen",
		"wildtype_only", "debug", "keep_water", "dry_run", "enzyme", "protlig",
	}

	defaultPathArguments = []string{"pdb", "pdb2"}
)

// DefaultSpec returns the built-in registry specification.
func DefaultSpec() Spec {
	cmds := make([]CommandDescriptor, len(defaultCommands))
	for i, name := range defaultCommands {
		cmds[i] = CommandDescriptor{Name: name}
	}
	return Spec{
		Extension:     DefaultExtension,
		Commands:      cmds,
		Arguments:     append([]string(nil), defaultArguments...),
		Flags:         append([]string(nil), defaultFlags...),
		PathArguments: append([]string(nil), defaultPathArguments...),
	}
}

// Default returns the built-in registry. It panics only if the built-in
// tables are inconsistent, which is a programming error.
func Default() *Registry {
	r, err := New(DefaultSpec())
	if err != nil {
		panic(fmt.Sprintf("registry: built-in allow-lists are inconsistent: %v", err))
	}
	return r
}

// Load reads a JSON or YAML registry file. The format is detected by file
// extension: .yml/.yaml for YAML, everything else for JSON.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry %s: %w", path, err)
	}

	var spec Spec
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("parsing YAML registry %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("parsing JSON registry %s: %w", path, err)
		}
	}

	r, err := New(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid registry %s: %w", path, err)
	}
	return r, nil
}

// LoadOrDefault loads the registry at path, or returns Default when path is empty.
func LoadOrDefault(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}
