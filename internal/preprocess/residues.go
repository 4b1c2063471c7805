package preprocess

// Residue classes used by the cleaner. These are chemistry rules and stay
// out of the security package's injection patterns.
var (
	standardAminoAcids = set(
		"ALA", "ARG", "ASN", "ASP", "CYS", "GLN", "GLU", "GLY", "HIS", "ILE",
		"LEU", "LYS", "MET", "PHE", "PRO", "SER", "THR", "TRP", "TYR", "VAL",
	)

	waterResidues = set("HOH", "WAT", "H2O", "TIP", "SOL")

	ionResidues = set(
		"NA", "CL", "K", "MG", "CA", "ZN", "FE", "MN", "CU", "NI",
		"SO4", "PO4", "NO3", "CO3", "HCO3", "ACE", "NH4",
	)

	ligandResidues = set(
		"ATP", "ADP", "AMP", "GTP", "GDP", "GMP", "NAD", "NADH",
		"FAD", "FMN", "COA", "HEM", "HEME", "PLP", "B12",
	)
)

// minProteinChainResidues is the standard-residue count from which a chain
// is treated as a protein chain.
const minProteinChainResidues = 10

type residueClass int

const (
	classProtein residueClass = iota
	classWater
	classIon
	classLigand
	classNonStandard
)

func classify(resName string) residueClass {
	switch {
	case has(waterResidues, resName):
		return classWater
	case has(ionResidues, resName):
		return classIon
	case has(ligandResidues, resName):
		return classLigand
	case has(standardAminoAcids, resName):
		return classProtein
	default:
		return classNonStandard
	}
}

func set(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

func has(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}
