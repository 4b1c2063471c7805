package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/pdbgate/internal/registry"
	"github.com/jkaninda/pdbgate/internal/security"
)

var (
	registryPath   string
	commandsFormat string
)

var validateCmd = &cobra.Command{
	Use:   "validate -- <token>...",
	Short: "Check an argument vector against the command registry",
	Long: `Validate an engine argument vector without running it. Tokens follow "--".

Examples:
  pdbgate validate -- --command=ProteinDesign --pdb=input.pdb --ppint
  pdbgate validate -- --help`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List the commands, argument keys and flags the engine accepts",
	RunE:  runCommands,
}

func init() {
	for _, cmd := range []*cobra.Command{validateCmd, commandsCmd} {
		cmd.Flags().StringVar(&registryPath, "registry", "", "command registry file (default built-in lists)")
	}
	commandsCmd.Flags().StringVarP(&commandsFormat, "output", "o", "text", "output format: text, json or yaml")
}

func runValidate(_ *cobra.Command, tokens []string) error {
	reg, err := loadRegistry(registryPath)
	if err != nil {
		return err
	}
	argv, err := security.NewValidator(reg).Validate(tokens)
	if err != nil {
		var verr *security.Error
		if errors.As(err, &verr) {
			return fmt.Errorf("rejected (%s): %w", verr.Kind, err)
		}
		return err
	}
	fmt.Printf("ok: %s\n", argv)
	return nil
}

// commandsListing is the machine-readable form of the registry.
type commandsListing struct {
	Commands       []string `json:"commands" yaml:"commands"`
	ArgumentKeys   []string `json:"argument_keys" yaml:"argument_keys"`
	Flags          []string `json:"flags" yaml:"flags"`
	PathArguments  []string `json:"path_arguments" yaml:"path_arguments"`
	InputExtension string   `json:"input_extension" yaml:"input_extension"`
}

func listing(reg *registry.Registry) commandsListing {
	l := commandsListing{
		ArgumentKeys:   reg.ArgumentKeys(),
		Flags:          reg.Flags(),
		InputExtension: reg.Extension(),
	}
	for _, c := range reg.Commands() {
		l.Commands = append(l.Commands, c.Name)
	}
	for _, k := range l.ArgumentKeys {
		if reg.IsPathArgument(k) {
			l.PathArguments = append(l.PathArguments, k)
		}
	}
	return l
}

func runCommands(_ *cobra.Command, _ []string) error {
	reg, err := loadRegistry(registryPath)
	if err != nil {
		return err
	}
	l := listing(reg)

	switch commandsFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(l)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(l)
	case "text":
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "COMMANDS (%d)\t%s\n", len(l.Commands), strings.Join(l.Commands, ", "))
		fmt.Fprintf(w, "ARGUMENTS (%d)\t%s\n", len(l.ArgumentKeys), strings.Join(l.ArgumentKeys, ", "))
		fmt.Fprintf(w, "FLAGS (%d)\t%s\n", len(l.Flags), strings.Join(l.Flags, ", "))
		fmt.Fprintf(w, "PATH ARGUMENTS\t%s\n", strings.Join(l.PathArguments, ", "))
		fmt.Fprintf(w, "INPUT EXTENSION\t%s\n", l.InputExtension)
		return w.Flush()
	default:
		return fmt.Errorf("unknown output format %q (use text, json or yaml)", commandsFormat)
	}
}
