// pdbgate is a constrained command-execution gateway for a protein-design engine.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pdbgate",
	Short: "pdbgate: constrained execution gateway for a protein-design engine.",
	Long: `pdbgate accepts job requests (a command name, key/value arguments, flags and
an optional structure file), validates them against an allow-list of engine
commands, and runs the engine locally or inside an ephemeral container.
No request ever reaches a shell.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, validateCmd, commandsCmd, checkCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
