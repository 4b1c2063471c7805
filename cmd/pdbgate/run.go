package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jkaninda/pdbgate/internal/archive"
	"github.com/jkaninda/pdbgate/internal/jobs"
	"github.com/jkaninda/pdbgate/internal/security"
	"github.com/jkaninda/pdbgate/internal/workspace"
)

var (
	runConfigPath string
	runArgs       []string
	runFlags      []string
	runFile       string
	runFileArg    string
	runOutput     string
	runKeep       bool
)

var runCmd = &cobra.Command{
	Use:   "run <command>",
	Short: "Run one engine command locally and print its output",
	Long: `Run one engine command through the same validation and execution path as
the HTTP API. The structure file, if any, is copied into a fresh job
directory first.

Examples:
  pdbgate run ProteinDesign --file 1abc.pdb --flag ppint --flag interface_only
  pdbgate run Stability --file 1abc.pdb --arg temperature=310 -o results.tar.zst
  pdbgate run help`,
	Args: cobra.ExactArgs(1),
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "path to config file")
	runCmd.Flags().StringArrayVar(&runArgs, "arg", nil, "engine argument as key=value (repeatable)")
	runCmd.Flags().StringArrayVar(&runFlags, "flag", nil, "engine flag name without dashes (repeatable)")
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "input structure file")
	runCmd.Flags().StringVar(&runFileArg, "file-arg", "pdb", "argument key the input structure is bound to")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "write the job directory to this .tar.zst archive")
	runCmd.Flags().BoolVar(&runKeep, "keep", false, "keep the job directory after the run")
}

func runOnce(_ *cobra.Command, cliArgs []string) error {
	cfg, _, err := loadConfig(runConfigPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, "text")

	args, err := parseAssignments(runArgs)
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobDir, err := sc.Workspace.CreateJobDir()
	if err != nil {
		return err
	}
	jobID := workspace.JobID(jobDir)
	if !runKeep {
		defer func() {
			if err := sc.Workspace.Destroy(jobDir); err != nil {
				logger.Warn("failed to remove job directory", slog.String("path", jobDir), slog.String("error", err.Error()))
			}
		}()
	}

	name := cliArgs[0]
	if strings.EqualFold(name, "help") {
		result, err := sc.Jobs.Help(ctx, jobDir)
		if err != nil {
			return err
		}
		fmt.Print(result.Stdout)
		fmt.Fprint(os.Stderr, result.Stderr)
		return nil
	}

	if runFile != "" {
		dst, err := stageInput(sc.Validator, runFile, jobDir)
		if err != nil {
			return err
		}
		args[runFileArg] = dst
	}

	res, err := sc.Jobs.Run(ctx, jobs.Request{
		JobID:     jobID,
		Command:   name,
		Arguments: args,
		Flags:     runFlags,
		WorkDir:   jobDir,
	})
	if err != nil {
		var verr *security.Error
		if errors.As(err, &verr) {
			return fmt.Errorf("rejected (%s): %w", verr.Kind, err)
		}
		return err
	}

	execution := res.Execution
	fmt.Print(execution.Stdout)
	fmt.Fprint(os.Stderr, execution.Stderr)

	if runOutput != "" {
		info, err := archive.Create(jobDir, runOutput)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %s (%d files, %s)\n", info.Path, info.Files, humanize.IBytes(uint64(info.Size)))
	}
	if runKeep {
		fmt.Fprintf(os.Stderr, "job directory kept at %s\n", jobDir)
	}

	fmt.Fprintf(os.Stderr, "job %s %s in %s (exit code %d)\n", res.JobID, res.Status, execution.Elapsed.Round(time.Millisecond), execution.ExitCode)
	if !execution.Success {
		return fmt.Errorf("%s failed: %s", name, execution.ErrorSummary())
	}
	return nil
}

// stageInput copies a local structure file into the job directory under a
// sanitised name and returns its new path.
func stageInput(v *security.Validator, src, jobDir string) (string, error) {
	ext := v.Registry().Extension()
	if !strings.EqualFold(filepath.Ext(src), ext) {
		return "", fmt.Errorf("input file must have a %s extension", ext)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("opening input: %w", err)
	}
	defer in.Close()

	name, err := v.SanitizeFilename(filepath.Base(src))
	if err != nil {
		return "", err
	}
	dst := filepath.Join(jobDir, name)
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		return "", fmt.Errorf("staging input: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", fmt.Errorf("staging input: %w", err)
	}
	return dst, out.Close()
}

// parseAssignments turns key=value pairs into an argument map. A repeated
// key keeps its last value.
func parseAssignments(pairs []string) (map[string]string, error) {
	args := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimPrefix(k, "--")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid argument %q: want key=value", p)
		}
		args[k] = v
	}
	return args, nil
}
