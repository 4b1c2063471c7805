package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var checkConfigPath string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and run the backend preflight",
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkConfigPath, "config", "", "path to config file")
}

func runCheck(_ *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(checkConfigPath)
	if err != nil {
		return err
	}
	if path == "" {
		path = "(environment only)"
	}
	logger := newLogger(cfg.Logging, "text")

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	fmt.Printf("config:          %s\n", path)
	fmt.Printf("workspace:       %s\n", sc.Workspace.Root)
	fmt.Printf("storage:         %s\n", sc.Store.Driver())
	fmt.Printf("engine mode:     %s (backend %s)\n", cfg.Engine.EngineMode(), sc.Jobs.Backend())
	fmt.Printf("engine timeout:  %s\n", cfg.Engine.Timeout())
	fmt.Printf("max concurrent:  %d\n", cfg.Engine.MaxConcurrent())
	fmt.Printf("max upload:      %s\n", humanize.IBytes(uint64(cfg.Server.MaxUpload())))
	fmt.Printf("commands:        %d\n", len(sc.Registry.Commands()))
	fmt.Printf("preprocessing:   %t\n", cfg.Preprocessing.Enabled())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sc.Store.Ping(ctx); err != nil {
		return fmt.Errorf("storage check failed: %w", err)
	}
	if err := sc.Jobs.Available(ctx); err != nil {
		return fmt.Errorf("backend preflight failed: %w", err)
	}
	fmt.Println("ok")
	return nil
}
