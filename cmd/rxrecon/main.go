// Package main provides the rxrecon command line tool: batch reconciliation
// of report CSV files and single NDC or RxCUI lookups.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrecon/internal/app"
	"github.com/drfirst/go-rxrecon/internal/config"
)

// options are the global flags
type options struct {
	logLevel     string
	conceptStore string
	conceptFile  string
	rxnavURL     string
	workers      int
}

func main() {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "rxrecon",
		Short:         "RxNorm concept resolution and prescription reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.conceptStore, "concept-store", "", "concept store backend (none, file, postgres, redis)")
	flags.StringVar(&opts.conceptFile, "concept-file", "", "concept details CSV for the file store")
	flags.StringVar(&opts.rxnavURL, "rxnav-url", "", "RxNav REST base URL")
	flags.IntVar(&opts.workers, "workers", 0, "concurrent rows per report")

	rootCmd.AddCommand(runCmd(opts))
	rootCmd.AddCommand(lookupCmd(opts))
	rootCmd.AddCommand(reconcileCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads configuration, applies flag overrides and builds the services
func setup(ctx context.Context, opts *options) (*app.Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	} else if cfg.LogLevel == "info" {
		cfg.LogLevel = "warn"
	}
	if opts.conceptStore != "" {
		cfg.ConceptStore = opts.conceptStore
	}
	if opts.conceptFile != "" {
		cfg.ConceptFile = opts.conceptFile
	}
	if opts.rxnavURL != "" {
		cfg.RxNavBaseURL = opts.rxnavURL
	}
	if opts.workers > 0 {
		cfg.BatchWorkers = opts.workers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	svc, err := app.Build(ctx, cfg, prometheus.NewRegistry(), logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	logger.Debug("services ready", zap.String("concept_store", cfg.ConceptStore))
	return svc, nil
}
