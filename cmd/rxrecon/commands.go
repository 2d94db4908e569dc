package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrecon/internal/batch"
	"github.com/drfirst/go-rxrecon/internal/rxnorm"
)

func runCmd(opts *options) *cobra.Command {
	var (
		input, output, errorsPath string
		encoding, reportID, group string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile a report CSV",
		Long: `Reads a report CSV with "escript ndc", "escript prescribed item",
"dispensed ndc" and "dispensed item" columns and writes the reconciled rows.
Lookup and reconciliation errors are written one per line to the error file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := setup(ctx, opts)
			if err != nil {
				return err
			}
			defer svc.Close()
			defer svc.Logger.Sync()

			f, err := os.Open(input)
			if err != nil {
				return err
			}
			rows, err := batch.ReadRows(f, encoding)
			f.Close()
			if err != nil {
				return fmt.Errorf("read %s: %w", input, err)
			}

			if reportID == "" {
				reportID = strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
				if reportID == "" {
					reportID = uuid.NewString()
				}
			}
			report := batch.Report{ID: reportID, DataAccessGroup: group, Rows: rows}

			result, err := svc.Orchestrator.Run(ctx, report, svc.Cache)
			if err != nil {
				return err
			}

			if output == "" {
				output = strings.TrimSuffix(input, filepath.Ext(input)) + "_reconciled.csv"
			}
			if err := writeFile(output, func(w io.Writer) error { return batch.WriteRows(w, result.Rows) }); err != nil {
				return err
			}
			if errorsPath != "" {
				if err := writeFile(errorsPath, func(w io.Writer) error { return batch.WriteErrors(w, result) }); err != nil {
					return err
				}
			}

			svc.Logger.Info("report reconciled",
				zap.String("report_id", report.ID),
				zap.String("output", output),
				zap.Int("total", result.Total),
				zap.Int("processed", result.Processed),
				zap.Int("excluded", result.Excluded))
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows, %d reconciled, %d excluded, %d lookup errors, %d reconcile errors\n",
				report.ID, result.Total, result.Processed, result.Excluded,
				len(result.LookupErrors), len(result.ReconcileErrors))
			if result.StoreError != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: concept store: %s\n", result.StoreError)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&input, "input", "i", "", "report CSV to reconcile")
	f.StringVarP(&output, "output", "o", "", `output CSV ("-" for stdout; default <input>_reconciled.csv)`)
	f.StringVar(&errorsPath, "errors", "", "file receiving lookup and reconciliation errors")
	f.StringVar(&encoding, "encoding", batch.EncodingUTF8, "input encoding (utf-8 or latin1)")
	f.StringVar(&reportID, "report-id", "", "report id (default: input file name)")
	f.StringVar(&group, "group", "", "data access group")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func lookupCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Resolve an NDC or RxCUI",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ndc <ndc>",
		Short: "Map an NDC to its RxCUI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := setup(ctx, opts)
			if err != nil {
				return err
			}
			defer svc.Close()

			ndc := rxnorm.NormalizeNDC(args[0])
			rxcui, err := svc.Orchestrator.ResolveNDC(ctx, ndc, svc.Cache)
			if err != nil {
				return err
			}
			outcome := "resolved"
			if rxcui == "" {
				outcome = "not_found"
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"ndc":     ndc,
				"rxcui":   rxcui,
				"outcome": outcome,
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rxcui <rxcui>",
		Short: "Show the canonical concept of an RxCUI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := setup(ctx, opts)
			if err != nil {
				return err
			}
			defer svc.Close()

			c, err := svc.Orchestrator.Concept(ctx, strings.TrimSpace(args[0]), svc.Cache)
			if err != nil {
				return err
			}
			if c == nil {
				return fmt.Errorf("rxcui %s has no active concept", args[0])
			}
			return printJSON(cmd.OutOrStdout(), c)
		},
	})
	return cmd
}

func reconcileCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <escript-ndc> [dispensed-ndc]",
		Short: "Reconcile one prescribed and dispensed NDC pair",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := setup(ctx, opts)
			if err != nil {
				return err
			}
			defer svc.Close()

			var dispensed string
			if len(args) == 2 {
				dispensed = args[1]
			}
			result, err := svc.Orchestrator.Reconcile(ctx, args[0], dispensed, svc.Cache)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func writeFile(path string, write func(io.Writer) error) error {
	if path == "-" {
		return write(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
