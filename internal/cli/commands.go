package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/ledger-runtime/internal/app"
	"github.com/ChuLiYu/ledger-runtime/internal/orchestrator"
	"github.com/ChuLiYu/ledger-runtime/internal/quota"
	"github.com/ChuLiYu/ledger-runtime/pkg/types"
)

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Boot the runtime, print every service state and the aggregate status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Orchestrator.WaitDeferred(ctx); err != nil {
					return err
				}
				rt.Orchestrator.CheckHealth(ctx)
				report := rt.Orchestrator.Report()
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				printReport(cmd.OutOrStdout(), report, rt)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func printReport(w io.Writer, report orchestrator.Report, rt *app.Runtime) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║              Ledger Runtime Status                        ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintf(w, "System: %s (boot %s)\n\n", strings.ToUpper(string(report.Status)), report.BootDuration.Round(time.Millisecond))

	fmt.Fprintln(w, "Services:")
	for i, s := range report.Services {
		branch := "├─"
		if i == len(report.Services)-1 {
			branch = "└─"
		}
		tags := ""
		if s.Critical {
			tags += " [critical]"
		}
		if s.Deferred {
			tags += " [deferred]"
		}
		fmt.Fprintf(w, "  %s %-16s %-12s health=%-9s attempts=%d%s\n", branch, s.Name, s.Status, s.Health, s.Attempts, tags)
		if s.LastError != "" {
			fmt.Fprintf(w, "  │    └─ %s\n", s.LastError)
		}
	}
	fmt.Fprintln(w)

	counts := rt.Store.Counts()
	fmt.Fprintln(w, "Data:")
	for _, c := range types.AllCollections {
		fmt.Fprintf(w, "  └─ %-22s %s\n", c, humanize.Comma(int64(counts[c])))
	}
	fmt.Fprintf(w, "  └─ %-22s %s\n", "storage", rt.Quota.Last())
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Recommendations:")
	for _, r := range report.Recommendations {
		fmt.Fprintf(w, "  - %s\n", r)
	}
}

// ============================================================================
// integrity
// ============================================================================

func buildIntegrityCommand() *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "integrity",
		Short: "Check referential integrity of the stored records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				w := cmd.OutOrStdout()
				report := rt.Store.CheckIntegrity()
				fmt.Fprintf(w, "Orphaned transactions: %d\n", len(report.OrphanedTransactions))
				fmt.Fprintf(w, "Orphaned file refs:    %d\n", len(report.OrphanedFileRefs))
				fmt.Fprintf(w, "Orphaned assignments:  %d\n", len(report.OrphanedAssignments))
				if report.OK() {
					fmt.Fprintln(w, "No integrity problems found.")
					return nil
				}
				if !repair {
					fmt.Fprintln(w, "Run with --repair to fix.")
					return nil
				}
				res, err := rt.Store.RepairIntegrity(ctx)
				if err != nil {
					return fmt.Errorf("repair failed: %w", err)
				}
				fmt.Fprintf(w, "Repaired: %d transactions deleted, %d file refs cleared, %d assignments deleted\n",
					res.TransactionsDeleted, res.FileRefsCleared, res.AssignmentsDeleted)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "delete orphaned records and clear dangling references")
	return cmd
}

// ============================================================================
// export / import
// ============================================================================

func buildExportCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every collection to a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Store.ExportFile(output); err != nil {
					return fmt.Errorf("export failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %s records to %s\n", humanize.Comma(int64(total(rt.Store.Counts()))), output)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file")
	cmd.MarkFlagRequired("output")
	return cmd
}

func buildImportCommand() *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace every collection with the content of an export file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Store.ImportFile(ctx, input); err != nil {
					return fmt.Errorf("import failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %s records from %s\n", humanize.Comma(int64(total(rt.Store.Counts()))), input)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&input, "file", "f", "", "export file to import")
	cmd.MarkFlagRequired("file")
	return cmd
}

func total(counts map[types.Collection]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}

// ============================================================================
// quota
// ============================================================================

func buildQuotaCommand() *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Show storage usage and optionally run a cleanup",
		RunE: func(cmd *cobra.Command, args []string) error {
			var lvl quota.Level
			if level != "" {
				var err error
				if lvl, err = quota.ParseLevel(level); err != nil {
					return err
				}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				w := cmd.OutOrStdout()
				info, err := rt.Quota.Measure()
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "Storage: %s\n", info)
				if next := quota.LevelFor(info.Utilization); next != quota.LevelNone {
					fmt.Fprintf(w, "Pressure level: %s\n", next)
				}
				if lvl == quota.LevelNone {
					return nil
				}

				rec, err := rt.Quota.RunCleanup(ctx, lvl)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "Cleanup (%s) freed %s:\n", lvl, humanize.IBytes(uint64(rec.TotalFreed)))
				for _, s := range rec.Strategies {
					line := fmt.Sprintf("  └─ %-28s %s", s.Name, humanize.IBytes(uint64(s.Freed)))
					if s.Error != "" {
						line += " (error: " + s.Error + ")"
					}
					fmt.Fprintln(w, line)
				}
				fmt.Fprintf(w, "Storage: %s\n", rec.After)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&level, "cleanup", "", "run a cleanup: gentle, moderate or aggressive")
	return cmd
}

// ============================================================================
// snapshots
// ============================================================================

func buildSnapshotsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List or restore data snapshots",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List retained snapshots, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				w := cmd.OutOrStdout()
				snaps := rt.Store.Snapshots()
				if len(snaps) == 0 {
					fmt.Fprintln(w, "No snapshots.")
					return nil
				}
				for _, s := range snaps {
					persisted := ""
					if !s.Persisted {
						persisted = " (memory only)"
					}
					fmt.Fprintf(w, "%s  #%d  %s  %-20s %s records%s\n",
						s.ID, s.Seq, humanize.Time(s.CreatedAt), s.Reason, humanize.Comma(int64(s.Records)), persisted)
				}
				return nil
			})
		},
	}

	restore := &cobra.Command{
		Use:   "restore ID",
		Short: "Replace every collection with a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Store.RestoreSnapshot(ctx, args[0]); err != nil {
					return fmt.Errorf("restore failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Restored snapshot %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, restore)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
