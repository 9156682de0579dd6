package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"payment-orchestration-backend/internal/app"
	"payment-orchestration-backend/internal/middlewares"
	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/providers"
	"payment-orchestration-backend/internal/services/reconciliation"
)

var (
	reconStart     string
	reconEnd       string
	reconProviders []string
	reconFix       bool
)

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a reconciliation job in the foreground",
		Long: `Reconcile ledger rows against provider listings for a window.

The job is persisted like one submitted over the API, so its report can be
read or exported afterwards. Interrupting the command cancels the job.

Examples:
  paymentctl reconcile --start 2026-03-01 --end 2026-03-02
  paymentctl reconcile --start 2026-03-01T00:00:00Z --end 2026-03-01T12:00:00Z -p paystack,mtn_momo --fix`,
		RunE: runReconcile,
	}

	cmd.Flags().StringVar(&reconStart, "start", "", "window start (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&reconEnd, "end", "", "window end, exclusive (defaults to now)")
	cmd.Flags().StringSliceVarP(&reconProviders, "providers", "p", nil, "providers to reconcile (default all)")
	cmd.Flags().BoolVar(&reconFix, "fix", false, "apply corrections for discrepancies")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func runReconcile(cmd *cobra.Command, args []string) error {
	start, err := parseTime(reconStart)
	if err != nil {
		return err
	}
	end := time.Now().UTC()
	if reconEnd != "" {
		if end, err = parseTime(reconEnd); err != nil {
			return err
		}
	}

	return withApp(cmd.Context(), func(a *app.App) error {
		ctx := cmd.Context()
		if err := a.Runner.Start(ctx); err != nil {
			return err
		}
		defer a.Runner.Stop()

		job, err := a.Runner.Submit(ctx, reconciliation.Request{
			Window:      providers.Window{Start: start, End: end},
			Providers:   reconProviders,
			AutoFix:     reconFix,
			RequestedBy: "cli",
		})
		if err != nil {
			return err
		}
		fmt.Printf("job %s started, report %s\n", job.ID, job.ReportID)

		job, err = waitForJob(ctx, a.Runner, job.ID)
		if err != nil {
			return err
		}
		fmt.Printf("job %s %s after %d records\n", job.ID, job.Status, job.ProcessedCount)
		if job.Error != "" {
			fmt.Printf("error: %s\n", job.Error)
		}

		report, err := a.Reports.GetReport(context.WithoutCancel(ctx), job.ReportID)
		if err != nil {
			return err
		}
		printReport(report)
		if job.Status != models.JobCompleted {
			return fmt.Errorf("job ended %s", job.Status)
		}
		return nil
	})
}

func waitForJob(ctx context.Context, runner *reconciliation.Runner, id uuid.UUID) (*models.ReconciliationJob, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	cancelled := false
	for {
		job, err := runner.Status(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, err
		}
		if job.Status.Finished() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				fmt.Println("interrupted, cancelling job")
				if _, err := runner.Cancel(context.WithoutCancel(ctx), id); err != nil {
					return nil, err
				}
			}
			time.Sleep(200 * time.Millisecond)
		case <-ticker.C:
		}
	}
}

func printReport(report *models.ReconciliationReport) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tTOTAL\tRECONCILED\tMISMATCH\tMISSING LOCAL\tMISSING PROVIDER\tCORRECTED\tERRORS\tCOMPLETE")
	for _, r := range report.Results {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%t\n",
			r.Provider, r.TotalPayments, r.Reconciled, r.Mismatches, r.MissingLocal,
			r.MissingProvider, r.Corrected, r.Errors, r.Completed)
	}
	_ = w.Flush()
}

func recoverJobsCmd() *cobra.Command {
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "recover-jobs",
		Short: "Mark jobs abandoned by a dead instance as failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				n, err := a.Reports.FailStaleJobs(cmd.Context(), staleAfter)
				if err != nil {
					return err
				}
				fmt.Printf("recovered %d job(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 10*time.Minute, "heartbeat age after which a running job counts as abandoned")
	return cmd
}

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export [report-id]",
		Short: "Write a reconciliation report to an XLSX file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid report id: %w", err)
			}
			if out == "" {
				out = "reconciliation-" + strings.Split(id.String(), "-")[0] + ".xlsx"
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				report, err := a.Reports.GetReport(cmd.Context(), id)
				if err != nil {
					return err
				}
				discrepancies, err := a.Reports.ListDiscrepancies(cmd.Context(), id)
				if err != nil {
					return err
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				if err := reconciliation.WriteXLSX(f, report, discrepancies); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Printf("wrote %s (%d discrepancies)\n", out, len(discrepancies))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token [user-id]",
		Short: "Mint an access token signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			tok, err := middlewares.NewToken(secret, args[0], role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "admin", "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}
