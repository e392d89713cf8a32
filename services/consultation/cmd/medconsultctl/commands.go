package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"medconsult/pkg/domain"
	"medconsult/services/consultation/internal/app"
	"medconsult/services/consultation/internal/config"
)

type opener func(ctx context.Context, configPath string) (*app.App, func(), error)

func newRootCmd(open opener) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "medconsultctl",
		Short:         "Operate the consultation service",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.ConfigPath, "path to the consultation config file")

	withApp := func(run func(cmd *cobra.Command, core *app.App, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			core, closeFn, err := open(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer closeFn()
			return run(cmd, core, args)
		}
	}

	root.AddCommand(outboxCmd(withApp))
	root.AddCommand(verifyCmd(withApp))
	root.AddCommand(slotsCmd(withApp))
	return root
}

type appRunner func(run func(cmd *cobra.Command, core *app.App, args []string) error) func(*cobra.Command, []string) error

func outboxCmd(withApp appRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and retry pending ledger writes",
	}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List outbox rows in a status",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, core *app.App, _ []string) error {
			st := domain.OutboxStatus(status)
			switch st {
			case domain.OutboxPending, domain.OutboxDone, domain.OutboxRejected, domain.OutboxFailed:
			default:
				return fmt.Errorf("unknown status %q", status)
			}
			entries, err := core.ListOutbox(cmd.Context(), st, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CONSULTATION\tSTATUS\tATTEMPTS\tUPDATED\tLAST ERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", e.ConsultationID, e.Status, e.Attempts, e.UpdatedAt.UTC().Format(time.RFC3339), e.LastError)
			}
			return w.Flush()
		}),
	}
	list.Flags().StringVar(&status, "status", string(domain.OutboxFailed), "pending, done, rejected or failed")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows to print")

	retry := &cobra.Command{
		Use:   "retry <consultation-id>",
		Short: "Requeue a failed ledger write with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, core *app.App, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			entry, err := core.RetryOutbox(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "consultation %d requeued (%s)\n", entry.ConsultationID, entry.Status)
			return nil
		}),
	}

	cmd.AddCommand(list, retry)
	return cmd
}

func verifyCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <consultation-id>",
		Short: "Compare a consultation's diagnosis with its ledger record",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, core *app.App, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			result, err := core.VerifyConsultation(cmd.Context(), id)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if !result.Valid {
				return fmt.Errorf("consultation %d does not match the ledger (%s)", id, result.Mismatch)
			}
			return nil
		}),
	}
}

func slotsCmd(withApp appRunner) *cobra.Command {
	var doctorID int64
	var date string
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "List a doctor's booked slots on a day",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, core *app.App, _ []string) error {
			day, err := time.ParseInLocation(time.DateOnly, date, time.UTC)
			if err != nil {
				return fmt.Errorf("invalid --date %q: want YYYY-MM-DD", date)
			}
			slots, err := core.UnavailableSlots(cmd.Context(), doctorID, day)
			if err != nil {
				return err
			}
			for _, s := range slots {
				fmt.Fprintln(cmd.OutOrStdout(), s.Format(time.RFC3339))
			}
			return nil
		}),
	}
	cmd.Flags().Int64Var(&doctorID, "doctor", 0, "doctor id (default doctor when zero)")
	cmd.Flags().StringVar(&date, "date", time.Now().UTC().Format(time.DateOnly), "UTC day, YYYY-MM-DD")
	return cmd
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid consultation id %q", raw)
	}
	return id, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
