package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/codefleet/overseer/internal/store"
)

var (
	exportFormat string
	exportType   string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export data as JSON, CSV, or Markdown",
	Long:  "Export sessions or approvals in various formats.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return exportRun()
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "Output format: json, csv, markdown")
	exportCmd.Flags().StringVar(&exportType, "type", "sessions", "Data type: sessions, approvals")
	rootCmd.AddCommand(exportCmd)
}

func exportRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	switch exportType {
	case "sessions":
		return exportSessions(ctx, s)
	case "approvals":
		return exportApprovals(ctx, s)
	default:
		return fmt.Errorf("unknown export type: %s (use: sessions, approvals)", exportType)
	}
}

func exportSessions(ctx context.Context, s store.Store) error {
	sessions, err := s.ListSessions(ctx, store.SessionListFilter{IncludeArchived: true})
	if err != nil {
		return err
	}

	switch exportFormat {
	case "json":
		enc := json.NewEncoder(ui.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	case "csv":
		w := csv.NewWriter(ui.Out)
		w.Write([]string{"ID", "Host", "Provider", "Title", "Status", "LastSeen"})
		for _, sess := range sessions {
			w.Write([]string{sess.ID, sess.HostID, sess.Provider, sess.Title, string(sess.Status), sess.LastSeenAt.Format(time.RFC3339)})
		}
		w.Flush()
		return w.Error()
	case "markdown":
		fmt.Fprintln(ui.Out, "# Sessions")
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "| ID | Host | Provider | Title | Status |")
		fmt.Fprintln(ui.Out, "|----|------|----------|-------|--------|")
		for _, sess := range sessions {
			fmt.Fprintf(ui.Out, "| %s | %s | %s | %s | %s |\n", shortID(sess.ID), sess.HostID, sess.Provider, sess.Title, sess.Status)
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s", exportFormat)
	}
}

func exportApprovals(ctx context.Context, s store.Store) error {
	approvals, err := s.ListApprovals(ctx, store.ApprovalListFilter{})
	if err != nil {
		return err
	}

	switch exportFormat {
	case "json":
		enc := json.NewEncoder(ui.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(approvals)
	case "csv":
		w := csv.NewWriter(ui.Out)
		w.Write([]string{"ID", "SessionID", "Decision", "DecidedBy", "Requested", "Decided"})
		for _, a := range approvals {
			decided := ""
			if a.DecidedAt != nil {
				decided = a.DecidedAt.Format(time.RFC3339)
			}
			w.Write([]string{a.ID, a.SessionID, string(a.Decision), a.DecidedBy, a.RequestedAt.Format(time.RFC3339), decided})
		}
		w.Flush()
		return w.Error()
	case "markdown":
		fmt.Fprintln(ui.Out, "# Approvals")
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "| ID | Session | State | Decided By | Requested |")
		fmt.Fprintln(ui.Out, "|----|---------|-------|------------|-----------|")
		for _, a := range approvals {
			state := string(a.Decision)
			if a.Live() {
				state = "live"
			} else if a.TimedOutAt != nil {
				state = "timed_out"
			}
			fmt.Fprintf(ui.Out, "| %s | %s | %s | %s | %s |\n",
				shortID(a.ID), shortID(a.SessionID), state, a.DecidedBy, a.RequestedAt.Format(time.RFC3339))
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s", exportFormat)
	}
}
