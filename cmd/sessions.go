package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/codefleet/overseer/internal/models"
	"github.com/codefleet/overseer/internal/output"
	"github.com/codefleet/overseer/internal/store"
)

var (
	sessionsHost     string
	sessionsStatus   string
	sessionsArchived bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List and manage supervised sessions",
	Long: `List supervised agent sessions across all hosts.

Running bare 'overseer sessions' is the same as 'overseer sessions list'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun()
	},
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun()
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsShowRun(args[0])
	},
}

var sessionsIdleCmd = &cobra.Command{
	Use:   "idle <session-id>",
	Short: "Silence a session until unidled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsIdleRun(args[0], false)
	},
}

var sessionsUnidleCmd = &cobra.Command{
	Use:   "unidle <session-id>",
	Short: "Clear a session's idle mark",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsIdleRun(args[0], true)
	},
}

var sessionsArchiveCmd = &cobra.Command{
	Use:   "archive <session-id>",
	Short: "Archive a session (it will not resurface)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsArchiveRun(args[0])
	},
}

func init() {
	sessionsCmd.PersistentFlags().StringVar(&sessionsHost, "host", "", "Filter by host id")
	sessionsCmd.PersistentFlags().StringVar(&sessionsStatus, "status", "", "Filter by status (e.g. RUNNING, WAITING_FOR_INPUT)")
	sessionsCmd.PersistentFlags().BoolVar(&sessionsArchived, "all", false, "Include archived sessions")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsIdleCmd)
	sessionsCmd.AddCommand(sessionsUnidleCmd)
	sessionsCmd.AddCommand(sessionsArchiveCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func sessionsListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	filter := store.SessionListFilter{
		HostID:          sessionsHost,
		IncludeArchived: sessionsArchived,
	}
	if sessionsStatus != "" {
		status := models.SessionStatus(sessionsStatus)
		if !status.Valid() {
			return fmt.Errorf("invalid status: %s", sessionsStatus)
		}
		filter.Statuses = []models.SessionStatus{status}
	}

	sessions, err := s.ListSessions(ctx, filter)
	if err != nil {
		return err
	}

	if len(sessions) == 0 {
		ui.Info("No sessions. Hosts report in via POST /api/v1/hosts/{id}/report.")
		return nil
	}

	table := ui.Table([]string{"ID", "Host", "Provider", "Title", "Status", "Last Seen"})
	for _, sess := range sessions {
		status := output.StatusColor(string(sess.Status))
		if sess.Idled() {
			status += " (idled)"
		}
		table.Append([]string{
			shortID(sess.ID),
			sess.HostID,
			sess.Provider,
			truncate(sess.Title, 40),
			status,
			timeAgo(sess.LastSeenAt),
		})
	}
	table.Render()
	return nil
}

func sessionsShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(sess.ID))
	fmt.Fprintf(ui.Out, "  Host:       %s\n", sess.HostID)
	fmt.Fprintf(ui.Out, "  Provider:   %s\n", sess.Provider)
	fmt.Fprintf(ui.Out, "  Title:      %s\n", sess.Title)
	fmt.Fprintf(ui.Out, "  CWD:        %s\n", sess.CWD)
	fmt.Fprintf(ui.Out, "  Branch:     %s\n", sess.GitBranch)
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(sess.Status)))
	if sess.LastResponse != "" {
		fmt.Fprintf(ui.Out, "  Last reply: %s\n", sess.LastResponse)
	}
	if sess.Idled() {
		fmt.Fprintf(ui.Out, "  Idled:      %s\n", sess.IdledAt.Format(time.RFC3339))
	}
	if sess.Archived() {
		fmt.Fprintf(ui.Out, "  Archived:   %s\n", sess.ArchivedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(ui.Out, "  Last seen:  %s\n", sess.LastSeenAt.Format(time.RFC3339))

	if a, err := s.PendingApproval(ctx, sess.ID); err == nil && a != nil {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "  Pending approval: %s (requested %s)\n", output.Yellow(a.ID), timeAgo(a.RequestedAt))
	}
	return nil
}

func sessionsIdleRun(id string, unidle bool) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if dryRun {
		verb := "idle"
		if unidle {
			verb = "unidle"
		}
		ui.DryRunMsg("Would %s session %s", verb, id)
		return nil
	}

	if unidle {
		if _, err := s.UnidleSession(ctx, id); err != nil {
			return err
		}
		ui.Success("Session %s unidled", shortID(id))
		return nil
	}
	if _, err := s.IdleSession(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	ui.Success("Session %s idled", shortID(id))
	return nil
}

func sessionsArchiveRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would archive session %s", id)
		return nil
	}

	if err := s.ArchiveSession(context.Background(), id); err != nil {
		return err
	}
	ui.Success("Session %s archived", shortID(id))
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
