package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codefleet/overseer/internal/models"
	"github.com/codefleet/overseer/internal/output"
	"github.com/codefleet/overseer/internal/store"
)

var (
	approvalsSession string
	approvalsLive    bool
	decidePayload    string
	decideActor      string
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List and decide approval requests",
	Long: `List approval requests and record decisions.

Running bare 'overseer approvals' is the same as 'overseer approvals list'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return approvalsListRun()
	},
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approvals",
	RunE: func(cmd *cobra.Command, args []string) error {
		return approvalsListRun()
	},
}

var approvalsDecideCmd = &cobra.Command{
	Use:   "decide <approval-id> <allow|deny>",
	Short: "Decide a live approval",
	Long: `Record a decision on a live approval.

The decision is a compare-and-swap: if the approval was already decided
or timed out by someone else, the command reports that instead of
overwriting.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return approvalsDecideRun(args[0], args[1])
	},
}

var approvalsTimeoutCmd = &cobra.Command{
	Use:   "timeout <approval-id>",
	Short: "Time out a live approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return approvalsTimeoutRun(args[0])
	},
}

func init() {
	approvalsCmd.PersistentFlags().StringVar(&approvalsSession, "session", "", "Filter by session id")
	approvalsCmd.PersistentFlags().BoolVar(&approvalsLive, "live", false, "Show only live approvals")
	approvalsDecideCmd.Flags().StringVar(&decidePayload, "payload", "", "Decision payload forwarded to the agent")
	approvalsDecideCmd.Flags().StringVar(&decideActor, "actor", "cli", "Who is deciding, for the audit trail")

	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approvalsDecideCmd)
	approvalsCmd.AddCommand(approvalsTimeoutCmd)
	rootCmd.AddCommand(approvalsCmd)
}

func approvalsListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	approvals, err := s.ListApprovals(context.Background(), store.ApprovalListFilter{
		SessionID: approvalsSession,
		LiveOnly:  approvalsLive,
	})
	if err != nil {
		return err
	}

	if len(approvals) == 0 {
		ui.Info("No approvals.")
		return nil
	}

	table := ui.Table([]string{"ID", "Session", "State", "Decided By", "Requested"})
	for _, a := range approvals {
		table.Append([]string{
			shortID(a.ID),
			shortID(a.SessionID),
			approvalState(a),
			a.DecidedBy,
			timeAgo(a.RequestedAt),
		})
	}
	table.Render()
	return nil
}

func approvalState(a *models.Approval) string {
	switch {
	case a.Live():
		return output.Yellow("live")
	case a.TimedOutAt != nil:
		return output.Red("timed_out")
	case a.Decision == models.DecisionAllow:
		return output.Green("allow")
	default:
		return output.Red("deny")
	}
}

func approvalsDecideRun(id, decisionStr string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	decision := models.Decision(decisionStr)
	if !decision.Valid() {
		return fmt.Errorf("invalid decision: %s (use allow or deny)", decisionStr)
	}

	if dryRun {
		ui.DryRunMsg("Would decide approval %s: %s", id, decision)
		return nil
	}

	a, err := s.DecideApproval(context.Background(), id, decision, decidePayload, decideActor)
	if err != nil {
		return err
	}
	if a == nil {
		ui.Warning("Approval %s was already decided or timed out", shortID(id))
		return nil
	}

	ui.Success("Approval %s decided: %s", shortID(a.ID), approvalState(a))
	return nil
}

func approvalsTimeoutRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would time out approval %s", id)
		return nil
	}

	a, err := s.TimeOutApproval(context.Background(), id)
	if err != nil {
		return err
	}
	if a == nil {
		ui.Warning("Approval %s was already decided or timed out", shortID(id))
		return nil
	}

	ui.Success("Approval %s timed out", shortID(a.ID))
	return nil
}
