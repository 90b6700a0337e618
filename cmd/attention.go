package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codefleet/overseer/internal/ledger"
	"github.com/codefleet/overseer/internal/output"
	"github.com/codefleet/overseer/internal/reconcile"
)

var attentionIdled bool

var attentionCmd = &cobra.Command{
	Use:   "attention",
	Short: "Show sessions that need a human decision",
	Long: `Show every session currently waiting on a human: structured approval
requests from agents plus prompts detected in terminal output.

Running bare 'overseer' is the same as 'overseer attention'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return attentionListRun()
	},
}

var attentionRespondCmd = &cobra.Command{
	Use:   "respond <session-id> <choice>",
	Short: "Answer a session's pending prompt",
	Long: `Answer a session's pending prompt with an option key, y/n, or free text.

Yes/no and plan-review prompts normalize the choice to a single y or n;
choice and free-form prompts forward the text as given. Approval-backed
prompts are decided in the ledger so every observer sees the resolution.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return attentionRespondRun(args[0], args[1])
	},
}

func init() {
	attentionCmd.Flags().BoolVar(&attentionIdled, "idled", false, "Show the idled partition instead")
	attentionCmd.AddCommand(attentionRespondCmd)
	rootCmd.AddCommand(attentionCmd)
}

// newLocalReconciler builds a reconciler seeded straight from the database,
// for one-shot CLI reads without a running server.
func newLocalReconciler(ctx context.Context) (*reconcile.Reconciler, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	led := ledger.New(s, nil, nil)
	rec := reconcile.New(s, led, nil)
	if _, err := rec.Seed(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

func attentionListRun() error {
	ctx := context.Background()
	rec, err := newLocalReconciler(ctx)
	if err != nil {
		return err
	}

	var items []*reconcile.AttentionItem
	if attentionIdled {
		items = rec.IdledItems()
	} else {
		items = rec.Items()
	}

	if len(items) == 0 {
		if attentionIdled {
			ui.Info("No idled attention items.")
		} else {
			ui.Success("Nothing needs attention.")
		}
		return nil
	}

	table := ui.Table([]string{"Session", "Source", "Type", "Question", "Conf"})
	for _, item := range items {
		actionType, question, conf := "", "", ""
		if item.Action != nil {
			actionType = string(item.Action.Type)
			question = truncate(strings.ReplaceAll(item.Action.Question, "\n", " "), 50)
			conf = output.ConfidenceColor(item.Action.Confidence)
		}
		table.Append([]string{
			shortID(item.SessionID),
			string(item.Source),
			actionType,
			question,
			conf,
		})
	}
	table.Render()

	fmt.Fprintln(ui.Out)
	ui.Info("Answer with: overseer attention respond <session-id> <choice>")
	return nil
}

func attentionRespondRun(sessionID, choice string) error {
	ctx := context.Background()

	s, err := getStore()
	if err != nil {
		return err
	}

	rec, err := newLocalReconciler(ctx)
	if err != nil {
		return err
	}

	item := rec.Item(sessionID)
	if item == nil {
		return fmt.Errorf("session %s has no pending attention item", sessionID)
	}

	if dryRun {
		ui.DryRunMsg("Would respond to session %s with %q", sessionID, choice)
		return nil
	}

	response, _, err := rec.Resolve(ctx, sessionID, choice, "cli")
	if err != nil {
		return err
	}
	if err := s.SetSessionResponse(ctx, sessionID, response); err != nil {
		return err
	}

	ui.Success("Sent %q to session %s", response, shortID(sessionID))
	return nil
}
