package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/vox/internal/agent/triage"
)

// TriageCmd runs the rules against a made-up notification, in the foreground.
func TriageCmd() *cobra.Command {
	var ev triage.Event

	cmd := &cobra.Command{
		Use:   "triage",
		Short: "Try your rules against a notification",
		Long: `Evaluates the rules for a notification as if it had just arrived and prints
what happened. Actions the rule asks for are really carried out.

Examples:
  vox triage --source mail --title "Alice" --text "Dinner at 8?"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ev.PostedAt = time.Now()
			a, err := newApp(cmd.Context(), ServerConfig, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.triage.Handle(cmd.Context(), ev)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case res.Mode == triage.ModeNone:
				fmt.Fprintf(out, "No enabled rule for %q; nothing ran.\n", ev.Source)
			case res.NoMatch:
				fmt.Fprintf(out, "Checked %d rule(s) (%s); none matched.\n", len(res.Rules), res.Mode)
			default:
				fmt.Fprintf(out, "Checked %d rule(s) (%s): %s\n", len(res.Rules), res.Mode, res.Outcome.Status)
				if res.Outcome.Message != "" {
					fmt.Fprintln(out, res.Outcome.Message)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ev.Source, "source", "", "notification source, e.g. mail (required)")
	cmd.Flags().StringVar(&ev.Title, "title", "", "notification title")
	cmd.Flags().StringVar(&ev.Text, "text", "", "notification text")
	cmd.MarkFlagRequired("source")
	return cmd
}
