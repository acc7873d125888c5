package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/neboloop/vox/internal/agent/triage"
	"github.com/neboloop/vox/internal/db"
)

func openStore() (*db.Store, error) {
	if err := ServerConfig.EnsureDataDir(); err != nil {
		return nil, err
	}
	return db.NewSQLite(ServerConfig.DBPath())
}

// withRules opens the rule store for one command.
func withRules(fn func(ctx context.Context, rules *triage.Store) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(cmd.Context(), triage.NewStore(store))
	}
}

// RulesCmd manages notification rules.
func RulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage notification rules",
		Long: `Rules tell vox what to do when a notification arrives from a source. Rules are
evaluated in order and at most one runs per notification.

Examples:
  vox rules add --source mail --instruction "Summarise it for me"
  vox rules add --source chat --when "it is from my boss" --instruction "Reply that I'm driving"
  vox rules disable 3f2a...
  vox rules order <id> <id>`,
	}

	var rule triage.Rule
	var disabled bool
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a rule at the end of the order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rule.Enabled = !disabled
			return withRules(func(ctx context.Context, rules *triage.Store) error {
				created, err := rules.Create(ctx, rule)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added rule %s\n", created.ID)
				return nil
			})(cmd, args)
		},
	}
	add.Flags().StringVar(&rule.Source, "source", "", "notification source, e.g. mail (required)")
	add.Flags().StringVar(&rule.Instruction, "instruction", "", "what to do (required)")
	add.Flags().StringVar(&rule.Condition, "when", "", "only when this holds; empty means always")
	add.Flags().StringVar(&rule.Label, "label", "", "short name for listings")
	add.Flags().BoolVar(&disabled, "disabled", false, "create the rule switched off")
	add.MarkFlagRequired("source")
	add.MarkFlagRequired("instruction")

	list := &cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRules(func(ctx context.Context, rules *triage.Store) error {
				all, err := rules.List(ctx)
				if err != nil {
					return err
				}
				printRules(cmd.OutOrStdout(), all)
				return nil
			})(cmd, args)
		},
	}

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRules(func(ctx context.Context, rules *triage.Store) error {
				return rules.Delete(ctx, args[0])
			})(cmd, args)
		},
	}

	toggle := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: strings.ToUpper(use[:1]) + use[1:] + " a rule",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRules(func(ctx context.Context, rules *triage.Store) error {
					return rules.SetEnabled(ctx, args[0], enabled)
				})(cmd, args)
			},
		}
	}

	order := &cobra.Command{
		Use:   "order <id>...",
		Short: "Move the named rules to the front, in the given order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRules(func(ctx context.Context, rules *triage.Store) error {
				return rules.Reorder(ctx, args)
			})(cmd, args)
		},
	}

	sources := &cobra.Command{
		Use:   "sources",
		Short: "List sources with at least one enabled rule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRules(func(ctx context.Context, rules *triage.Store) error {
				srcs, err := rules.ActiveSources(ctx)
				if err != nil {
					return err
				}
				for _, s := range srcs {
					fmt.Fprintln(cmd.OutOrStdout(), s)
				}
				return nil
			})(cmd, args)
		},
	}

	cmd.AddCommand(add, list, rm, toggle("enable", true), toggle("disable", false), order, sources)
	return cmd
}

func printRules(w io.Writer, rules []triage.Rule) {
	if len(rules) == 0 {
		fmt.Fprintln(w, "No rules.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tID\tSOURCE\tON\tWHEN\tDO")
	for _, r := range rules {
		when := r.Condition
		if when == "" {
			when = "always"
		}
		on := "yes"
		if !r.Enabled {
			on = "no"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", r.Position, r.ID, r.Source, on, when, r.Instruction)
	}
	tw.Flush()
}
