package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/neboloop/vox/internal/agent/config"
	"github.com/neboloop/vox/internal/delivery"
)

// PendingCmd inspects the queue background runs leave their results in.
func PendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Show or clear results waiting to be announced",
	}

	open := func() (*delivery.Queue, func(), error) {
		store, err := openStore()
		if err != nil {
			return nil, nil, err
		}
		settings, err := config.LoadSettings(ServerConfig.SettingsPath())
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		return delivery.NewQueue(store, settings.PendingCap, nil), func() { store.Close() }, nil
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List waiting results without clearing them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, done, err := open()
			if err != nil {
				return err
			}
			defer done()
			entries, err := q.Peek(cmd.Context())
			if err != nil {
				return err
			}
			printEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}

	drain := &cobra.Command{
		Use:   "drain",
		Short: "Print waiting results and clear them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, done, err := open()
			if err != nil {
				return err
			}
			defer done()
			entries, err := q.Drain(cmd.Context())
			if err != nil {
				return err
			}
			printEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}

	cmd.AddCommand(list, drain)
	return cmd
}

func printEntries(w io.Writer, entries []delivery.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "Nothing pending.")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(w, "[%s] %-8s %s\n", e.CreatedAt.Local().Format("Jan 2 15:04"), e.Origin, e.Text)
	}
}
