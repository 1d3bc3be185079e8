// Package cli implements ledgerctl, the operator surface for the
// ledger daemon (spec §6): append events, query the log, verify chain
// integrity, force a snapshot, rebuild a projection, or trigger a
// replication sync round against a peer.
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds flags shared by every subcommand.
type RootOptions struct {
	Format string // "text" | "json"
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate a chainledger replica",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitConfigError, "invalid --format: must be text or json")
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(
		newAppendCommand(opts),
		newQueryCommand(opts),
		newVerifyChainCommand(opts),
		newSnapshotNowCommand(opts),
		newRebuildProjectionCommand(opts),
		newSyncNowCommand(opts),
	)

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
