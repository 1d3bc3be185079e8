package cli

import (
	"context"

	"github.com/spf13/cobra"

	"chainledger/internal/projection"
)

type rebuildProjectionOptions struct {
	name string
}

func newRebuildProjectionCommand(root *RootOptions) *cobra.Command {
	opts := &rebuildProjectionOptions{}

	cmd := &cobra.Command{
		Use:   "rebuild-projection",
		Short: "Reset a projection's checkpoint to replay from sequence zero",
		Long: `Marks the named projection's checkpoint Rebuilding. Whichever
process runs that projection's Runner picks this up on its next tick,
resets last_sequence to 0, and replays the entire log through the
handler idempotently. ledgerd itself runs no projection Runner.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuildProjection(cmd.Context(), root, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.name, "name", "", "projection name (required)")
	cmd.MarkFlagRequired("name")

	return cmd
}

func runRebuildProjection(ctx context.Context, root *RootOptions, opts *rebuildProjectionOptions, cmd *cobra.Command) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	runner := projection.New(c.db, c.store, c.metrics)
	if err := runner.Rebuild(ctx, opts.name); err != nil {
		return classifyStoreError(err)
	}

	return printResult(cmd, root, map[string]string{"projection": opts.name, "status": "rebuild requested"})
}
