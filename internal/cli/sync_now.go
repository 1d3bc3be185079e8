package cli

import (
	"context"

	"github.com/spf13/cobra"

	"chainledger/internal/replication"
	"chainledger/internal/replicationhttp"
)

type syncNowOptions struct {
	peerID string
}

func newSyncNowCommand(root *RootOptions) *cobra.Command {
	opts := &syncNowOptions{}

	cmd := &cobra.Command{
		Use:   "sync-now",
		Short: "Trigger one replication round against a configured peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSyncNow(cmd.Context(), root, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.peerID, "peer", "", "peer id, as configured in PEER_ADDRS (required)")
	cmd.MarkFlagRequired("peer")

	return cmd
}

func runSyncNow(ctx context.Context, root *RootOptions, opts *syncNowOptions, cmd *cobra.Command) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	var target *replication.Peer
	for _, p := range c.cfg.Peers {
		if p.ID == opts.peerID {
			peer := p
			target = &peer
			break
		}
	}
	if target == nil {
		return NewExitError(ExitConfigError, "unknown peer: "+opts.peerID+" (check PEER_ADDRS)")
	}

	repl := replication.New(c.cfg.Replicator, c.db, c.store, replicationhttp.NewClient(), c.metrics)
	if err := repl.Restore(ctx); err != nil {
		return classifyStoreError(err)
	}
	repl.AddPeer(*target)

	if err := repl.SyncWith(ctx, target.ID); err != nil {
		return classifyStoreError(err)
	}

	return printResult(cmd, root, map[string]string{"peer": target.ID, "status": "sync round completed"})
}
