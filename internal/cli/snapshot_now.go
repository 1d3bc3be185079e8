package cli

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"chainledger/internal/ledger"
	"chainledger/internal/rehydrate"
	"chainledger/internal/snapshot"
)

type snapshotNowOptions struct {
	aggregateType string
	aggregateID   string
}

// rawLog is the fallback aggregate state ledgerctl folds when it has
// no domain-specific reducer registered: the ordered list of event
// payloads seen so far. Domain services embedding the ledger register
// their own Reducer/Codec through the rehydrate package directly;
// ledgerctl only needs something snapshot-able to exercise this
// command against an arbitrary aggregate.
type rawLog []json.RawMessage

func rawLogReducer(state rawLog, event ledger.Event) (rawLog, error) {
	return append(state, event.Payload), nil
}

func rawLogCodec() rehydrate.Codec[rawLog] {
	return rehydrate.Codec[rawLog]{
		Empty:     func() rawLog { return rawLog{} },
		Marshal:   func(s rawLog) (json.RawMessage, error) { return json.Marshal(s) },
		Unmarshal: func(raw json.RawMessage) (rawLog, error) {
			var s rawLog
			err := json.Unmarshal(raw, &s)
			return s, err
		},
	}
}

func newSnapshotNowCommand(root *RootOptions) *cobra.Command {
	opts := &snapshotNowOptions{}

	cmd := &cobra.Command{
		Use:   "snapshot-now",
		Short: "Force a snapshot of an aggregate's current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotNow(cmd.Context(), root, opts, cmd)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.aggregateType, "aggregate-type", "", "aggregate type (required)")
	flags.StringVar(&opts.aggregateID, "aggregate-id", "", "aggregate id (required)")
	cmd.MarkFlagRequired("aggregate-type")
	cmd.MarkFlagRequired("aggregate-id")

	return cmd
}

func runSnapshotNow(ctx context.Context, root *RootOptions, opts *snapshotNowOptions, cmd *cobra.Command) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	policy := c.cfg.Snapshot
	policy.Eligible = map[string]bool{opts.aggregateType: true}
	// Force eligibility: snapshot-now is an explicit operator request,
	// not a policy decision. The thresholds are the smallest positive
	// values, since snapshot.New replaces zero thresholds with defaults.
	policy.EventsThreshold = 1
	policy.TimeThreshold = time.Nanosecond

	snapshots := snapshot.New(c.db, policy, c.metrics)
	rehydrator := rehydrate.New(c.store, snapshots, rawLogReducer, rawLogCodec())

	if _, err := rehydrator.Load(ctx, opts.aggregateType, opts.aggregateID, ledger.Latest()); err != nil {
		return classifyStoreError(err)
	}

	return printResult(cmd, root, map[string]string{
		"aggregate_type": opts.aggregateType,
		"aggregate_id":   opts.aggregateID,
		"status":         "snapshot requested",
	})
}
