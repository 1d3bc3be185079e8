package cli

import (
	"context"

	"github.com/spf13/cobra"

	"chainledger/internal/ledger"
)

type queryOptions struct {
	aggregateType string
	aggregateID   string
	fromVersion   int64
	toVersion     int64
	eventType     string
	correlationID string
	descending    bool
	limit         int
}

func newQueryCommand(root *RootOptions) *cobra.Command {
	opts := &queryOptions{}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query committed events with AND-composed filters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), root, opts, cmd)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.aggregateType, "aggregate-type", "", "filter by aggregate type")
	flags.StringVar(&opts.aggregateID, "aggregate-id", "", "filter by aggregate id")
	flags.Int64Var(&opts.fromVersion, "from-version", 0, "minimum aggregate version")
	flags.Int64Var(&opts.toVersion, "to-version", 0, "maximum aggregate version")
	flags.StringVar(&opts.eventType, "type", "", "filter by event type")
	flags.StringVar(&opts.correlationID, "correlation-id", "", "filter by causation correlation id")
	flags.BoolVar(&opts.descending, "descending", false, "order newest first")
	flags.IntVar(&opts.limit, "limit", 100, "maximum rows returned")

	return cmd
}

func runQuery(ctx context.Context, root *RootOptions, opts *queryOptions, cmd *cobra.Command) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	filter := ledger.Filter{
		AggregateType: opts.aggregateType,
		AggregateID:   opts.aggregateID,
		FromVersion:   opts.fromVersion,
		ToVersion:     opts.toVersion,
		EventType:     opts.eventType,
		CorrelationID: opts.correlationID,
		Descending:    opts.descending,
		Limit:         opts.limit,
	}
	events, err := c.store.Query(ctx, filter)
	if err != nil {
		return classifyStoreError(err)
	}

	return printResult(cmd, root, events)
}
