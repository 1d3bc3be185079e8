package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chainledger/internal/ledger"
)

type appendOptions struct {
	aggregateType   string
	aggregateID     string
	eventType       string
	expectedVersion int64
	payload         string
	actorKind       string
	actorID         string
	actorReason     string
	commandID       string
	correlationID   string
	workflowID      string
}

func newAppendCommand(root *RootOptions) *cobra.Command {
	opts := &appendOptions{}

	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append one event to an aggregate's stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(cmd.Context(), root, opts, cmd)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.aggregateType, "aggregate-type", "", "aggregate type (required)")
	flags.StringVar(&opts.aggregateID, "aggregate-id", "", "aggregate id (required)")
	flags.StringVar(&opts.eventType, "type", "", "event type (required)")
	flags.Int64Var(&opts.expectedVersion, "expected-version", 0, "expected aggregate version (required)")
	flags.StringVar(&opts.payload, "payload", "{}", "JSON payload")
	flags.StringVar(&opts.actorKind, "actor-kind", "system", "actor kind (entity|system|workflow|anonymous)")
	flags.StringVar(&opts.actorID, "actor-id", "ledgerctl", "actor id")
	flags.StringVar(&opts.actorReason, "actor-reason", "", "actor reason (anonymous actors only)")
	flags.StringVar(&opts.commandID, "command-id", "", "causation command id (replay nonce)")
	flags.StringVar(&opts.correlationID, "correlation-id", "", "causation correlation id")
	flags.StringVar(&opts.workflowID, "workflow-id", "", "causation workflow id")

	cmd.MarkFlagRequired("aggregate-type")
	cmd.MarkFlagRequired("aggregate-id")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("expected-version")

	return cmd
}

func runAppend(ctx context.Context, root *RootOptions, opts *appendOptions, cmd *cobra.Command) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	actor, err := parseActor(opts.actorKind, opts.actorID, opts.actorReason)
	if err != nil {
		return NewExitError(ExitConfigError, err.Error())
	}

	var causation *ledger.Causation
	if opts.commandID != "" || opts.correlationID != "" || opts.workflowID != "" {
		causation = &ledger.Causation{
			CommandID:     opts.commandID,
			CorrelationID: opts.correlationID,
			WorkflowID:    opts.workflowID,
		}
	}

	proposed := ledger.ProposedEvent{
		Type:                     opts.eventType,
		AggregateType:            opts.aggregateType,
		AggregateID:              opts.aggregateID,
		ExpectedAggregateVersion: opts.expectedVersion,
		Payload:                  json.RawMessage(opts.payload),
		Actor:                    actor,
		Timestamp:                time.Now().UTC(),
		Causation:                causation,
	}

	event, err := c.store.Append(ctx, proposed)
	if err != nil {
		return classifyStoreError(err)
	}

	return printResult(cmd, root, event)
}

func parseActor(kind, id, reason string) (ledger.Actor, error) {
	switch ledger.ActorKind(kind) {
	case ledger.ActorEntity:
		return ledger.EntityActor(id), nil
	case ledger.ActorSystem:
		return ledger.SystemActor(id), nil
	case ledger.ActorWorkflow:
		return ledger.WorkflowActor(id), nil
	case ledger.ActorAnonymous:
		return ledger.AnonymousActor(reason), nil
	default:
		return ledger.Actor{}, fmt.Errorf("unknown actor kind %q", kind)
	}
}
