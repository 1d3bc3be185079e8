package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActorValid(t *testing.T) {
	assert.True(t, EntityActor("e1").Valid())
	assert.True(t, SystemActor("s1").Valid())
	assert.True(t, WorkflowActor("w1").Valid())
	assert.True(t, AnonymousActor("rate-limited probe").Valid())

	assert.False(t, Actor{Kind: ActorEntity}.Valid())
	assert.False(t, Actor{Kind: ActorAnonymous}.Valid())
	assert.False(t, Actor{}.Valid())
}

func TestActorCanonical(t *testing.T) {
	assert.Equal(t, "entity:e1", EntityActor("e1").Canonical())
	assert.Equal(t, "anonymous:rate-limited probe", AnonymousActor("rate-limited probe").Canonical())
}

func TestCausationCanonicalNilIsEmpty(t *testing.T) {
	var c *Causation
	assert.Equal(t, "", c.Canonical())
}

func TestCausationCanonicalOrdersFields(t *testing.T) {
	c := &Causation{CommandID: "cmd-1", CorrelationID: "corr-1", WorkflowID: "wf-1"}
	assert.Equal(t, "command_id=cmd-1;correlation_id=corr-1;workflow_id=wf-1;", c.Canonical())
}
