package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLinearChain(t *testing.T) {
	def := Definition{
		Nodes: []Node{
			{ID: "a", Type: TypeTrigger},
			{ID: "b", Type: "httpRequest"},
			{ID: "c", Type: "output"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "c"},
		},
	}

	g, res := Parse(def, "")
	require.True(t, res.Valid, res.Errors)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, []string{"a", "b", "c"}, res.ExecutionOrder)
	require.NotNil(t, g)
}

func TestParseDetectsCycle(t *testing.T) {
	def := Definition{
		Nodes: []Node{
			{ID: "a", Type: TypeTrigger},
			{ID: "b", Type: "httpRequest"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "a"},
		},
	}

	g, res := Parse(def, "")
	assert.False(t, res.Valid)
	assert.Nil(t, g)
	assert.Contains(t, res.Errors[len(res.Errors)-1], "cycle")
}

func TestParseDanglingEdge(t *testing.T) {
	def := Definition{
		Nodes: []Node{{ID: "a", Type: TypeTrigger}},
		Edges: []Edge{{ID: "e1", Source: "a", Target: "missing"}},
	}

	_, res := Parse(def, "")
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors[0], "unknown target")
}

func TestParseRequiresExactlyOneEntry(t *testing.T) {
	def := Definition{
		Nodes: []Node{
			{ID: "a", Type: TypeTrigger},
			{ID: "b", Type: TypeWebhook},
		},
	}

	_, res := Parse(def, "")
	assert.False(t, res.Valid)
}

func TestParseExplicitEntryBypassesEntryCountRule(t *testing.T) {
	def := Definition{
		Nodes: []Node{
			{ID: "a", Type: TypeTrigger},
			{ID: "b", Type: TypeWebhook},
		},
	}

	_, res := Parse(def, "a")
	assert.True(t, res.Valid, res.Errors)
}

func TestParseUnreachableNodeIsWarningNotError(t *testing.T) {
	def := Definition{
		Nodes: []Node{
			{ID: "a", Type: TypeTrigger},
			{ID: "b", Type: "output"},
			{ID: "orphan", Type: "output"},
		},
		Edges: []Edge{{ID: "e1", Source: "a", Target: "b"}},
	}

	g, res := Parse(def, "")
	require.True(t, res.Valid)
	require.NotNil(t, g)
	assert.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "orphan")
}

func TestParseConditionNodeRejectsBadHandle(t *testing.T) {
	def := Definition{
		Nodes: []Node{
			{ID: "a", Type: TypeTrigger},
			{ID: "c", Type: TypeCondition},
			{ID: "b", Type: "output"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "a", Target: "c"},
			{ID: "e2", Source: "c", Target: "b", SourceHandle: "maybe"},
		},
	}

	_, res := Parse(def, "")
	assert.False(t, res.Valid)
}

func TestParseDeterministicOrderTieBreak(t *testing.T) {
	// Two independent entry-reachable branches; tie-break must be
	// ascending node id regardless of declaration order.
	def := Definition{
		Nodes: []Node{
			{ID: "a", Type: TypeTrigger},
			{ID: "z", Type: "output"},
			{ID: "m", Type: "output"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "a", Target: "z"},
			{ID: "e2", Source: "a", Target: "m"},
		},
	}

	_, res1 := Parse(def, "")
	_, res2 := Parse(def, "")
	assert.Equal(t, res1.ExecutionOrder, res2.ExecutionOrder)
	assert.Equal(t, []string{"a", "m", "z"}, res1.ExecutionOrder)
}

func TestGraphPredecessorsSuccessors(t *testing.T) {
	def := Definition{
		Nodes: []Node{
			{ID: "a", Type: TypeTrigger},
			{ID: "b", Type: "output"},
			{ID: "c", Type: "output"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "a", Target: "c"},
		},
	}

	g, res := Parse(def, "")
	require.True(t, res.Valid)

	succ := g.Successors("a")
	require.Len(t, succ, 2)
	assert.Equal(t, "b", succ[0].Target)
	assert.Equal(t, "c", succ[1].Target)

	pred := g.Predecessors("b")
	require.Len(t, pred, 1)
	assert.Equal(t, "a", pred[0].Source)
}

func TestGraphNodeIDsSorted(t *testing.T) {
	def := Definition{
		Nodes: []Node{
			{ID: "z", Type: TypeTrigger},
			{ID: "a", Type: "output"},
		},
		Edges: []Edge{{ID: "e1", Source: "z", Target: "a"}},
	}

	g, res := Parse(def, "")
	require.True(t, res.Valid)
	assert.Equal(t, []string{"a", "z"}, g.NodeIDs())
}
