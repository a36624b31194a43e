package sequence

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopAction(ctx context.Context, args []any) (any, error) { return nil, nil }

func TestBuildGraphLinksParentsAndChildren(t *testing.T) {
	g, err := buildGraph([]TaskDescriptor{
		{ID: "a", Action: nopAction},
		{ID: "b", Action: nopAction, Parents: []string{"a"}},
		{ID: "c", Action: nopAction, Parents: []string{"a", "b"}},
	})
	require.NoError(t, err)

	require.Len(t, g.nodes, 3)
	c := g.byID["c"]
	require.Len(t, c.parents, 2)
	assert.Equal(t, "a", c.parents[0].desc.ID)
	assert.Equal(t, "b", c.parents[1].desc.ID)
	assert.Len(t, g.byID["a"].children, 2)
	assert.Equal(t, StatusPending, c.status)
}

func TestBuildGraphForwardReference(t *testing.T) {
	// Parents may be declared after their children.
	_, err := buildGraph([]TaskDescriptor{
		{ID: "child", Action: nopAction, Parents: []string{"parent"}},
		{ID: "parent", Action: nopAction},
	})
	require.NoError(t, err)
}

func TestBuildGraphDuplicateID(t *testing.T) {
	_, err := buildGraph([]TaskDescriptor{
		{ID: "a", Action: nopAction},
		{ID: "a", Action: nopAction},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateTaskID)

	var berr *BuildError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "a", berr.TaskID)
}

func TestBuildGraphUnknownDependency(t *testing.T) {
	_, err := buildGraph([]TaskDescriptor{
		{ID: "a", Action: nopAction, Parents: []string{"ghost"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownDependency)

	var berr *BuildError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "a", berr.TaskID)
	assert.Equal(t, "ghost", berr.Parent)
}

func TestBuildGraphCycle(t *testing.T) {
	_, err := buildGraph([]TaskDescriptor{
		{ID: "a", Action: nopAction, Parents: []string{"b"}},
		{ID: "b", Action: nopAction, Parents: []string{"a"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycleDetected)
}

func TestBuildGraphSelfLoop(t *testing.T) {
	_, err := buildGraph([]TaskDescriptor{
		{ID: "a", Action: nopAction, Parents: []string{"a"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycleDetected)
}

func TestBuildGraphEmpty(t *testing.T) {
	g, err := buildGraph(nil)
	require.NoError(t, err)
	assert.Empty(t, g.nodes)
}

func TestBuildGraphRejectsMissingIDAndAction(t *testing.T) {
	_, err := buildGraph([]TaskDescriptor{{Action: nopAction}})
	require.Error(t, err)

	_, err = buildGraph([]TaskDescriptor{{ID: "a"}})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDuplicateTaskID))
}
