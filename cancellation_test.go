package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func testCancelManager() *CancellationManager {
	return NewCancellationManager(noopmetric.MeterProvider{}.Meter("test"))
}

func TestCancelRunningExecution(t *testing.T) {
	cm := testCancelManager()
	ctx, cancel := context.WithCancel(context.Background())

	cm.Register("e1", "pipeline", cancel)
	require.NoError(t, cm.Cancel(context.Background(), "e1", "operator request"))

	select {
	case <-ctx.Done():
	default:
		t.Fatal("cancel func was not invoked")
	}

	status, ok := cm.GetStatus("e1")
	require.True(t, ok)
	assert.Equal(t, ExecutionCancelled, status)

	// A second cancel is rejected.
	require.Error(t, cm.Cancel(context.Background(), "e1", "again"))
}

func TestCancelUnknownExecution(t *testing.T) {
	cm := testCancelManager()
	require.Error(t, cm.Cancel(context.Background(), "ghost", ""))
}

func TestCompleteKeepsCancelledStatus(t *testing.T) {
	cm := testCancelManager()
	_, cancel := context.WithCancel(context.Background())
	cm.Register("e1", "pipeline", cancel)

	require.NoError(t, cm.Cancel(context.Background(), "e1", "stop"))
	cm.Complete("e1", ExecutionFailed)

	status, _ := cm.GetStatus("e1")
	assert.Equal(t, ExecutionCancelled, status)
}

func TestListActiveAndCounts(t *testing.T) {
	cm := testCancelManager()
	_, c1 := context.WithCancel(context.Background())
	_, c2 := context.WithCancel(context.Background())

	cm.Register("run", "a", c1)
	cm.Register("done", "b", c2)
	cm.Complete("done", ExecutionCompleted)

	active := cm.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, "run", active[0].ID)

	counts := cm.Counts()
	assert.Equal(t, 2, counts["total"])
	assert.Equal(t, 1, counts["running"])
	assert.Equal(t, 1, counts["completed"])
}

func TestCleanupRemovesOnlyOldFinished(t *testing.T) {
	cm := testCancelManager()
	_, c1 := context.WithCancel(context.Background())
	_, c2 := context.WithCancel(context.Background())

	cm.Register("old", "a", c1)
	cm.Complete("old", ExecutionCompleted)
	cm.Register("live", "b", c2)

	time.Sleep(10 * time.Millisecond)
	cleaned := cm.Cleanup(time.Nanosecond)
	assert.Equal(t, 1, cleaned)

	_, ok := cm.GetStatus("old")
	assert.False(t, ok)
	_, ok = cm.GetStatus("live")
	assert.True(t, ok)
}

func TestCancelAll(t *testing.T) {
	cm := testCancelManager()
	ctx1, c1 := context.WithCancel(context.Background())
	ctx2, c2 := context.WithCancel(context.Background())
	cm.Register("e1", "a", c1)
	cm.Register("e2", "b", c2)

	cancelled := cm.CancelAll(context.Background(), "shutdown")
	assert.Equal(t, 2, cancelled)

	for _, ctx := range []context.Context{ctx1, ctx2} {
		select {
		case <-ctx.Done():
		default:
			t.Fatal("expected context cancelled")
		}
	}
	assert.Zero(t, cm.Counts()["total"])
}
