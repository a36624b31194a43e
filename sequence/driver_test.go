package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constAction(v any) Action {
	return func(ctx context.Context, args []any) (any, error) { return v, nil }
}

func failAction(msg string) Action {
	return func(ctx context.Context, args []any) (any, error) { return nil, errors.New(msg) }
}

func eventsOf(b *Bus, typ EventType, taskID string) []Event {
	var out []Event
	for _, e := range b.Events() {
		if e.Type == typ && (taskID == "" || e.TaskID == taskID) {
			out = append(out, e)
		}
	}
	return out
}

func TestRunLinearChain(t *testing.T) {
	seq := New(Config{Name: "chain"})
	seq.AddTask(TaskDescriptor{ID: "A", Action: constAction("a")}).
		AddTask(TaskDescriptor{ID: "B", Parents: []string{"A"}, Action: func(ctx context.Context, args []any) (any, error) {
			return args[0].(string) + "b", nil
		}}).
		AddTask(TaskDescriptor{ID: "C", Parents: []string{"B"}, Action: func(ctx context.Context, args []any) (any, error) {
			return args[0].(string) + "c", nil
		}})

	require.NoError(t, seq.Run(context.Background()))

	for id, want := range map[string]string{"A": "a", "B": "ab", "C": "abc"} {
		got, ok := seq.ArtifactOf(id)
		require.True(t, ok, id)
		assert.Equal(t, want, got, id)
	}

	ma, _ := seq.MetricsOf("A")
	mb, _ := seq.MetricsOf("B")
	mc, _ := seq.MetricsOf("C")
	assert.False(t, ma.EndedAt.After(mb.StartedAt), "A must finish before B starts")
	assert.False(t, mb.EndedAt.After(mc.StartedAt), "B must finish before C starts")
}

func TestRunDiamond(t *testing.T) {
	seq := New(Config{Name: "diamond", MaxConcurrency: 2})
	seq.AddTask(TaskDescriptor{ID: "A", Action: constAction(1)}).
		AddTask(TaskDescriptor{ID: "B", Parents: []string{"A"}, Action: func(ctx context.Context, args []any) (any, error) {
			return args[0].(int) + 1, nil
		}}).
		AddTask(TaskDescriptor{ID: "C", Parents: []string{"A"}, Action: func(ctx context.Context, args []any) (any, error) {
			return args[0].(int) * 10, nil
		}}).
		AddTask(TaskDescriptor{ID: "D", Parents: []string{"B", "C"}, Action: func(ctx context.Context, args []any) (any, error) {
			return args[0].(int) + args[1].(int), nil
		}})

	require.NoError(t, seq.Run(context.Background()))

	d, ok := seq.ArtifactOf("D")
	require.True(t, ok)
	assert.Equal(t, 12, d)

	mb, _ := seq.MetricsOf("B")
	mc, _ := seq.MetricsOf("C")
	md, _ := seq.MetricsOf("D")
	assert.False(t, md.StartedAt.Before(mb.EndedAt))
	assert.False(t, md.StartedAt.Before(mc.EndedAt))
}

func TestRunRetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	seq := New(Config{Name: "retry"})
	seq.AddTask(TaskDescriptor{
		ID:         "T",
		RetryCount: 2,
		RetryDelay: 10 * time.Millisecond,
		Action: func(ctx context.Context, args []any) (any, error) {
			if calls.Add(1) < 3 {
				return nil, fmt.Errorf("transient %d", calls.Load())
			}
			return "ok", nil
		},
	})

	require.NoError(t, seq.Run(context.Background()))

	v, ok := seq.ArtifactOf("T")
	require.True(t, ok)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(3), calls.Load())

	failures := eventsOf(seq.Bus(), EventTaskAttemptFailed, "T")
	succ := eventsOf(seq.Bus(), EventTaskSucceeded, "T")
	require.Len(t, failures, 2)
	require.Len(t, succ, 1)
	assert.Equal(t, 1, failures[0].Attempt)
	assert.Equal(t, 2, failures[1].Attempt)
	assert.Less(t, failures[1].Seq, succ[0].Seq)
	assert.Equal(t, 3, succ[0].Attempt)
}

func TestRunRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	seq := New(Config{Name: "exhausted"})
	seq.AddTask(TaskDescriptor{
		ID:         "T",
		RetryCount: 1,
		Action: func(ctx context.Context, args []any) (any, error) {
			calls.Add(1)
			return nil, errors.New("boom")
		},
	})

	// OnErrorContinue: Run itself still resolves.
	require.NoError(t, seq.Run(context.Background()))
	assert.Equal(t, int32(2), calls.Load())

	st, _ := seq.StatusOf("T")
	assert.Equal(t, StatusFailed, st)
	_, ok := seq.ArtifactOf("T")
	assert.False(t, ok)

	assert.Len(t, eventsOf(seq.Bus(), EventTaskAttemptFailed, "T"), 2)
	failed := eventsOf(seq.Bus(), EventTaskFailed, "T")
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Attempt)
	assert.Equal(t, "boom", failed[0].Message)
}

func TestRunContinueOnErrorSkipsDescendants(t *testing.T) {
	var cRan atomic.Bool
	seq := New(Config{Name: "continue"})
	seq.AddTask(TaskDescriptor{ID: "A", Action: failAction("nope")}).
		AddTask(TaskDescriptor{ID: "B", Action: constAction("b")}).
		AddTask(TaskDescriptor{ID: "C", Parents: []string{"A"}, Action: func(ctx context.Context, args []any) (any, error) {
			cRan.Store(true)
			return nil, nil
		}})

	require.NoError(t, seq.Run(context.Background()))

	stA, _ := seq.StatusOf("A")
	stB, _ := seq.StatusOf("B")
	stC, _ := seq.StatusOf("C")
	assert.Equal(t, StatusFailed, stA)
	assert.Equal(t, StatusSucceeded, stB)
	assert.Equal(t, StatusSkipped, stC)
	assert.False(t, cRan.Load(), "skipped task must not run")

	cause, ok := seq.SkipCauseOf("C")
	require.True(t, ok)
	assert.Contains(t, cause, "A")

	finished := eventsOf(seq.Bus(), EventSequenceFinished, "")
	require.Len(t, finished, 1)
	assert.True(t, finished[0].OK)
	assert.Equal(t, 1, finished[0].Failed)

	// Skipped tasks carry no execution window.
	_, ok = seq.MetricsOf("C")
	assert.False(t, ok)
}

func TestRunSkipCascadesTransitively(t *testing.T) {
	seq := New(Config{Name: "cascade"})
	seq.AddTask(TaskDescriptor{ID: "A", Action: failAction("nope")}).
		AddTask(TaskDescriptor{ID: "B", Parents: []string{"A"}, Action: constAction(nil)}).
		AddTask(TaskDescriptor{ID: "C", Parents: []string{"B"}, Action: constAction(nil)})

	require.NoError(t, seq.Run(context.Background()))

	for _, id := range []string{"B", "C"} {
		st, _ := seq.StatusOf(id)
		assert.Equal(t, StatusSkipped, st, id)
	}
	assert.Len(t, eventsOf(seq.Bus(), EventTaskSkipped, ""), 2)
}

func TestRunAbortHaltsDescendants(t *testing.T) {
	var bRan atomic.Bool
	seq := New(Config{Name: "abort", MaxConcurrency: 2})
	seq.AddTask(TaskDescriptor{ID: "A", OnError: OnErrorAbort, Action: func(ctx context.Context, args []any) (any, error) {
		time.Sleep(30 * time.Millisecond)
		return nil, errors.New("fatal")
	}}).
		AddTask(TaskDescriptor{ID: "B", Parents: []string{"A"}, Action: func(ctx context.Context, args []any) (any, error) {
			bRan.Store(true)
			return nil, nil
		}}).
		AddTask(TaskDescriptor{ID: "C", Action: constAction("c")})

	err := seq.Run(context.Background())
	require.Error(t, err)

	var aerr *AbortError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "A", aerr.TaskID)

	var terr *TaskError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 1, terr.Attempts)

	stB, _ := seq.StatusOf("B")
	assert.Equal(t, StatusSkipped, stB)
	assert.False(t, bRan.Load(), "no task below the abort level may start")

	// C shares A's level; it was already in flight and its outcome is
	// still reported.
	stC, _ := seq.StatusOf("C")
	assert.True(t, stC.Terminal())

	finished := eventsOf(seq.Bus(), EventSequenceFinished, "")
	require.Len(t, finished, 1)
	assert.False(t, finished[0].OK)
}

func TestRunPriorityLaunchOrderSerial(t *testing.T) {
	var mu sync.Mutex
	var started []string
	record := func(id string) Action {
		return func(ctx context.Context, args []any) (any, error) {
			mu.Lock()
			started = append(started, id)
			mu.Unlock()
			return nil, nil
		}
	}

	seq := New(Config{Name: "priority", MaxConcurrency: 1})
	seq.AddTask(TaskDescriptor{ID: "A", Priority: 1, Action: record("A")}).
		AddTask(TaskDescriptor{ID: "B", Priority: 5, Action: record("B")}).
		AddTask(TaskDescriptor{ID: "C", Priority: 3, Action: record("C")})

	require.NoError(t, seq.Run(context.Background()))
	assert.Equal(t, []string{"B", "C", "A"}, started)
}

func TestRunConcurrencyBound(t *testing.T) {
	const k = 2
	var running, peak atomic.Int32

	busy := func(ctx context.Context, args []any) (any, error) {
		cur := running.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}

	seq := New(Config{Name: "bound", MaxConcurrency: k})
	for i := 0; i < 6; i++ {
		seq.AddTask(TaskDescriptor{ID: fmt.Sprintf("t%d", i), Action: busy})
	}

	require.NoError(t, seq.Run(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(k))
	assert.GreaterOrEqual(t, peak.Load(), int32(2), "siblings should overlap at K=2")
}

func TestRunEmptySequence(t *testing.T) {
	seq := New(Config{Name: "empty"})
	require.NoError(t, seq.Run(context.Background()))

	finished := eventsOf(seq.Bus(), EventSequenceFinished, "")
	require.Len(t, finished, 1)
	assert.True(t, finished[0].OK)
	assert.Zero(t, finished[0].Failed)
}

func TestRunBuildErrorsBeforeAnyAction(t *testing.T) {
	var ran atomic.Bool
	tracked := func(ctx context.Context, args []any) (any, error) {
		ran.Store(true)
		return nil, nil
	}

	seq := New(Config{Name: "cycle"})
	seq.AddTask(TaskDescriptor{ID: "A", Parents: []string{"B"}, Action: tracked}).
		AddTask(TaskDescriptor{ID: "B", Parents: []string{"A"}, Action: tracked})

	err := seq.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycleDetected)
	assert.False(t, ran.Load())
	assert.Empty(t, seq.Bus().Events(), "no events before a successful build")
}

func TestRunSucceededSetIsPrefixClosed(t *testing.T) {
	seq := New(Config{Name: "prefix", MaxConcurrency: 3})
	seq.AddTask(TaskDescriptor{ID: "ok1", Action: constAction(1)}).
		AddTask(TaskDescriptor{ID: "bad", Action: failAction("x")}).
		AddTask(TaskDescriptor{ID: "mid", Parents: []string{"ok1"}, Action: constAction(2)}).
		AddTask(TaskDescriptor{ID: "leaf", Parents: []string{"mid", "bad"}, Action: constAction(3)})

	require.NoError(t, seq.Run(context.Background()))

	for _, id := range []string{"ok1", "bad", "mid", "leaf"} {
		st, _ := seq.StatusOf(id)
		if st != StatusSucceeded {
			continue
		}
		n := seq.nodeOf(id)
		for _, p := range n.parents {
			assert.Equal(t, StatusSucceeded, p.status,
				"succeeded task %s has non-succeeded ancestor %s", id, p.desc.ID)
		}
	}

	stLeaf, _ := seq.StatusOf("leaf")
	assert.Equal(t, StatusSkipped, stLeaf)
}

func TestRunTwiceIsDeterministic(t *testing.T) {
	seq := New(Config{Name: "again"})
	seq.AddTask(TaskDescriptor{ID: "A", Action: constAction(21)}).
		AddTask(TaskDescriptor{ID: "B", Parents: []string{"A"}, Action: func(ctx context.Context, args []any) (any, error) {
			return args[0].(int) * 2, nil
		}})

	require.NoError(t, seq.Run(context.Background()))
	first, _ := seq.ArtifactOf("B")

	require.NoError(t, seq.Run(context.Background()))
	second, _ := seq.ArtifactOf("B")

	assert.Equal(t, 42, first)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, len(eventsOf(seq.Bus(), EventSequenceStarted, "")))
}

func TestRunContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	seq := New(Config{Name: "cancel"})
	seq.AddTask(TaskDescriptor{ID: "block", Action: func(ctx context.Context, args []any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}).
		AddTask(TaskDescriptor{ID: "after", Parents: []string{"block"}, Action: constAction(nil)})

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := seq.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	stAfter, _ := seq.StatusOf("after")
	assert.Equal(t, StatusSkipped, stAfter)
}

func TestRunSpanEventsArePaired(t *testing.T) {
	seq := New(Config{Name: "spans"})
	seq.AddTask(TaskDescriptor{ID: "A", Action: constAction(nil)}).
		AddTask(TaskDescriptor{ID: "B", Parents: []string{"A"}, Action: failAction("x")})

	require.NoError(t, seq.Run(context.Background()))

	open := map[string]int{}
	events := seq.Bus().Events()
	for _, e := range events {
		switch e.Type {
		case EventSpanOpen:
			open[e.Span]++
		case EventSpanClose:
			open[e.Span]--
			assert.GreaterOrEqual(t, open[e.Span], 0, "close without open for %s", e.Span)
		}
	}
	for span, n := range open {
		assert.Zero(t, n, "unclosed span %s", span)
	}

	// The sequence span brackets the whole run.
	assert.Equal(t, EventSpanOpen, events[0].Type)
	assert.Equal(t, "sequence", events[0].Span)
	last := events[len(events)-1]
	assert.Equal(t, EventSpanClose, last.Type)
	assert.Equal(t, "sequence", last.Span)
}

func TestRunEventOrderPerTask(t *testing.T) {
	seq := New(Config{Name: "order"})
	seq.AddTask(TaskDescriptor{ID: "T", RetryCount: 1, Action: failAction("x")})
	require.NoError(t, seq.Run(context.Background()))

	var kinds []EventType
	for _, e := range seq.Bus().Events() {
		if e.TaskID == "T" && e.Type != EventSpanOpen && e.Type != EventSpanClose {
			kinds = append(kinds, e.Type)
		}
	}
	assert.Equal(t, []EventType{
		EventTaskStarted,
		EventTaskAttemptFailed,
		EventTaskAttemptFailed,
		EventTaskFailed,
	}, kinds)
}
