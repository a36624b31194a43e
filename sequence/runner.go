package sequence

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// runTask executes one task's attempt loop under a held permit. It is the
// only writer of the node's mutable fields while the node is non-terminal.
// Returns nil on success, a TaskError once retries are exhausted.
func (s *Sequence) runTask(ctx context.Context, runID string, n *node, args []any) *TaskError {
	id := n.desc.ID
	attrs := metric.WithAttributes(
		attribute.String("sequence", s.cfg.Name),
		attribute.String("task", id),
	)

	ctx, span := s.tracer.Start(ctx, id,
		trace.WithAttributes(
			attribute.String("sequencer.sequence", s.cfg.Name),
			attribute.String("sequencer.run_id", runID),
		),
	)
	s.bus.publish(Event{Type: EventSpanOpen, RunID: runID, TaskID: id, Span: id})
	defer func() {
		span.End()
		s.bus.publish(Event{Type: EventSpanClose, RunID: runID, TaskID: id, Span: id})
	}()

	n.status = StatusRunning
	n.metrics.StartedAt = time.Now()

	s.inst.tasksRunning.Add(ctx, 1, attrs)
	defer s.inst.tasksRunning.Add(ctx, -1, attrs)

	s.bus.publish(Event{Type: EventTaskStarted, RunID: runID, TaskID: id, Attempt: 1})
	if s.cfg.Verbose {
		s.log.Info("task started", "task", id, "offset", s.offset())
	}

	// Constant delay between attempts, capped at RetryCount retries after
	// the first attempt. A cancelled context ends the loop early.
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(n.desc.RetryDelay), uint64(n.desc.RetryCount)),
		ctx,
	)

	var out any
	err := backoff.Retry(func() error {
		n.attempts++
		v, actErr := n.desc.Action(ctx, args)
		if actErr != nil {
			span.AddEvent("attempt_failed", trace.WithAttributes(
				attribute.Int("attempt", n.attempts),
				attribute.String("error", actErr.Error()),
			))
			s.bus.publish(Event{
				Type:    EventTaskAttemptFailed,
				RunID:   runID,
				TaskID:  id,
				Attempt: n.attempts,
				Message: actErr.Error(),
			})
			if n.attempts <= n.desc.RetryCount {
				s.inst.taskRetries.Add(ctx, 1, attrs)
				if s.cfg.Verbose {
					s.log.Warn("task attempt failed, retrying",
						"task", id, "attempt", n.attempts, "error", actErr, "offset", s.offset())
				}
			}
			return actErr
		}
		out = v
		return nil
	}, policy)

	n.metrics.EndedAt = time.Now()
	n.metrics.Duration = n.metrics.EndedAt.Sub(n.metrics.StartedAt)

	if err != nil {
		n.status = StatusFailed
		span.SetStatus(codes.Error, err.Error())
		s.inst.taskFailures.Add(ctx, 1, attrs)
		s.bus.publish(Event{
			Type:     EventTaskFailed,
			RunID:    runID,
			TaskID:   id,
			Attempt:  n.attempts,
			Message:  err.Error(),
			Duration: n.metrics.Duration,
		})
		if s.cfg.Verbose {
			s.log.Error("task failed",
				"task", id, "attempts", n.attempts, "error", err, "offset", s.offset())
		}
		return &TaskError{TaskID: id, Attempts: n.attempts, Err: err}
	}

	n.artifact = out
	n.status = StatusSucceeded
	span.SetStatus(codes.Ok, "")
	s.inst.taskDuration.Record(ctx, float64(n.metrics.Duration.Milliseconds()), attrs)
	s.bus.publish(Event{
		Type:     EventTaskSucceeded,
		RunID:    runID,
		TaskID:   id,
		Attempt:  n.attempts,
		Duration: n.metrics.Duration,
	})
	if s.cfg.Verbose {
		s.log.Info("task succeeded",
			"task", id, "duration", n.metrics.Duration, "offset", s.offset())
	}
	return nil
}
