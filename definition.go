package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/sequencer/sequence"
	"github.com/swarmguard/sequencer/store"
)

// buildSequence turns a stored definition into a runnable engine sequence
// with plugin-backed actions.
func buildSequence(def store.Definition, plugins *pluginSet, bus *sequence.Bus, tracer trace.Tracer, meter metric.Meter) (*sequence.Sequence, error) {
	seq := sequence.New(sequence.Config{
		Name:           def.Name,
		MaxConcurrency: def.MaxConcurrency,
		Tracer:         tracer,
		Meter:          meter,
		Bus:            bus,
		Verbose:        true,
	})

	for _, spec := range def.Tasks {
		if spec.ID == "" {
			return nil, fmt.Errorf("definition %q: task id is required", def.Name)
		}
		action, err := plugins.actionFor(spec)
		if err != nil {
			return nil, fmt.Errorf("definition %q: %w", def.Name, err)
		}

		onError := sequence.OnErrorContinue
		if spec.OnError == string(sequence.OnErrorAbort) {
			onError = sequence.OnErrorAbort
		}

		seq.AddTask(sequence.TaskDescriptor{
			ID:         spec.ID,
			Action:     action,
			Parents:    spec.DependsOn,
			RetryCount: spec.RetryCount,
			RetryDelay: time.Duration(spec.RetryDelayMs) * time.Millisecond,
			OnError:    onError,
			Priority:   spec.Priority,
		})
	}
	return seq, nil
}

// executeDefinition runs one definition and assembles its execution
// record. Pass a bus to observe the run's events (nil allocates a private
// one). A nil record means the run never started (bad definition or
// invalid graph); otherwise the record is complete even when err is an
// abort or cancellation.
func executeDefinition(ctx context.Context, execID string, def store.Definition, plugins *pluginSet, bus *sequence.Bus, tracer trace.Tracer, meter metric.Meter) (*store.ExecutionRecord, error) {
	if bus == nil {
		bus = sequence.NewBus()
	}
	seq, err := buildSequence(def, plugins, bus, tracer, meter)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	runErr := seq.Run(ctx)

	var berr *sequence.BuildError
	if errors.As(runErr, &berr) || (runErr != nil && len(bus.Events()) == 0) {
		// The graph never started executing.
		return nil, runErr
	}

	rec := &store.ExecutionRecord{
		ID:         execID,
		Definition: def.Name,
		StartedAt:  started,
		EndedAt:    time.Now(),
		OK:         runErr == nil,
		Tasks:      make(map[string]store.TaskOutcome, len(def.Tasks)),
	}

	var aerr *sequence.AbortError
	if errors.As(runErr, &aerr) {
		rec.AbortedAt = aerr.TaskID
	}

	failures := make(map[string]string)
	attempts := make(map[string]int)
	for _, e := range bus.Events() {
		switch e.Type {
		case sequence.EventTaskFailed:
			failures[e.TaskID] = e.Message
			attempts[e.TaskID] = e.Attempt
		case sequence.EventTaskSucceeded:
			attempts[e.TaskID] = e.Attempt
		}
	}

	for _, spec := range def.Tasks {
		status, _ := seq.StatusOf(spec.ID)
		outcome := store.TaskOutcome{Status: string(status)}

		if metrics, ok := seq.MetricsOf(spec.ID); ok {
			outcome.DurationMs = metrics.Duration.Milliseconds()
		}
		switch status {
		case sequence.StatusSucceeded:
			artifact, _ := seq.ArtifactOf(spec.ID)
			outcome.Artifact = artifact
		case sequence.StatusFailed:
			outcome.Error = failures[spec.ID]
		case sequence.StatusSkipped:
			outcome.SkipCause, _ = seq.SkipCauseOf(spec.ID)
		}
		outcome.Attempts = attempts[spec.ID]
		rec.Tasks[spec.ID] = outcome
	}

	return rec, runErr
}
