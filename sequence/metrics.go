package sequence

import "go.opentelemetry.io/otel/metric"

// instruments bundles the engine's metric instruments. Creation errors are
// ignored: a failed instrument degrades to a noop.
type instruments struct {
	seqDuration  metric.Float64Histogram
	seqFailures  metric.Int64Counter
	taskDuration metric.Float64Histogram
	taskRetries  metric.Int64Counter
	taskFailures metric.Int64Counter
	taskSkips    metric.Int64Counter
	tasksRunning metric.Int64UpDownCounter
}

func newInstruments(meter metric.Meter) *instruments {
	seqDuration, _ := meter.Float64Histogram("sequencer_sequence_duration_ms")
	seqFailures, _ := meter.Int64Counter("sequencer_sequence_failures_total")
	taskDuration, _ := meter.Float64Histogram("sequencer_task_duration_ms")
	taskRetries, _ := meter.Int64Counter("sequencer_task_retries_total")
	taskFailures, _ := meter.Int64Counter("sequencer_task_failures_total")
	taskSkips, _ := meter.Int64Counter("sequencer_task_skips_total")
	tasksRunning, _ := meter.Int64UpDownCounter("sequencer_tasks_running")

	return &instruments{
		seqDuration:  seqDuration,
		seqFailures:  seqFailures,
		taskDuration: taskDuration,
		taskRetries:  taskRetries,
		taskFailures: taskFailures,
		taskSkips:    taskSkips,
		tasksRunning: tasksRunning,
	}
}
