// Package sequence executes a declared set of tasks as a directed acyclic
// graph of data dependencies.
//
// Each task runs an action, optionally consuming the artifacts of its
// parents and producing one for its children. The engine validates the
// graph, plans a priority-respecting topological order with level
// assignment, and drives execution level by level under a bounded
// concurrency gate, with per-task retry and failure policies. Progress is
// observable through an event bus, OpenTelemetry spans, and metric
// instruments; rendering is left to consumers of that surface.
//
//	seq := sequence.New(sequence.Config{MaxConcurrency: 4})
//	seq.AddTask(sequence.TaskDescriptor{ID: "fetch", Action: fetch}).
//	    AddTask(sequence.TaskDescriptor{ID: "parse", Parents: []string{"fetch"}, Action: parse})
//	if err := seq.Run(ctx); err != nil { ... }
//	out, ok := seq.ArtifactOf("parse")
package sequence
