package sequence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"
)

// Config parameterizes a Sequence. Zero values are usable: serial
// execution, quiet, noop telemetry, a fresh bus.
type Config struct {
	// Name tags spans, metrics and log lines. Defaults to "sequence".
	Name string

	// MaxConcurrency bounds the number of actions in flight. Values below
	// one are treated as one (strict serial execution within a level).
	MaxConcurrency int

	// Verbose enables structured progress lines on the logger.
	Verbose bool

	// Tracer receives one span per run and one per task. Nil means noop.
	Tracer trace.Tracer

	// Meter creates the engine's instruments. Nil means noop.
	Meter metric.Meter

	// Bus receives the run's events. Nil allocates a private bus,
	// reachable via Sequence.Bus.
	Bus *Bus

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Sequence accepts task descriptors and executes them as a DAG with
// bounded concurrency. Declare with New and AddTask, then call Run.
// Run may be called again after it returns; each run starts from a clean
// per-task state. A Sequence must not be run concurrently with itself.
type Sequence struct {
	cfg    Config
	descs  []TaskDescriptor
	tracer trace.Tracer
	bus    *Bus
	inst   *instruments
	log    *slog.Logger
	sem    *semaphore.Weighted

	runMu sync.Mutex // serializes Run

	mu        sync.Mutex // guards g and startedAt
	g         *graph
	startedAt time.Time
}

// New returns an empty sequence with the given configuration.
func New(cfg Config) *Sequence {
	if cfg.Name == "" {
		cfg.Name = "sequence"
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("sequencer")
	}
	meter := cfg.Meter
	if meter == nil {
		meter = noopmetric.MeterProvider{}.Meter("sequencer")
	}
	bus := cfg.Bus
	if bus == nil {
		bus = NewBus()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Sequence{
		cfg:    cfg,
		tracer: tracer,
		bus:    bus,
		inst:   newInstruments(meter),
		log:    log.With("sequence", cfg.Name),
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
	}
}

// AddTask appends a descriptor. Returns the sequence for chaining.
// Id uniqueness and dependency resolution are checked when Run builds the
// graph, so descriptors may reference tasks added later.
func (s *Sequence) AddTask(d TaskDescriptor) *Sequence {
	if d.OnError == "" {
		d.OnError = OnErrorContinue
	}
	s.descs = append(s.descs, d)
	return s
}

// Bus exposes the event stream for subscribers and post-run inspection.
func (s *Sequence) Bus() *Bus { return s.bus }

// Run builds, plans and executes the graph. It returns nil when execution
// completed (individual tasks may still have failed under
// OnErrorContinue), a build error before any action ran (a BuildError for
// duplicate ids, unknown dependencies and cycles; a plain error for a
// descriptor without an id or action), an AbortError when a failed task's
// policy halted the run, or the context's error.
func (s *Sequence) Run(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	g, err := buildGraph(s.descs)
	if err != nil {
		return err
	}
	order, err := plan(g)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	start := time.Now()

	s.mu.Lock()
	s.g = g
	s.startedAt = start
	s.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("sequence", s.cfg.Name))

	ctx, span := s.tracer.Start(ctx, "sequence.execute",
		trace.WithAttributes(
			attribute.String("sequencer.sequence", s.cfg.Name),
			attribute.String("sequencer.run_id", runID),
			attribute.Int("sequencer.tasks", len(order)),
			attribute.Int("sequencer.max_concurrency", s.cfg.MaxConcurrency),
		),
	)
	s.bus.publish(Event{Type: EventSpanOpen, RunID: runID, Span: "sequence"})
	s.bus.publish(Event{Type: EventSequenceStarted, RunID: runID})
	if s.cfg.Verbose {
		s.log.Info("sequence started", "run_id", runID, "tasks", len(order))
	}

	finish := func(ok bool, cause error) {
		failed := 0
		for _, n := range g.nodes {
			if n.status == StatusFailed {
				failed++
			}
		}
		duration := time.Since(start)
		s.inst.seqDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
		if ok {
			span.SetStatus(codes.Ok, "")
		} else {
			s.inst.seqFailures.Add(ctx, 1, attrs)
			span.SetStatus(codes.Error, cause.Error())
		}
		s.bus.publish(Event{
			Type:     EventSequenceFinished,
			RunID:    runID,
			OK:       ok,
			Failed:   failed,
			Duration: duration,
		})
		span.End()
		s.bus.publish(Event{Type: EventSpanClose, RunID: runID, Span: "sequence"})
		if s.cfg.Verbose {
			s.log.Info("sequence finished",
				"run_id", runID, "ok", ok, "failed", failed, "duration", duration)
		}
	}

	var abortMu sync.Mutex
	var aborted *TaskError
	setAbort := func(te *TaskError) {
		abortMu.Lock()
		if aborted == nil {
			aborted = te
		}
		abortMu.Unlock()
	}
	abortErr := func() *TaskError {
		abortMu.Lock()
		defer abortMu.Unlock()
		return aborted
	}

	for _, level := range levels(order) {
		var wg sync.WaitGroup

		for _, n := range level {
			if n.status != StatusPending {
				continue // cascade-skipped by an earlier level
			}
			if abortErr() != nil || ctx.Err() != nil {
				break
			}

			// The permit is taken here, in planner order, so admission
			// within a level follows priority exactly. The driver holds
			// nothing else while it waits.
			if err := s.sem.Acquire(ctx, 1); err != nil {
				break
			}
			if abortErr() != nil {
				s.sem.Release(1)
				break
			}

			n.status = StatusReady
			wg.Add(1)
			go func(n *node) {
				defer wg.Done()
				defer s.sem.Release(1)

				// Parents are terminal and all succeeded, or this node
				// would have been cascade-skipped at the barrier.
				args := make([]any, len(n.parents))
				for i, p := range n.parents {
					args[i] = p.artifact
				}
				if terr := s.runTask(ctx, runID, n, args); terr != nil && n.desc.OnError == OnErrorAbort {
					setAbort(terr)
				}
			}(n)
		}

		wg.Wait()

		for _, n := range level {
			if n.status == StatusFailed {
				s.cascadeSkip(ctx, runID, n)
			}
		}

		if terr := abortErr(); terr != nil {
			s.skipRemaining(ctx, runID, g, "sequence aborted at task "+terr.TaskID)
			err := &AbortError{TaskID: terr.TaskID, Err: terr}
			finish(false, err)
			return err
		}
		if err := ctx.Err(); err != nil {
			s.skipRemaining(ctx, runID, g, "run cancelled")
			finish(false, err)
			return err
		}
	}

	finish(true, nil)
	return nil
}

// cascadeSkip marks every not-yet-started descendant of a failed node as
// skipped. Called at a level barrier, so no other goroutine touches node
// state concurrently.
func (s *Sequence) cascadeSkip(ctx context.Context, runID string, failed *node) {
	queue := append([]*node(nil), failed.children...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n.status != StatusPending {
			continue
		}
		s.markSkipped(ctx, runID, n, "upstream failure: "+failed.desc.ID)
		queue = append(queue, n.children...)
	}
}

// skipRemaining marks every still-pending node as skipped when the run
// stops early (abort or cancellation).
func (s *Sequence) skipRemaining(ctx context.Context, runID string, g *graph, cause string) {
	for _, n := range g.nodes {
		if n.status == StatusPending {
			s.markSkipped(ctx, runID, n, cause)
		}
	}
}

func (s *Sequence) markSkipped(ctx context.Context, runID string, n *node, cause string) {
	n.status = StatusSkipped
	n.skipCause = cause
	s.inst.taskSkips.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sequence", s.cfg.Name),
		attribute.String("task", n.desc.ID),
	))
	s.bus.publish(Event{Type: EventTaskSkipped, RunID: runID, TaskID: n.desc.ID, Message: cause})
	if s.cfg.Verbose {
		s.log.Warn("task skipped", "task", n.desc.ID, "cause", cause, "offset", s.offset())
	}
}

// ArtifactOf returns the artifact of a succeeded task from the most recent
// run. The second return is false when the task did not succeed, did not
// run, or the id is unknown.
func (s *Sequence) ArtifactOf(id string) (any, bool) {
	n := s.nodeOf(id)
	if n == nil || n.status != StatusSucceeded {
		return nil, false
	}
	return n.artifact, true
}

// StatusOf returns the task's status from the most recent run.
func (s *Sequence) StatusOf(id string) (Status, bool) {
	n := s.nodeOf(id)
	if n == nil {
		return "", false
	}
	return n.status, true
}

// MetricsOf returns the task's execution window from the most recent run.
// The second return is false unless the task actually ran.
func (s *Sequence) MetricsOf(id string) (TaskMetrics, bool) {
	n := s.nodeOf(id)
	if n == nil || n.metrics.StartedAt.IsZero() {
		return TaskMetrics{}, false
	}
	return n.metrics, true
}

// SkipCauseOf returns why a task was skipped in the most recent run.
func (s *Sequence) SkipCauseOf(id string) (string, bool) {
	n := s.nodeOf(id)
	if n == nil || n.status != StatusSkipped {
		return "", false
	}
	return n.skipCause, true
}

func (s *Sequence) nodeOf(id string) *node {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.g == nil {
		return nil
	}
	return s.g.byID[id]
}

func (s *Sequence) offset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.startedAt).Round(time.Millisecond)
}
