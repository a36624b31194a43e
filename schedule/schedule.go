// Package schedule triggers stored sequence definitions from cron
// expressions or incoming events.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/sequencer/store"
)

// RunFunc executes one stored definition. The scheduler stays decoupled
// from the engine; the service wires this to a sequence run that also
// persists the execution record.
type RunFunc func(ctx context.Context, def store.Definition) error

// Config defines when and how to execute a definition.
type Config struct {
	Definition    string            `json:"definition"`
	CronExpr      string            `json:"cron_expr,omitempty"`  // "0 */5 * * * *" = every 5 minutes
	EventType     string            `json:"event_type,omitempty"` // "feed.updated", "webhook.received"
	EventFilter   map[string]any    `json:"event_filter,omitempty"`
	Enabled       bool              `json:"enabled"`
	MaxConcurrent int               `json:"max_concurrent,omitempty"` // 0 = unlimited
	Timeout       time.Duration     `json:"timeout,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// eventHandler fans one event type out to its matching schedules.
type eventHandler struct {
	schedules   []*Config
	running     int
	mu          sync.Mutex
	lastTrigger time.Time
}

// Scheduler manages cron schedules and event-driven triggers.
type Scheduler struct {
	cron          *cron.Cron
	store         *store.Store
	run           RunFunc
	eventHandlers map[string]*eventHandler // event type -> handler
	entries       map[string]cron.EntryID  // definition -> cron entry
	mu            sync.RWMutex

	// Metrics
	scheduleRuns  metric.Int64Counter
	scheduleFails metric.Int64Counter
	eventTriggers metric.Int64Counter
	tracer        trace.Tracer
}

// New builds a scheduler with seconds-precision cron.
func New(st *store.Store, run RunFunc, meter metric.Meter) *Scheduler {
	scheduleRuns, _ := meter.Int64Counter("sequencer_schedule_runs_total")
	scheduleFails, _ := meter.Int64Counter("sequencer_schedule_failures_total")
	eventTriggers, _ := meter.Int64Counter("sequencer_event_triggers_total")

	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		store:         st,
		run:           run,
		eventHandlers: make(map[string]*eventHandler),
		entries:       make(map[string]cron.EntryID),
		scheduleRuns:  scheduleRuns,
		scheduleFails: scheduleFails,
		eventTriggers: eventTriggers,
		tracer:        otel.Tracer("sequencer-schedule"),
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started")
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		slog.Info("scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		slog.Warn("scheduler stop timeout")
		return ctx.Err()
	}
}

// AddSchedule registers a new schedule and persists it.
func (s *Scheduler) AddSchedule(ctx context.Context, config *Config) error {
	ctx, span := s.tracer.Start(ctx, "schedule.add",
		trace.WithAttributes(
			attribute.String("definition", config.Definition),
			attribute.String("cron", config.CronExpr),
		),
	)
	defer span.End()

	switch {
	case config.CronExpr != "":
		entryID, err := s.cron.AddFunc(config.CronExpr, func() {
			s.runScheduled(context.Background(), config)
		})
		if err != nil {
			return fmt.Errorf("add cron schedule: %w", err)
		}

		s.mu.Lock()
		s.entries[config.Definition] = entryID
		s.mu.Unlock()

		slog.Info("cron schedule added",
			"definition", config.Definition,
			"cron", config.CronExpr,
			"entry_id", entryID,
		)

	case config.EventType != "":
		s.registerEventHandler(config)
		slog.Info("event trigger added",
			"definition", config.Definition,
			"event_type", config.EventType,
		)

	default:
		return fmt.Errorf("either cron_expr or event_type must be specified")
	}

	data, _ := json.Marshal(config)
	if err := s.store.PutSchedule(ctx, config.Definition, data); err != nil {
		return fmt.Errorf("persist schedule: %w", err)
	}
	return nil
}

// RemoveSchedule unregisters a schedule for a definition.
func (s *Scheduler) RemoveSchedule(ctx context.Context, definition string) error {
	s.mu.Lock()
	if entryID, ok := s.entries[definition]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, definition)
	}
	for eventType, handler := range s.eventHandlers {
		kept := make([]*Config, 0, len(handler.schedules))
		for _, sched := range handler.schedules {
			if sched.Definition != definition {
				kept = append(kept, sched)
			}
		}
		handler.schedules = kept
		if len(handler.schedules) == 0 {
			delete(s.eventHandlers, eventType)
		}
	}
	s.mu.Unlock()

	if err := s.store.DeleteSchedule(ctx, definition); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}

	slog.Info("schedule removed", "definition", definition)
	return nil
}

// ListSchedules returns every persisted schedule config.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]*Config, error) {
	schedules := make([]*Config, 0)
	err := s.store.ForEachSchedule(ctx, func(name string, data []byte) error {
		var config Config
		if err := json.Unmarshal(data, &config); err != nil {
			return nil // Skip invalid entries
		}
		schedules = append(schedules, &config)
		return nil
	})
	return schedules, err
}

// TriggerEvent processes an incoming event and runs matching schedules.
func (s *Scheduler) TriggerEvent(ctx context.Context, eventType string, eventData map[string]any) error {
	ctx, span := s.tracer.Start(ctx, "schedule.trigger_event",
		trace.WithAttributes(attribute.String("event_type", eventType)),
	)
	defer span.End()

	s.mu.RLock()
	handler, exists := s.eventHandlers[eventType]
	s.mu.RUnlock()

	if !exists {
		span.AddEvent("no_handlers")
		return nil
	}

	s.eventTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))

	for _, schedule := range handler.schedules {
		if !schedule.Enabled {
			continue
		}
		if !matchesFilter(eventData, schedule.EventFilter) {
			continue
		}

		handler.mu.Lock()
		if schedule.MaxConcurrent > 0 && handler.running >= schedule.MaxConcurrent {
			handler.mu.Unlock()
			slog.Warn("max concurrent executions reached",
				"definition", schedule.Definition,
				"max", schedule.MaxConcurrent,
			)
			continue
		}
		handler.running++
		handler.lastTrigger = time.Now()
		handler.mu.Unlock()

		go func(cfg *Config) {
			defer func() {
				handler.mu.Lock()
				handler.running--
				handler.mu.Unlock()
			}()

			execCtx := context.Background()
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				execCtx, cancel = context.WithTimeout(execCtx, cfg.Timeout)
				defer cancel()
			}
			s.runScheduled(execCtx, cfg)
		}(schedule)
	}

	return nil
}

// runScheduled loads and executes one definition.
func (s *Scheduler) runScheduled(ctx context.Context, config *Config) {
	ctx, span := s.tracer.Start(ctx, "schedule.run",
		trace.WithAttributes(attribute.String("definition", config.Definition)),
	)
	defer span.End()

	start := time.Now()

	def, found, err := s.store.GetDefinition(ctx, config.Definition)
	if err != nil {
		slog.Error("failed to load definition", "definition", config.Definition, "error", err)
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("definition", config.Definition)))
		return
	}
	if !found {
		slog.Error("definition not found", "definition", config.Definition)
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("definition", config.Definition)))
		return
	}

	if err := s.run(ctx, def); err != nil {
		slog.Error("scheduled run failed",
			"definition", config.Definition,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("definition", config.Definition)))
		return
	}

	s.scheduleRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("definition", config.Definition),
		attribute.String("status", "success"),
	))

	slog.Info("scheduled run completed",
		"definition", config.Definition,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// RestoreSchedules re-registers persisted schedules on startup.
func (s *Scheduler) RestoreSchedules(ctx context.Context) error {
	schedules, err := s.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	restored := 0
	failed := 0
	for _, schedule := range schedules {
		if !schedule.Enabled {
			continue
		}
		if err := s.AddSchedule(ctx, schedule); err != nil {
			slog.Error("failed to restore schedule",
				"definition", schedule.Definition,
				"error", err,
			)
			failed++
		} else {
			restored++
		}
	}

	slog.Info("schedules restored", "restored", restored, "failed", failed)
	return nil
}

// Stats returns statistics about registered schedules.
func (s *Scheduler) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	handlerStats := make(map[string]any)
	totalSchedules := 0
	for eventType, handler := range s.eventHandlers {
		handler.mu.Lock()
		handlerStats[eventType] = map[string]any{
			"schedules":    len(handler.schedules),
			"running":      handler.running,
			"last_trigger": handler.lastTrigger.Format(time.RFC3339),
		}
		totalSchedules += len(handler.schedules)
		handler.mu.Unlock()
	}

	return map[string]any{
		"cron_entries":        len(s.cron.Entries()),
		"event_handlers":      len(s.eventHandlers),
		"total_schedules":     totalSchedules + len(s.cron.Entries()),
		"event_handler_stats": handlerStats,
	}
}

func (s *Scheduler) registerEventHandler(config *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handler, exists := s.eventHandlers[config.EventType]
	if !exists {
		handler = &eventHandler{}
		s.eventHandlers[config.EventType] = handler
	}
	handler.schedules = append(handler.schedules, config)
}

// matchesFilter checks event data against filter conditions (equality only).
func matchesFilter(eventData, filter map[string]any) bool {
	if len(filter) == 0 {
		return true // No filter = match all
	}
	for key, expected := range filter {
		actual, exists := eventData[key]
		if !exists {
			return false
		}
		if fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", expected) {
			return false
		}
	}
	return true
}
