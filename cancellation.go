package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// CancellationManager tracks running sequence executions and cancels them
// on request.
type CancellationManager struct {
	mu               sync.RWMutex
	activeExecutions map[string]*CancellableExecution

	// Metrics
	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

// CancellableExecution wraps one execution with cancellation support.
type CancellableExecution struct {
	ID           string
	Definition   string
	CancelFunc   context.CancelFunc
	CancelReason string
	CancelledAt  time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
	Status       ExecutionStatus
}

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

func NewCancellationManager(meter metric.Meter) *CancellationManager {
	cancellations, _ := meter.Int64Counter("sequencer_cancellations_total")

	return &CancellationManager{
		activeExecutions: make(map[string]*CancellableExecution),
		cancellations:    cancellations,
		tracer:           otel.Tracer("sequencer-cancellation"),
	}
}

// Register adds an active execution for tracking.
func (cm *CancellationManager) Register(id, definition string, cancelFunc context.CancelFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.activeExecutions[id] = &CancellableExecution{
		ID:         id,
		Definition: definition,
		CancelFunc: cancelFunc,
		StartedAt:  time.Now(),
		Status:     ExecutionRunning,
	}
}

// Cancel stops a running execution.
func (cm *CancellationManager) Cancel(ctx context.Context, id, reason string) error {
	ctx, span := cm.tracer.Start(ctx, "cancellation.cancel",
		trace.WithAttributes(
			attribute.String("execution_id", id),
			attribute.String("reason", reason),
		),
	)
	defer span.End()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cancellable, exists := cm.activeExecutions[id]
	if !exists {
		return fmt.Errorf("execution not found or already completed: %s", id)
	}
	if cancellable.Status != ExecutionRunning {
		return fmt.Errorf("execution is not running: %s (status: %s)", id, cancellable.Status)
	}

	cancellable.CancelFunc()
	cancellable.CancelReason = reason
	cancellable.CancelledAt = time.Now()
	cancellable.Status = ExecutionCancelled

	cm.cancellations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("definition", cancellable.Definition),
			attribute.String("reason", reason),
		),
	)
	span.AddEvent("execution_cancelled")
	return nil
}

// Complete marks an execution terminal. The entry stays visible for status
// queries until the cleanup loop removes it.
func (cm *CancellationManager) Complete(id string, status ExecutionStatus) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cancellable, exists := cm.activeExecutions[id]; exists {
		if cancellable.Status == ExecutionRunning {
			cancellable.Status = status
		}
		cancellable.FinishedAt = time.Now()
	}
}

// GetStatus returns the status of a tracked execution.
func (cm *CancellationManager) GetStatus(id string) (ExecutionStatus, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	cancellable, exists := cm.activeExecutions[id]
	if !exists {
		return "", false
	}
	return cancellable.Status, true
}

// ListActive returns all currently running executions.
func (cm *CancellationManager) ListActive() []*CancellableExecution {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	active := make([]*CancellableExecution, 0)
	for _, cancellable := range cm.activeExecutions {
		if cancellable.Status == ExecutionRunning {
			active = append(active, cancellable)
		}
	}
	return active
}

// Cleanup removes finished executions older than the retention period.
func (cm *CancellationManager) Cleanup(retentionPeriod time.Duration) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	now := time.Now()
	cleaned := 0

	for id, cancellable := range cm.activeExecutions {
		if cancellable.Status == ExecutionRunning {
			continue
		}

		finishedAt := cancellable.FinishedAt
		if cancellable.Status == ExecutionCancelled && finishedAt.IsZero() {
			finishedAt = cancellable.CancelledAt
		}

		if !finishedAt.IsZero() && now.Sub(finishedAt) > retentionPeriod {
			delete(cm.activeExecutions, id)
			cleaned++
		}
	}
	return cleaned
}

// StartCleanupLoop runs periodic cleanup of finished executions.
func (cm *CancellationManager) StartCleanupLoop(ctx context.Context, interval, retentionPeriod time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.Cleanup(retentionPeriod)
		}
	}
}

// CancelAll cancels every running execution (for shutdown).
func (cm *CancellationManager) CancelAll(ctx context.Context, reason string) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cancelled := 0
	for id, cancellable := range cm.activeExecutions {
		if cancellable.Status == ExecutionRunning {
			cancellable.CancelFunc()
			cancellable.CancelReason = reason
			cancellable.CancelledAt = time.Now()
			cancellable.Status = ExecutionCancelled

			cm.cancellations.Add(ctx, 1,
				metric.WithAttributes(
					attribute.String("definition", cancellable.Definition),
					attribute.String("reason", reason),
				),
			)
			cancelled++
		}
		delete(cm.activeExecutions, id)
	}
	return cancelled
}

// Counts returns a snapshot of tracked executions by status.
func (cm *CancellationManager) Counts() map[string]int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	counts := map[string]int{
		"total":     len(cm.activeExecutions),
		"running":   0,
		"completed": 0,
		"failed":    0,
		"cancelled": 0,
	}
	for _, cancellable := range cm.activeExecutions {
		counts[string(cancellable.Status)]++
	}
	return counts
}
