package flowz

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Hook event keys for stage lifecycle events. Pipes and pipelines emit
// these as stages move through their lifecycle, so an external observer can
// track progress, saturation, and faults without the core mandating a
// logging framework.
const (
	EventStageStarted   = hookz.Key("pipeline.stage_started")
	EventStageSaturated = hookz.Key("pipeline.stage_saturated")
	EventStageDrained   = hookz.Key("pipeline.stage_drained")
	EventStageCompleted = hookz.Key("pipeline.stage_completed")
	EventStageErrored   = hookz.Key("pipeline.stage_errored")
)

// StageEvent is the payload for every lifecycle event.
type StageEvent struct {
	Pipeline  Name      // Pipe or pipeline name
	Stage     Name      // Stage the event concerns
	Fault     Fault     // Fault classification (errored events)
	Err       error     // Root cause (errored events)
	Timestamp time.Time // When the event occurred
}

// observer bundles the observability surface shared by a pipe or pipeline
// and every hop it drives: typed lifecycle events, a metrics registry,
// a tracer, and the clock that timestamps events and arms deadlines.
//
// started and completed events are emitted once per stage per run: adjacent
// hops share their middle stage, and subscribers should not see it start or
// complete twice.
type observer struct {
	name    Name
	hooks   *hookz.Hooks[StageEvent]
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	clock   clockz.Clock

	mu        sync.Mutex
	startSeen map[Name]bool
	doneSeen  map[Name]bool
}

func newObserver(name Name, clock clockz.Clock) *observer {
	metrics := metricz.New()
	metrics.Counter(PipeChunksTotal)
	metrics.Counter(PipeStallsTotal)
	metrics.Gauge(PipeWeightTotal)
	metrics.Gauge(PipeDurationMs)
	metrics.Counter(PipelineRunsTotal)
	metrics.Counter(PipelineSuccessesTotal)
	metrics.Counter(PipelineFailuresTotal)
	metrics.Gauge(PipelineStagesTotal)
	metrics.Gauge(PipelineDurationMs)

	return &observer{
		name:      name,
		hooks:     hookz.New[StageEvent](),
		metrics:   metrics,
		tracer:    tracez.New(),
		clock:     clock,
		startSeen: make(map[Name]bool),
		doneSeen:  make(map[Name]bool),
	}
}

// reset clears the per-run event dedup, so a reused pipe or pipeline emits
// fresh started/completed events on its next run.
func (o *observer) reset() {
	o.mu.Lock()
	o.startSeen = make(map[Name]bool)
	o.doneSeen = make(map[Name]bool)
	o.mu.Unlock()
}

func (o *observer) onceStarted(stage Name) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.startSeen[stage] {
		return false
	}
	o.startSeen[stage] = true
	return true
}

func (o *observer) onceCompleted(stage Name) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.doneSeen[stage] {
		return false
	}
	o.doneSeen[stage] = true
	return true
}

func (o *observer) started(ctx context.Context, stage Name) {
	if !o.onceStarted(stage) {
		return
	}
	_ = o.hooks.Emit(ctx, EventStageStarted, StageEvent{ //nolint:errcheck
		Pipeline:  o.name,
		Stage:     stage,
		Timestamp: o.clock.Now(),
	})
}

func (o *observer) saturated(ctx context.Context, stage Name) {
	_ = o.hooks.Emit(ctx, EventStageSaturated, StageEvent{ //nolint:errcheck
		Pipeline:  o.name,
		Stage:     stage,
		Timestamp: o.clock.Now(),
	})
}

func (o *observer) drained(ctx context.Context, stage Name) {
	_ = o.hooks.Emit(ctx, EventStageDrained, StageEvent{ //nolint:errcheck
		Pipeline:  o.name,
		Stage:     stage,
		Timestamp: o.clock.Now(),
	})
}

func (o *observer) completed(ctx context.Context, stage Name) {
	if !o.onceCompleted(stage) {
		return
	}
	_ = o.hooks.Emit(ctx, EventStageCompleted, StageEvent{ //nolint:errcheck
		Pipeline:  o.name,
		Stage:     stage,
		Timestamp: o.clock.Now(),
	})
}

func (o *observer) errored(ctx context.Context, stage Name, ferr *Error) {
	_ = o.hooks.Emit(ctx, EventStageErrored, StageEvent{ //nolint:errcheck
		Pipeline:  o.name,
		Stage:     stage,
		Fault:     ferr.Fault,
		Err:       ferr,
		Timestamp: o.clock.Now(),
	})
}

func (o *observer) close() {
	o.tracer.Close()
	o.hooks.Close()
}
