package flowz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for the Pipeline connector.
const (
	// Metrics.
	PipelineRunsTotal      = metricz.Key("pipeline.runs.total")
	PipelineSuccessesTotal = metricz.Key("pipeline.successes.total")
	PipelineFailuresTotal  = metricz.Key("pipeline.failures.total")
	PipelineStagesTotal    = metricz.Key("pipeline.stages.total")
	PipelineDurationMs     = metricz.Key("pipeline.duration.ms")

	// Spans.
	PipelineRunSpan = tracez.Key("pipeline.run")

	// Tags.
	PipelineTagStageCount = tracez.Tag("pipeline.stage_count")
	PipelineTagSuccess    = tracez.Tag("pipeline.success")
	PipelineTagError      = tracez.Tag("pipeline.error")
)

// pipelineEnv is the state shared by every typed view of one pipeline:
// Through returns a Pipeline with a different chunk type, but all views
// append to the same stage list, runner list, and observability surface.
type pipelineEnv struct {
	name     Name
	obs      *observer
	mu       sync.RWMutex
	stages   []Stage
	runners  []func(context.Context) *Error
	deadline time.Duration
}

func (e *pipelineEnv) hopName(index int) Name {
	return Name(fmt.Sprintf("%s.hop-%d", e.name, index))
}

// Pipeline composes an ordered chain Source -> Transform* -> Sink by
// creating a pipe between every adjacent pair and unifying their completion
// into a single outcome.
//
// Build a pipeline with NewPipeline, extend it with Through (a free
// function, because each transform changes the chunk type), and execute it
// with Run. All pipes run concurrently: this is a streaming pipeline, not a
// batch one.
//
// The first failure observed in any pipe cancels every stage not yet
// terminal; cancellation triggered by cancellation does not loop, because
// stage transitions are one-way and idempotent. The pipeline succeeds only
// when every stage independently reaches Completed.
//
// # Observability
//
// Metrics:
//   - pipeline.runs.total: Counter of Run invocations
//   - pipeline.successes.total: Counter of successful runs
//   - pipeline.failures.total: Counter of failed runs
//   - pipeline.stages.total: Gauge of stages in the chain
//   - pipeline.duration.ms: Gauge of run duration
//
// Traces:
//   - pipeline.run: Parent span for the run, with one pipe.drive child per hop
//
// Events (via hooks): pipeline.stage_started, pipeline.stage_saturated,
// pipeline.stage_drained, pipeline.stage_completed, pipeline.stage_errored.
//
// Example:
//
//	src := flowz.FromSlice("nums", []int{1, 2, 3})
//	double := flowz.Map("double", func(_ context.Context, n int) (int, error) {
//	    return n * 2, nil
//	})
//	out := flowz.Collect[int]("out")
//
//	p := flowz.Through(flowz.NewPipeline("doubler", src), double)
//	if err := p.Run(ctx, out); err != nil {
//	    var ferr *flowz.Error
//	    if errors.As(err, &ferr) {
//	        log.Printf("failed at %s: %v", ferr.Stage, ferr)
//	    }
//	}
type Pipeline[T any] struct {
	env   *pipelineEnv
	head  Source[T]
	weigh Weigher[T]
}

// NewPipeline creates a pipeline rooted at source. T is the chunk type the
// next stage will receive.
func NewPipeline[T any](name Name, source Source[T]) *Pipeline[T] {
	env := &pipelineEnv{
		name: name,
		obs:  newObserver(name, clockz.RealClock),
	}
	env.stages = []Stage{source}
	return &Pipeline[T]{env: env, head: source, weigh: CountWeight[T]}
}

// WithWeigher sets the weigher used for the weight metrics of the next hop
// built from this view (byte-mode legs use ByteWeight). Call it before the
// next Through or Run; each Through resets the new view to object mode.
// It does not affect any stage's own accounting. Returns the same instance
// for chaining.
func (p *Pipeline[T]) WithWeigher(weigh Weigher[T]) *Pipeline[T] {
	p.env.mu.Lock()
	defer p.env.mu.Unlock()
	if weigh != nil {
		p.weigh = weigh
	}
	return p
}

// Through appends a transform to the pipeline, returning a view typed to
// the transform's output. This is a free function rather than a method
// because the chunk type changes across the hop.
func Through[In, Out any](p *Pipeline[In], t *Transform[In, Out]) *Pipeline[Out] {
	env := p.env
	src := p.head

	env.mu.Lock()
	hop := env.hopName(len(env.runners))
	weigh := p.weigh
	env.stages = append(env.stages, t)
	env.runners = append(env.runners, func(ctx context.Context) *Error {
		return runPipe[In](ctx, hop, src, t, weigh, env.obs)
	})
	env.mu.Unlock()

	return &Pipeline[Out]{env: env, head: t, weigh: CountWeight[Out]}
}

// WithClock sets a custom clock for testing. The clock arms the deadline
// and timestamps events.
func (p *Pipeline[T]) WithClock(clock clockz.Clock) *Pipeline[T] {
	p.env.mu.Lock()
	defer p.env.mu.Unlock()
	p.env.obs.clock = clock
	return p
}

// WithDeadline auto-cancels the pipeline after d, equivalent to an external
// cancellation signal injected at the pipeline level.
func (p *Pipeline[T]) WithDeadline(d time.Duration) *Pipeline[T] {
	p.env.mu.Lock()
	defer p.env.mu.Unlock()
	p.env.deadline = d
	return p
}

// Name returns the name of this pipeline.
func (p *Pipeline[T]) Name() Name { return p.env.name }

// Stages returns the stages registered so far, source first. The final
// sink joins the list when Run is called.
func (p *Pipeline[T]) Stages() []Stage {
	p.env.mu.RLock()
	defer p.env.mu.RUnlock()
	out := make([]Stage, len(p.env.stages))
	copy(out, p.env.stages)
	return out
}

// Metrics returns the pipeline's metrics registry.
func (p *Pipeline[T]) Metrics() *metricz.Registry { return p.env.obs.metrics }

// Tracer returns the pipeline's tracer.
func (p *Pipeline[T]) Tracer() *tracez.Tracer { return p.env.obs.tracer }

// Close releases the pipeline's observability resources.
func (p *Pipeline[T]) Close() error {
	p.env.obs.close()
	return nil
}

// OnStageStarted registers a handler for stage_started events.
func (p *Pipeline[T]) OnStageStarted(handler func(context.Context, StageEvent) error) error {
	_, err := p.env.obs.hooks.Hook(EventStageStarted, handler)
	return err
}

// OnStageSaturated registers a handler for stage_saturated events.
func (p *Pipeline[T]) OnStageSaturated(handler func(context.Context, StageEvent) error) error {
	_, err := p.env.obs.hooks.Hook(EventStageSaturated, handler)
	return err
}

// OnStageDrained registers a handler for stage_drained events.
func (p *Pipeline[T]) OnStageDrained(handler func(context.Context, StageEvent) error) error {
	_, err := p.env.obs.hooks.Hook(EventStageDrained, handler)
	return err
}

// OnStageCompleted registers a handler for stage_completed events.
func (p *Pipeline[T]) OnStageCompleted(handler func(context.Context, StageEvent) error) error {
	_, err := p.env.obs.hooks.Hook(EventStageCompleted, handler)
	return err
}

// OnStageErrored registers a handler for stage_errored events.
func (p *Pipeline[T]) OnStageErrored(handler func(context.Context, StageEvent) error) error {
	_, err := p.env.obs.hooks.Hook(EventStageErrored, handler)
	return err
}

// Run attaches sink as the final stage and drives every pipe concurrently
// until the whole chain completes or the first failure cancels it.
//
// The returned error, if any, is a *Error carrying the root cause and the
// identity of the stage that originated it. Partial progress is not
// reported here; callers needing it should subscribe to the lifecycle
// events.
func (p *Pipeline[T]) Run(ctx context.Context, sink Sink[T]) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	env := p.env

	env.mu.RLock()
	stages := make([]Stage, len(env.stages), len(env.stages)+1)
	copy(stages, env.stages)
	runners := make([]func(context.Context) *Error, len(env.runners), len(env.runners)+1)
	copy(runners, env.runners)
	deadline := env.deadline
	clock := env.obs.clock
	weigh := p.weigh
	final := env.hopName(len(env.runners))
	env.mu.RUnlock()

	stages = append(stages, sink)
	src := p.head
	runners = append(runners, func(ctx context.Context) *Error {
		return runPipe[T](ctx, final, src, sink, weigh, env.obs)
	})

	var cancel context.CancelFunc
	if deadline > 0 {
		ctx, cancel = clock.WithTimeout(ctx, deadline)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	env.obs.reset()
	env.obs.metrics.Counter(PipelineRunsTotal).Inc()
	env.obs.metrics.Gauge(PipelineStagesTotal).Set(float64(len(stages)))
	start := time.Now()
	ctx, span := env.obs.tracer.StartSpan(ctx, PipelineRunSpan)
	span.SetTag(PipelineTagStageCount, fmt.Sprintf("%d", len(stages)))
	defer func() {
		env.obs.metrics.Gauge(PipelineDurationMs).Set(float64(time.Since(start).Milliseconds()))
		if err == nil {
			span.SetTag(PipelineTagSuccess, "true")
			env.obs.metrics.Counter(PipelineSuccessesTotal).Inc()
		} else {
			span.SetTag(PipelineTagSuccess, "false")
			span.SetTag(PipelineTagError, err.Error())
			env.obs.metrics.Counter(PipelineFailuresTotal).Inc()
		}
		span.Finish()
	}()

	// First failure wins; everything else is forcibly cancelled exactly
	// once. Stage transitions are one-way, so a cancel triggered by a
	// cancel cannot loop.
	var once sync.Once
	var first *Error
	abort := func(ferr *Error) {
		once.Do(func() {
			first = ferr
			cancel()
			for _, s := range stages {
				if !s.State().Terminal() {
					s.Cancel(ferr)
				}
			}
		})
	}

	var wg sync.WaitGroup
	for _, run := range runners {
		wg.Add(1)
		go func(run func(context.Context) *Error) {
			defer wg.Done()
			if ferr := run(ctx); ferr != nil {
				abort(ferr)
			}
		}(run)
	}
	wg.Wait()

	if first != nil {
		ferr := prependPath(env.name, first.Stage, first.Fault, first)
		ferr.Duration = time.Since(start)
		return ferr
	}
	for _, s := range stages {
		if s.State() != StateCompleted {
			ferr := prependPath(env.name, s.Name(), FaultProtocol,
				fmt.Errorf("stage %q finished run in state %s", s.Name(), s.State()))
			ferr.Duration = time.Since(start)
			return ferr
		}
	}
	return nil
}
