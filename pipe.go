package flowz

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for the Pipe connector.
const (
	// Metrics.
	PipeChunksTotal = metricz.Key("pipe.chunks.total")
	PipeStallsTotal = metricz.Key("pipe.stalls.total")
	PipeWeightTotal = metricz.Key("pipe.weight.total")
	PipeDurationMs  = metricz.Key("pipe.duration.ms")

	// Spans.
	PipeDriveSpan = tracez.Key("pipe.drive")

	// Tags.
	PipeTagSource  = tracez.Tag("pipe.source")
	PipeTagSink    = tracez.Tag("pipe.sink")
	PipeTagSuccess = tracez.Tag("pipe.success")
	PipeTagError   = tracez.Tag("pipe.error")
)

// Pipe drives chunks from one Source into one Sink, honoring the sink's
// backpressure signal: pull, write, and when the write reports saturation,
// await the drain before the next pull. Chunks reach the sink in the exact
// order they were pulled, with at most one write outstanding at a time
// (sinks that declare write concurrency internally still receive writes in
// issuance order).
//
// On any failure the pipe cancels the source, closes the sink with the
// error, and fails its Run with the first error observed. A second
// simultaneous failure is recorded on the Error's Secondary field and in
// the stage_errored event, never surfaced as the primary failure.
//
// # Observability
//
// Metrics:
//   - pipe.chunks.total: Counter of chunks delivered
//   - pipe.stalls.total: Counter of saturation pauses
//   - pipe.weight.total: Gauge of cumulative accounting weight moved
//   - pipe.duration.ms: Gauge of drive duration
//
// Traces:
//   - pipe.drive: Span for the whole drive loop
//
// Events (via hooks):
//   - pipeline.stage_started / _saturated / _drained / _completed / _errored
type Pipe[T any] struct {
	source Source[T]
	sink   Sink[T]
	name   Name
	weigh  Weigher[T]
	obs    *observer
	mu     sync.RWMutex
}

// NewPipe creates a Pipe connecting source to sink.
func NewPipe[T any](name Name, source Source[T], sink Sink[T]) *Pipe[T] {
	return &Pipe[T]{
		name:   name,
		source: source,
		sink:   sink,
		weigh:  CountWeight[T],
		obs:    newObserver(name, clockz.RealClock),
	}
}

// WithWeigher sets the weigher used for the pipe's weight metrics (it does
// not affect the sink's own accounting). Returns the same instance for
// chaining.
func (p *Pipe[T]) WithWeigher(weigh Weigher[T]) *Pipe[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if weigh != nil {
		p.weigh = weigh
	}
	return p
}

// WithClock sets a custom clock for testing.
func (p *Pipe[T]) WithClock(clock clockz.Clock) *Pipe[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.obs.clock = clock
	return p
}

// Name returns the name of this pipe.
func (p *Pipe[T]) Name() Name { return p.name }

// Metrics returns the pipe's metrics registry.
func (p *Pipe[T]) Metrics() *metricz.Registry { return p.obs.metrics }

// Tracer returns the pipe's tracer.
func (p *Pipe[T]) Tracer() *tracez.Tracer { return p.obs.tracer }

// Close releases the pipe's observability resources.
func (p *Pipe[T]) Close() error {
	p.obs.close()
	return nil
}

// OnStageStarted registers a handler for stage_started events.
func (p *Pipe[T]) OnStageStarted(handler func(context.Context, StageEvent) error) error {
	_, err := p.obs.hooks.Hook(EventStageStarted, handler)
	return err
}

// OnStageSaturated registers a handler for stage_saturated events.
func (p *Pipe[T]) OnStageSaturated(handler func(context.Context, StageEvent) error) error {
	_, err := p.obs.hooks.Hook(EventStageSaturated, handler)
	return err
}

// OnStageDrained registers a handler for stage_drained events.
func (p *Pipe[T]) OnStageDrained(handler func(context.Context, StageEvent) error) error {
	_, err := p.obs.hooks.Hook(EventStageDrained, handler)
	return err
}

// OnStageCompleted registers a handler for stage_completed events.
func (p *Pipe[T]) OnStageCompleted(handler func(context.Context, StageEvent) error) error {
	_, err := p.obs.hooks.Hook(EventStageCompleted, handler)
	return err
}

// OnStageErrored registers a handler for stage_errored events.
func (p *Pipe[T]) OnStageErrored(handler func(context.Context, StageEvent) error) error {
	_, err := p.obs.hooks.Hook(EventStageErrored, handler)
	return err
}

// Run drives the pipe to completion: until the source reports done and the
// sink finishes flushing, or until the first failure.
func (p *Pipe[T]) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.RLock()
	weigh := p.weigh
	p.mu.RUnlock()

	p.obs.reset()
	if ferr := runPipe(ctx, p.name, p.source, p.sink, weigh, p.obs); ferr != nil {
		return ferr
	}
	return nil
}

// runPipe is the single-hop driving loop shared by Pipe.Run and Pipeline.
func runPipe[T any](ctx context.Context, name Name, source Source[T], sink Sink[T], weigh Weigher[T], obs *observer) (ferr *Error) {
	start := time.Now()
	ctx, span := obs.tracer.StartSpan(ctx, PipeDriveSpan)
	span.SetTag(PipeTagSource, string(source.Name()))
	span.SetTag(PipeTagSink, string(sink.Name()))
	defer func() {
		obs.metrics.Gauge(PipeDurationMs).Set(float64(time.Since(start).Milliseconds()))
		if ferr == nil {
			span.SetTag(PipeTagSuccess, "true")
		} else {
			span.SetTag(PipeTagSuccess, "false")
			span.SetTag(PipeTagError, ferr.Error())
		}
		span.Finish()
	}()
	defer recoverToError(&ferr, name, FaultProtocol)

	obs.started(ctx, source.Name())
	obs.started(ctx, sink.Name())

	var totalWeight int64
	for {
		if err := ctx.Err(); err != nil {
			primary := newStageError(name, FaultCancellation, err)
			source.Cancel(primary)
			_ = sink.Close(primary)
			obs.errored(ctx, name, primary)
			return primary
		}

		chunk, done, perr := source.Pull(ctx)
		if perr != nil {
			primary := prependPath(name, source.Name(), FaultProducer, perr)
			// Snapshot the sink before closing it: a sink that failed
			// independently is the secondary fault, never the primary.
			sinkErrored := sink.State() == StateErrored
			sinkErr := sink.Err()
			if cerr := sink.Close(primary); cerr != nil {
				primary.Secondary = cerr
			} else if sinkErrored {
				primary.Secondary = sinkErr
			}
			source.Cancel(primary)
			obs.errored(ctx, source.Name(), primary)
			return primary
		}

		if done {
			obs.completed(ctx, source.Name())
			if cerr := sink.Close(nil); cerr != nil {
				primary := prependPath(name, sink.Name(), FaultConsumer, cerr)
				obs.errored(ctx, sink.Name(), primary)
				return primary
			}
			select {
			case <-sink.Done():
			case <-ctx.Done():
				primary := newStageError(name, FaultCancellation, ctx.Err())
				sink.Cancel(primary)
				obs.errored(ctx, sink.Name(), primary)
				return primary
			}
			if sink.State() != StateCompleted {
				fault := FaultConsumer
				if sink.State() == StateCancelled {
					fault = FaultCancellation
				}
				primary := prependPath(name, sink.Name(), fault, sink.Err())
				obs.errored(ctx, sink.Name(), primary)
				return primary
			}
			obs.completed(ctx, sink.Name())
			return nil
		}

		ok, werr := sink.Write(ctx, chunk)
		if werr != nil {
			primary := prependPath(name, sink.Name(), FaultConsumer, werr)
			if source.State() == StateErrored {
				primary.Secondary = source.Err()
			}
			source.Cancel(primary)
			obs.errored(ctx, sink.Name(), primary)
			return primary
		}
		obs.metrics.Counter(PipeChunksTotal).Inc()
		totalWeight += int64(weigh(chunk))
		obs.metrics.Gauge(PipeWeightTotal).Set(float64(totalWeight))

		if !ok {
			obs.metrics.Counter(PipeStallsTotal).Inc()
			obs.saturated(ctx, sink.Name())
			if derr := sink.Drain(ctx); derr != nil {
				primary := prependPath(name, sink.Name(), FaultConsumer, derr)
				source.Cancel(primary)
				_ = sink.Close(primary)
				obs.errored(ctx, sink.Name(), primary)
				return primary
			}
			obs.drained(ctx, sink.Name())
		}
	}
}
