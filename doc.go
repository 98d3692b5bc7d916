// Package flowz provides a type-safe, backpressure-aware streaming pipeline
// for moving data through a chain of producer -> transform -> consumer
// stages in Go.
//
// # Overview
//
// flowz moves chunks incrementally instead of buffering payloads wholesale:
// a slow consumer automatically throttles a fast producer through a
// credit-based flow-control protocol, so memory stays bounded no matter how
// mismatched the stages are. Data flows strictly left to right; control
// flows right to left as saturation and drain signals.
//
// # Core Concepts
//
// Three stage kinds share one lifecycle:
//
//   - Source[T]: produces chunks on demand via Pull
//   - Sink[T]: consumes chunks via Write and signals saturation and drain
//   - Transform[In, Out]: both a Sink[In] and a Source[Out], mapping each
//     input to zero or more outputs in strict order
//
// Every stage owns a FlowController that tracks its buffered amount against
// a high-water mark. A Write returning ok=false means "pause until Drain
// resolves" - that is the whole backpressure protocol.
//
// Chunk accounting is generic: byte-mode stages weigh chunks by length
// (ByteWeight), object-mode stages weigh every chunk as one unit
// (CountWeight). There is no runtime mode flag; the weigher is just a
// function of the chunk type.
//
// # Composition
//
// Pipe connects one Source to one Sink and drives the pull/write/drain
// loop. Pipeline chains Source -> Transform* -> Sink, running a pipe per
// adjacent pair concurrently and unifying their completion into a single
// outcome:
//
//	src := flowz.FromSlice("nums", []int{1, 2, 3, 4})
//	double := flowz.Map("double", func(_ context.Context, n int) (int, error) {
//	    return n * 2, nil
//	})
//	evens := flowz.Filter("evens", func(_ context.Context, n int) bool {
//	    return n%2 == 0
//	})
//	out := flowz.Collect[int]("out")
//
//	p := flowz.Through(flowz.Through(flowz.NewPipeline("example", src), double), evens)
//	err := p.Run(ctx, out)
//
// # Failure Semantics
//
// The first failure observed anywhere in the chain wins: it becomes the
// single root-cause *Error returned by Run, and every other stage is
// forcibly cancelled exactly once. A near-simultaneous second failure is
// retained on the Error's Secondary field for diagnostics. Protocol
// violations (a concurrent Pull, a Write after Close) surface immediately
// and are never retried; the core retries nothing.
//
// Cancellation is cooperative, carried by context.Context: in-flight
// operations run to their next suspension point before observing it.
// Pipeline.WithDeadline auto-cancels after a duration through the
// pipeline's clock, so tests can drive deadlines with a fake clock.
//
// # Observability
//
// Pipes and pipelines emit typed lifecycle events (stage_started,
// stage_saturated, stage_drained, stage_completed, stage_errored) via
// hookz, expose counters and gauges via metricz, and produce spans via
// tracez. No logging framework is mandated; subscribe to the events and
// bridge to whatever you run.
package flowz
