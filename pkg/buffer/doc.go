// Package buffer provides the per-boundary chunk buffer behind StreamKit's
// backpressure model.
//
// # Overview
//
// Each streaming boundary owns one ChunkBuffer. Producers write chunks,
// consumers drain them in write order, and the buffer applies one of four
// strategies once buffered bytes exceed the high-water mark. Capacity and
// the mark are byte budgets rather than chunk counts.
//
// # Backpressure Strategies
//
//   - StrategyPause: the write call suspends the producer until a drain
//     brings buffered bytes back under the mark. The default, and the only
//     strategy providing true flow control. Suspended writes are
//     context-cancellable and unblocked with a classified abort when the
//     boundary is cancelled.
//   - StrategyDrop: chunks beyond the mark are discarded. Lossy by design.
//     The drop policy selects whether the incoming chunk is discarded
//     (DropNewest, default) or the oldest buffered chunks are evicted.
//   - StrategyBuffer: growth is allowed past the mark up to the hard byte
//     cap; exceeding the cap escalates to StrategyError semantics.
//   - StrategyError: exceeding the mark raises a classified backpressure
//     error so the scheduler can fail the boundary.
//
// # Quick Start
//
//	buf, err := buffer.NewChunkBuffer("hero", 64*1024, 16*1024,
//	    buffer.WithStrategy(buffer.StrategyPause),
//	    buffer.WithDrainCallback(func() { sched.resume("hero") }),
//	)
//	if err != nil {
//	    return err
//	}
//	accepted, err := buf.Write(ctx, chunk) // may suspend under Pause
//
// # Observability
//
// Statistics are always collected: accepted/dropped chunk counts, byte
// totals, backpressure engagements, buffered watermarks, and mean
// accept-to-drain latency. The scheduler's metrics collector reads them
// live; nothing is cached.
package buffer
