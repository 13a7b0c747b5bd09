// Package streamkit provides a priority-aware streaming engine for
// progressive content delivery: server-rendered pages declare independent
// content boundaries, and the engine schedules chunk delivery across them
// under explicit concurrency and backpressure budgets.
//
// # Architecture
//
// The module is organized around one scheduling core with thin surfaces
// on either side:
//
//	┌─────────────────────────────────────┐
//	│            Engine                   │  Admission, lifecycle,
//	│   (priority queue, delivery slots)  │  timers, retries
//	└─────────────────────────────────────┘
//	           ↓ delivers through
//	┌─────────────────────────────────────┐
//	│          Chunk Buffers              │  Byte budgets, high-water
//	│   (pause, drop, buffer, error)      │  marks, flow control
//	└─────────────────────────────────────┘
//	           ↓ observed by
//	┌─────────────────────────────────────┐
//	│       Bridge + Metrics              │  Hydration snapshots,
//	│   (HTTP, WebSocket, Prometheus)     │  event feed, scrapes
//	└─────────────────────────────────────┘
//
// Boundaries are registered with a priority, an optional defer window, and
// an optional inactivity timeout. The engine admits them in (priority,
// registration order) up to the configured concurrency cap; producers
// write chunks through a Handle and the configured backpressure strategy
// decides what happens when a consumer falls behind.
//
// # Packages
//
//   - boundary: boundary descriptors, priorities, and the lifecycle
//     state machine
//   - engine: the scheduler, handles, events, and metrics snapshots
//   - pkg/buffer: per-boundary chunk buffers with backpressure strategies
//   - pkg/backoff: retry delay policies
//   - bridge: hydration snapshots and the WebSocket event feed
//   - config: YAML and environment configuration
//   - metric: Prometheus registration and exposition
//   - errors: the classified error taxonomy shared by all of the above
package streamkit
