// Package conduct provides the execution core of a pipeline orchestrator
// for Go services. It runs DAG-structured pipelines whose steps are either
// synchronous actions or long-running external workflows that suspend until
// a completion event arrives, tracks execution state under optimistic
// concurrency, aggregates per-step progress into a monotonic overall
// percentage, and fans status changes out to subscriber topics.
//
// Conduct is designed as a library, not a service. Import it, configure a
// store, register actions, and submit pipelines from your own API layer.
//
// # Quick Start
//
//	o, err := conduct.New(
//	    conduct.WithStore(memory.New()),
//	    conduct.WithLogger(logger),
//	)
//
// # Architecture
//
// Conduct follows a composable store pattern: the pipeline and execution
// subsystems each define their own store interface, and a single backend
// (memory, redis, postgres) implements both. Every mutation is guarded by
// a per-record version counter; a conflicting writer gets a typed conflict
// error and re-reads, so no in-process or distributed lock is needed.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package conduct
