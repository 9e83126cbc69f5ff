// Package conductor is a two-stage planner and DAG execution engine for
// natural-language analytical queries.
//
// A query is decomposed into a validated DAG of subtasks (Stage 1), each
// dependency path is enriched with concrete tool selections and extracted
// parameters (Stage 2), and the resulting per-path execution plans are driven
// to completion by a dependency-aware parallel executor. Task lifecycle and
// outputs are persisted twice: structured rows in a TaskStore (store/sqlite,
// store/postgres) and immutable sequence-numbered JSON artifacts on an
// ArtifactBus (bus). A final consolidation pass merges worker outputs by
// agent, computes summary statistics, and produces the answer.
//
// The engine owns the plan and both stores; worker agents only satisfy the
// Worker contract and never touch persistence directly.
package conductor
