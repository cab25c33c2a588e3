// Package project holds the state of one artifact-generation project.
//
// A State is owned by the engine: it is mutated only by phase advance,
// rollback and remediation bookkeeping, and persisted through a Repository.
// Artifacts, version records, approval gates and snapshots are the
// project's durable side records.
package project
