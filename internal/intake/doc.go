// Package intake defines the thread-first item model: deduplicated items keyed
// by (source, source_id), their append-only message log, the single triage
// record per item, correction audit rows and per-source sync state. It also
// owns the merge rules every Store backend applies on upsert and the thread
// context builder.
package intake
