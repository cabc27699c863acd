// Package triage runs the layered classification pipeline. The Engine runs
// entity extraction, rules, similarity voting and LLM verification in order,
// falling back to the best deterministic proposal when verification fails.
// The Service wraps it with ingest, batch runs and user corrections.
package triage
