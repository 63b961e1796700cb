// Package artifact contains concrete implementations of core.ArtifactStore.
//
// The canonical ArtifactStore interface lives in the core package to keep
// domain contracts central. Implementations here hold pipeline stage outputs
// (reference lists, analysis reports, drafts, compliance reports) keyed by
// owner id (a pipeline task id or a session id). Callers should depend on the
// core interface so storage backends can be swapped without touching calling
// code.
package artifact
