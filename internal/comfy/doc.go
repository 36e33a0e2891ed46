// Package comfy is the adapter for the image-generation backend. Calls are
// guarded by a circuit breaker and retried on transient failure; the
// monitoring loop detects jobs that stop making progress.
package comfy
