// Package events provides the process-local asynchronous pub/sub bus
// connecting the pipeline's subsystems.
package events
