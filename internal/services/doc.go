// Package services holds the error taxonomy and context conventions shared
// by every external-service adapter and pipeline component. Errors are
// classified with sentinel markers so the orchestrator and the HTTP surface
// can map failures to retry policy and status codes without inspecting
// message text.
package services
