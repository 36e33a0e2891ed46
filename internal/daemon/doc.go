// Package daemon hosts the long-running sakuga process: it enforces
// single-instance execution through a lock file, runs the orchestrator
// tick loop and the replenishment loop, and exposes the operator surface
// over HTTP with bearer-token auth and per-user rate limiting.
package daemon
