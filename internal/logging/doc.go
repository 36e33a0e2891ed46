// Package logging wraps log/slog with the attribute helpers and field-name
// conventions used across the daemon. Components receive a *slog.Logger and
// never configure handlers themselves; cmd/sakugad builds the root logger
// from configuration and hands scoped loggers down.
package logging
