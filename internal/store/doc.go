// Package store persists all durable pipeline state in SQLite: projects,
// characters, generation history, review outcomes, learned patterns,
// pipeline rows, and audit decisions. database/sql provides the bounded
// connection pool; transactions are short and never span an external
// service call.
package store
