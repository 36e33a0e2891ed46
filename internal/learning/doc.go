// Package learning turns generation history into per-character parameter
// recommendations, checkpoint rankings, and drift alerts, and evaluates
// the quality gates that auto-approve or auto-reject new generations.
// All analysis is SQL aggregation over the store; nothing is learned
// in memory.
package learning
