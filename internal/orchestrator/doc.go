// Package orchestrator is the tick-driven pipeline scheduler. It advances
// characters and projects through their ordered phase sequences, evaluating
// gates over stored state and dispatching background workers where a gate
// needs action.
package orchestrator
