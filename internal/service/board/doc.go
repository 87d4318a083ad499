// Package board implements the mutation engine for the workspace hierarchy
// (workspace -> board -> section -> task -> subtask).
//
// Every mutation follows the same path:
//   - authorize against the access gateway, before any lock is taken
//   - open one storage transaction and lock every touched container
//   - re-read the order list and apply the change through ordering.Container
//   - append one audit event in the same transaction
//   - after commit, notify the change feed exactly once
//
// Denials are returned as typed domain errors. Invariant violations are
// logged at error level and returned as internal failures.
package board
