package domain

import "fmt"

// EnsureTaskImmutable rejects updates that would alter identity fields.
func EnsureTaskImmutable(before, after Task) error {
	if before.ID != after.ID {
		return fmt.Errorf("task id changed from %q to %q", before.ID, after.ID)
	}
	if before.Number != after.Number {
		return New(CodeImmutableField, "task number is immutable")
	}
	return nil
}
