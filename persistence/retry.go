package persistence

import "fmt"

// retryCheckpointID synthesizes the audit-only id for a retry attempt.
// A user-chosen checkpoint id containing this exact substring can collide
// with a synthesized one; spec.md documents this as a known, accepted
// ambiguity rather than something backends defend against.
func retryCheckpointID(checkpointID string, attempt int) string {
	return fmt.Sprintf("%s::retry::%d", checkpointID, attempt)
}
