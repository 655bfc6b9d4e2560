// Package jobs holds the evaluation job model and its stores.
package jobs

import "context"

// Store persists jobs and enforces their state machine. Writes to one job are
// serialized; writes to different jobs never wait on each other.
type Store interface {
	// Create inserts a queued job and returns its snapshot.
	Create(ctx context.Context, title, cvID, reportID string) (Job, error)
	// Transition moves a job to next, writing upd atomically with the status.
	Transition(ctx context.Context, id string, next Status, upd Update) (Job, error)
	// Get returns a copy of the latest committed state.
	Get(ctx context.Context, id string) (Job, error)
}
