// Package scheduler moves planned jobs through the batch backend.
package scheduler

import "context"

// Scheduler dispatches ready jobs, follows them to completion, and keeps
// workflow status current.
type Scheduler interface {
	// Start begins the scheduling loop. Blocks until ctx is cancelled.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the scheduler.
	Stop() error

	// Tick runs a single scheduling iteration. Used for testing.
	Tick(ctx context.Context) error
}
