// Package coordination abstracts distributed leader election. The sweeper
// uses it so only one replica closes expired rounds at a time.
package coordination

import (
	"context"
)

// Coordinator hands out election campaigns.
type Coordinator interface {
	// NewElection creates a new election instance for a given campaign name.
	NewElection(name string) Election

	// Close terminates the coordinator connection.
	Close() error
}

// Election represents a single leader election campaign.
type Election interface {
	// Campaign starts the process of trying to become leader.
	// It blocks until leadership is acquired or an error occurs.
	Campaign(ctx context.Context, value string) error

	// Resign releases leadership.
	Resign(ctx context.Context) error

	// Done is closed when the underlying session expires. Leadership won in
	// this election is no longer held once Done fires.
	Done() <-chan struct{}

	// Leader returns the current leader's value (if any).
	Leader(ctx context.Context) (string, error)
}
