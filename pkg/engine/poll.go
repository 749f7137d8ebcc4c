package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"huddle/pkg/metrics"
	"huddle/pkg/storage"
)

// WaitPartyState parks until the party's wait-state version exceeds known,
// then returns the fresh snapshot with changed=true. If nothing changes
// before the poll timeout, it returns (nil, false, nil) so the caller can
// answer "no change". Cancellation of ctx ends the wait with ctx.Err().
//
// The loop only ever issues plain version reads; it never holds a lock while
// parked.
func (e *Engine) WaitPartyState(ctx context.Context, partyID uuid.UUID, known uint64) (*storage.PartySnapshot, bool, error) {
	changed, err := e.waitForChange(ctx, known, func(ctx context.Context) (uint64, error) {
		return e.parties.PartyVersion(ctx, partyID)
	})
	if err != nil || !changed {
		return nil, false, err
	}
	snapshot, err := e.parties.PartySnapshot(ctx, partyID)
	if err != nil {
		return nil, false, err
	}
	return snapshot, true, nil
}

// WaitRoundState is WaitPartyState for a round's tally version.
func (e *Engine) WaitRoundState(ctx context.Context, roundID uuid.UUID, known uint64) (*storage.RoundSnapshot, bool, error) {
	changed, err := e.waitForChange(ctx, known, func(ctx context.Context) (uint64, error) {
		return e.rounds.RoundVersion(ctx, roundID)
	})
	if err != nil || !changed {
		return nil, false, err
	}
	snapshot, err := e.rounds.RoundSnapshot(ctx, roundID)
	if err != nil {
		return nil, false, err
	}
	return snapshot, true, nil
}

// waitForChange re-reads a version counter at the poll interval until it
// exceeds known or the timeout elapses. The first check is immediate so an
// already-stale client never waits a full interval.
func (e *Engine) waitForChange(ctx context.Context, known uint64, version func(context.Context) (uint64, error)) (bool, error) {
	metrics.PollWaiters.Inc()
	defer metrics.PollWaiters.Dec()

	deadline := time.NewTimer(e.cfg.PollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		current, err := version(ctx)
		if err != nil {
			return false, err
		}
		if current > known {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
		}
	}
}
