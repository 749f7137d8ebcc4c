// Package sweeper closes rounds whose party has started or been cancelled.
// It runs on a cron schedule and, when replicated, uses leader election so
// only one instance sweeps at a time. Closing is idempotent either way; the
// election avoids duplicate work, not incorrectness.
package sweeper

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"huddle/pkg/coordination"
	"huddle/pkg/metrics"
	"huddle/pkg/storage"
)

const electionName = "sweeper"

// Config tunes the sweeper.
type Config struct {
	// Schedule is a cron spec, e.g. "@every 1m".
	Schedule string
	// InstanceID identifies this replica in the election.
	InstanceID string
}

// Sweeper drives CloseExpiredRounds on a schedule and archives the final
// tallies of every round it closes.
type Sweeper struct {
	rounds  storage.RoundStore
	archive storage.Archive
	coord   coordination.Coordinator
	log     *zap.Logger
	cfg     Config

	cron   *cron.Cron
	leader atomic.Bool
}

// New creates a sweeper. coord may be nil for single-instance deployments;
// the sweeper then always acts as leader. archive may be nil to skip
// archiving.
func New(rounds storage.RoundStore, archive storage.Archive, coord coordination.Coordinator, log *zap.Logger, cfg Config) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	return &Sweeper{
		rounds:  rounds,
		archive: archive,
		coord:   coord,
		log:     log,
		cfg:     cfg,
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.coord == nil {
		s.leader.Store(true)
	} else {
		go s.campaign(ctx)
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if !s.leader.Load() {
			return
		}
		s.sweep(ctx)
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("sweeper started",
		zap.String("schedule", s.cfg.Schedule),
		zap.String("instance", s.cfg.InstanceID))

	<-ctx.Done()

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.log.Info("sweeper stopped")
	return nil
}

// campaign blocks until leadership is acquired, then watches the session.
// When the session expires the leader flag is cleared before another replica
// can win, and the loop campaigns again. Errors pause and retry rather than
// crash.
func (s *Sweeper) campaign(ctx context.Context) {
	election := s.coord.NewElection(electionName)
	for {
		if err := election.Campaign(ctx, s.cfg.InstanceID); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("leader election campaign failed, retrying", zap.Error(err))
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		s.leader.Store(true)
		s.log.Info("acquired sweeper leadership", zap.String("instance", s.cfg.InstanceID))

		select {
		case <-election.Done():
			s.leader.Store(false)
			s.log.Warn("sweeper leadership session expired",
				zap.String("instance", s.cfg.InstanceID))
			continue
		case <-ctx.Done():
		}
		s.leader.Store(false)

		resignCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := election.Resign(resignCtx); err != nil {
			s.log.Warn("failed to resign leadership", zap.Error(err))
		}
		cancel()
		return
	}
}

// sweep closes whatever is due and archives the results. Errors are logged,
// never fatal; the next tick retries.
func (s *Sweeper) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	closed, err := s.rounds.CloseExpiredRounds(sweepCtx, time.Now())
	if err != nil {
		s.log.Error("sweep failed", zap.Error(err))
		return
	}
	if len(closed) == 0 {
		return
	}

	for _, round := range closed {
		metrics.RoundsClosedTotal.Inc()
		s.log.Info("closed round",
			zap.String("round_id", round.Snapshot.Round.ID.String()),
			zap.String("party_id", round.PartyID.String()))

		if s.archive == nil {
			continue
		}
		payload, err := json.Marshal(round.Snapshot)
		if err != nil {
			s.log.Error("failed to encode round snapshot", zap.Error(err))
			continue
		}
		location, err := s.archive.StoreSnapshot(sweepCtx, round.Snapshot.Round.ID.String(), payload)
		if err != nil {
			s.log.Error("failed to archive round snapshot",
				zap.String("round_id", round.Snapshot.Round.ID.String()),
				zap.Error(err))
			continue
		}
		s.log.Info("archived round snapshot", zap.String("location", location))
	}
}
