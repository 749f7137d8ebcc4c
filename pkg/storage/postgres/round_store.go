package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"huddle/pkg/models"
	"huddle/pkg/storage"
)

// CreateRound commits a round, its questions and its state as one unit.
// "At most one active round per party" is re-checked while the party row is
// locked, so of two racing creators exactly one wins.
func (s *Store) CreateRound(ctx context.Context, round *models.Round, questions []models.Question) error {
	if len(questions) == 0 {
		return storage.ErrNoQuestions
	}

	return withRetry(func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var party models.Party
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&party, "id = ?", round.PartyID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return storage.ErrNotFound
				}
				return err
			}
			if party.Cancelled {
				return storage.ErrPartyCancelled
			}

			var active int64
			if err := tx.Model(&models.Round{}).
				Where("party_id = ? AND active = ?", round.PartyID, true).
				Count(&active).Error; err != nil {
				return err
			}
			if active > 0 {
				return storage.ErrRoundActive
			}

			round.Active = true
			if err := tx.Create(round).Error; err != nil {
				return fmt.Errorf("failed to create round: %w", err)
			}

			for i := range questions {
				questions[i].RoundID = round.ID
			}
			if err := tx.Create(&questions).Error; err != nil {
				return fmt.Errorf("failed to create questions: %w", err)
			}

			state := &models.RoundState{RoundID: round.ID, Version: 1}
			if err := tx.Create(state).Error; err != nil {
				return fmt.Errorf("failed to create round state: %w", err)
			}

			// Waiting-room pollers learn about the new round through the
			// party version, not just through push.
			if _, err := bumpWaitState(tx, round.PartyID); err != nil {
				return err
			}
			return nil
		})
	})
}

func (s *Store) GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error) {
	var round models.Round
	err := s.db.WithContext(ctx).First(&round, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &round, nil
}

func (s *Store) ActiveRound(ctx context.Context, partyID uuid.UUID) (*models.Round, error) {
	var round models.Round
	err := s.db.WithContext(ctx).
		Where("party_id = ? AND active = ?", partyID, true).
		First(&round).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &round, nil
}

// CastVote checks the preconditions in order, inserts the vote, applies the
// tally delta and bumps the round version in one transaction. The question
// row is locked so concurrent votes on the same question serialize; votes on
// different questions proceed independently. The unique index on
// (question, user) is the structural guarantee: of two simultaneous inserts
// exactly one succeeds and the other is translated to ErrDuplicateVote.
func (s *Store) CastVote(ctx context.Context, questionID uint, userID string, choice models.Choice) (*models.Question, error) {
	var updated models.Question

	err := withRetry(func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var question models.Question
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&question, "id = ?", questionID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return storage.ErrNotFound
				}
				return err
			}

			var round models.Round
			if err := tx.First(&round, "id = ?", question.RoundID).Error; err != nil {
				return err
			}
			if !round.Active {
				return storage.ErrRoundClosed
			}

			var member int64
			if err := tx.Model(&models.Participation{}).
				Where("party_id = ? AND user_id = ?", round.PartyID, userID).
				Count(&member).Error; err != nil {
				return err
			}
			if member == 0 {
				return storage.ErrNotParticipant
			}

			vote := models.Vote{QuestionID: questionID, UserID: userID, Choice: choice}
			if err := tx.Create(&vote).Error; err != nil {
				if isUniqueViolation(err) {
					return storage.ErrDuplicateVote
				}
				return fmt.Errorf("failed to create vote: %w", err)
			}

			column := "count_a"
			if choice == models.ChoiceB {
				column = "count_b"
			}
			if err := tx.Model(&models.Question{}).
				Where("id = ?", questionID).
				Update(column, gorm.Expr(column+" + 1")).Error; err != nil {
				return fmt.Errorf("failed to increment tally: %w", err)
			}

			if err := bumpRoundState(tx, question.RoundID); err != nil {
				return err
			}

			return tx.First(&updated, "id = ?", questionID).Error
		})
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) RoundVersion(ctx context.Context, roundID uuid.UUID) (uint64, error) {
	var state models.RoundState
	err := s.db.WithContext(ctx).First(&state, "round_id = ?", roundID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, storage.ErrNotFound
		}
		return 0, err
	}
	return state.Version, nil
}

func (s *Store) RoundSnapshot(ctx context.Context, roundID uuid.UUID) (*storage.RoundSnapshot, error) {
	var round models.Round
	err := s.db.WithContext(ctx).First(&round, "id = ?", roundID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	var state models.RoundState
	if err := s.db.WithContext(ctx).First(&state, "round_id = ?", roundID).Error; err != nil {
		return nil, fmt.Errorf("failed to read round state: %w", err)
	}

	var questions []models.Question
	if err := s.db.WithContext(ctx).
		Where("round_id = ?", roundID).
		Order("display_order asc").
		Find(&questions).Error; err != nil {
		return nil, fmt.Errorf("failed to load questions: %w", err)
	}

	return &storage.RoundSnapshot{
		Round:     round,
		Questions: questions,
		Version:   state.Version,
		UpdatedAt: state.UpdatedAt,
	}, nil
}

// CloseExpiredRounds is the administrative active→closed transition, run by
// the sweeper. Each round is closed under its party's lock and both version
// counters are bumped so pollers on either resource observe the change.
func (s *Store) CloseExpiredRounds(ctx context.Context, now time.Time) ([]storage.ClosedRound, error) {
	var candidates []models.Round
	err := s.db.WithContext(ctx).
		Joins("JOIN parties ON parties.id = rounds.party_id").
		Where("rounds.active = ?", true).
		Where("parties.start_time <= ? OR parties.cancelled = ?", now, true).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find expired rounds: %w", err)
	}

	closed := make([]storage.ClosedRound, 0, len(candidates))
	for _, candidate := range candidates {
		roundID := candidate.ID
		partyID := candidate.PartyID

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var party models.Party
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&party, "id = ?", partyID).Error; err != nil {
				return err
			}

			res := tx.Model(&models.Round{}).
				Where("id = ? AND active = ?", roundID, true).
				Updates(map[string]interface{}{"active": false, "closed_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Already closed by a concurrent sweep.
				return nil
			}

			if err := bumpRoundState(tx, roundID); err != nil {
				return err
			}
			_, err := bumpWaitState(tx, partyID)
			return err
		})
		if err != nil {
			return closed, fmt.Errorf("failed to close round %s: %w", roundID, err)
		}

		snapshot, err := s.RoundSnapshot(ctx, roundID)
		if err != nil {
			return closed, err
		}
		closed = append(closed, storage.ClosedRound{Snapshot: *snapshot, PartyID: partyID})
	}
	return closed, nil
}

func bumpRoundState(tx *gorm.DB, roundID uuid.UUID) error {
	res := tx.Model(&models.RoundState{}).
		Where("round_id = ?", roundID).
		Update("version", gorm.Expr("version + 1"))
	if res.Error != nil {
		return fmt.Errorf("failed to bump round state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
