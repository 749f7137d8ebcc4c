package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"huddle/pkg/models"
	"huddle/pkg/storage"
)

// CreateParty persists the party and its wait state in one transaction.
// The wait state always exists for a committed party; nothing else in the
// system is allowed to create it.
func (s *Store) CreateParty(ctx context.Context, party *models.Party) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(party).Error; err != nil {
			return fmt.Errorf("failed to create party: %w", err)
		}
		state := &models.PartyWaitState{PartyID: party.ID, Version: 1}
		if err := tx.Create(state).Error; err != nil {
			return fmt.Errorf("failed to create wait state: %w", err)
		}
		return nil
	})
}

func (s *Store) GetParty(ctx context.Context, id uuid.UUID) (*models.Party, error) {
	var party models.Party
	err := s.db.WithContext(ctx).First(&party, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &party, nil
}

func (s *Store) ListParties(ctx context.Context, filter storage.PartyListFilter) ([]models.Party, error) {
	q := s.db.WithContext(ctx).Model(&models.Party{})
	if !filter.IncludeCancelled {
		q = q.Where("cancelled = ?", false)
	}
	if filter.StartAfter != nil {
		q = q.Where("start_time >= ?", *filter.StartAfter)
	}
	if filter.StartBefore != nil {
		q = q.Where("start_time <= ?", *filter.StartBefore)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var parties []models.Party
	err := q.Order("start_time asc").Limit(limit).Offset(filter.Offset).Find(&parties).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list parties: %w", err)
	}
	return parties, nil
}

// AddParticipant performs the capacity-gated join. The party row lock covers
// the duplicate check, the live count and the insert as one unit; checking
// capacity outside the lock would be a race.
func (s *Store) AddParticipant(ctx context.Context, partyID uuid.UUID, userID string) (*storage.JoinResult, error) {
	var result storage.JoinResult

	err := withRetry(func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var party models.Party
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&party, "id = ?", partyID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return storage.ErrNotFound
				}
				return err
			}
			if party.Cancelled {
				return storage.ErrPartyCancelled
			}

			var existing int64
			if err := tx.Model(&models.Participation{}).
				Where("party_id = ? AND user_id = ?", partyID, userID).
				Count(&existing).Error; err != nil {
				return err
			}
			if existing > 0 {
				return storage.ErrAlreadyJoined
			}

			var current int64
			if err := tx.Model(&models.Participation{}).
				Where("party_id = ?", partyID).
				Count(&current).Error; err != nil {
				return err
			}
			if current >= int64(party.Capacity) {
				return storage.ErrCapacityExceeded
			}

			participation := models.Participation{PartyID: partyID, UserID: userID}
			if err := tx.Create(&participation).Error; err != nil {
				if isUniqueViolation(err) {
					return storage.ErrAlreadyJoined
				}
				return fmt.Errorf("failed to create participation: %w", err)
			}

			var standby int64
			if err := tx.Model(&models.Participation{}).
				Where("party_id = ? AND standby = ?", partyID, true).
				Count(&standby).Error; err != nil {
				return err
			}

			version, err := bumpWaitState(tx, partyID)
			if err != nil {
				return err
			}

			result = storage.JoinResult{
				Participation:      participation,
				ParticipationCount: int(current) + 1,
				StandbyCount:       int(standby),
				Capacity:           party.Capacity,
				Version:            version,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ToggleStandby flips the flag and evaluates the quorum condition while the
// party row is still locked, closing the window where two simultaneous
// toggles could both observe "no active round".
func (s *Store) ToggleStandby(ctx context.Context, partyID uuid.UUID, userID string) (*storage.StandbyResult, error) {
	var result storage.StandbyResult

	err := withRetry(func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var party models.Party
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&party, "id = ?", partyID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return storage.ErrNotFound
				}
				return err
			}
			if party.Cancelled {
				return storage.ErrPartyCancelled
			}

			var participation models.Participation
			if err := tx.Where("party_id = ? AND user_id = ?", partyID, userID).
				First(&participation).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return storage.ErrNotParticipant
				}
				return err
			}

			participation.Standby = !participation.Standby
			if err := tx.Model(&participation).
				Update("standby", participation.Standby).Error; err != nil {
				return fmt.Errorf("failed to toggle standby: %w", err)
			}

			var members, standby int64
			if err := tx.Model(&models.Participation{}).
				Where("party_id = ?", partyID).
				Count(&members).Error; err != nil {
				return err
			}
			if err := tx.Model(&models.Participation{}).
				Where("party_id = ? AND standby = ?", partyID, true).
				Count(&standby).Error; err != nil {
				return err
			}

			version, err := bumpWaitState(tx, partyID)
			if err != nil {
				return err
			}

			var active models.Round
			hasActive := true
			err = tx.Where("party_id = ? AND active = ?", partyID, true).First(&active).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				hasActive = false
			} else if err != nil {
				return err
			}

			result = storage.StandbyResult{
				Standby:            participation.Standby,
				ParticipationCount: int(members),
				StandbyCount:       int(standby),
				QuorumMet:          2*standby > members,
				HasActiveRound:     hasActive,
				Version:            version,
			}
			if hasActive {
				id := active.ID
				result.ActiveRoundID = &id
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelParty marks the party cancelled under its row lock. Active rounds
// are left to the sweeper, which closes rounds of cancelled parties.
func (s *Store) CancelParty(ctx context.Context, partyID uuid.UUID) error {
	return withRetry(func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var party models.Party
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&party, "id = ?", partyID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return storage.ErrNotFound
				}
				return err
			}
			if party.Cancelled {
				return storage.ErrPartyCancelled
			}

			if err := tx.Model(&party).Update("cancelled", true).Error; err != nil {
				return fmt.Errorf("failed to cancel party: %w", err)
			}
			_, err := bumpWaitState(tx, partyID)
			return err
		})
	})
}

func (s *Store) ListParticipants(ctx context.Context, partyID uuid.UUID) ([]models.Participation, error) {
	var participants []models.Participation
	err := s.db.WithContext(ctx).
		Where("party_id = ?", partyID).
		Order("joined_at asc").
		Find(&participants).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return participants, nil
}

func (s *Store) PartyVersion(ctx context.Context, partyID uuid.UUID) (uint64, error) {
	var state models.PartyWaitState
	err := s.db.WithContext(ctx).First(&state, "party_id = ?", partyID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, storage.ErrNotFound
		}
		return 0, err
	}
	return state.Version, nil
}

func (s *Store) PartySnapshot(ctx context.Context, partyID uuid.UUID) (*storage.PartySnapshot, error) {
	var party models.Party
	err := s.db.WithContext(ctx).First(&party, "id = ?", partyID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	var state models.PartyWaitState
	if err := s.db.WithContext(ctx).First(&state, "party_id = ?", partyID).Error; err != nil {
		return nil, fmt.Errorf("failed to read wait state: %w", err)
	}

	var members, standby int64
	if err := s.db.WithContext(ctx).Model(&models.Participation{}).
		Where("party_id = ?", partyID).Count(&members).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&models.Participation{}).
		Where("party_id = ? AND standby = ?", partyID, true).Count(&standby).Error; err != nil {
		return nil, err
	}

	snapshot := &storage.PartySnapshot{
		Party:              party,
		ParticipationCount: int(members),
		StandbyCount:       int(standby),
		Version:            state.Version,
		UpdatedAt:          state.UpdatedAt,
	}

	var active models.Round
	err = s.db.WithContext(ctx).
		Where("party_id = ? AND active = ?", partyID, true).
		First(&active).Error
	if err == nil {
		id := active.ID
		snapshot.ActiveRoundID = &id
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	return snapshot, nil
}

// bumpWaitState applies the version increment as a relative SQL update and
// returns the committed value.
func bumpWaitState(tx *gorm.DB, partyID uuid.UUID) (uint64, error) {
	res := tx.Model(&models.PartyWaitState{}).
		Where("party_id = ?", partyID).
		Update("version", gorm.Expr("version + 1"))
	if res.Error != nil {
		return 0, fmt.Errorf("failed to bump wait state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, storage.ErrNotFound
	}

	var state models.PartyWaitState
	if err := tx.First(&state, "party_id = ?", partyID).Error; err != nil {
		return 0, err
	}
	return state.Version, nil
}
