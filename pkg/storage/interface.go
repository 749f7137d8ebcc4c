package storage

import (
	"context"
	"errors"
	"time"

	"huddle/pkg/models"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrAlreadyJoined    = errors.New("user already joined this party")
	ErrCapacityExceeded = errors.New("party is at capacity")
	ErrPartyCancelled   = errors.New("party has been cancelled")
	ErrRoundActive      = errors.New("an active round already exists for this party")
	ErrRoundClosed      = errors.New("round is not active")
	ErrNotParticipant   = errors.New("user is not a participant of this party")
	ErrDuplicateVote    = errors.New("user already voted on this question")
	ErrNoQuestions      = errors.New("round must have at least one question")
)

// JoinResult is the committed outcome of a successful join.
type JoinResult struct {
	Participation      models.Participation `json:"participation"`
	ParticipationCount int                  `json:"participation_count"`
	StandbyCount       int                  `json:"standby_count"`
	Capacity           uint                 `json:"capacity"`
	Version            uint64               `json:"version"`
}

// StandbyResult carries everything the quorum decision needs, all observed
// under the same party row lock that flipped the flag.
type StandbyResult struct {
	Standby            bool       `json:"standby"`
	ParticipationCount int        `json:"participation_count"`
	StandbyCount       int        `json:"standby_count"`
	QuorumMet          bool       `json:"quorum_met"`
	HasActiveRound     bool       `json:"has_active_round"`
	ActiveRoundID      *uuid.UUID `json:"active_round_id,omitempty"`
	Version            uint64     `json:"version"`
}

// PartySnapshot is the full state a waiting-room poller or push consumer
// receives. Version comes from the party's wait state.
type PartySnapshot struct {
	Party              models.Party `json:"party"`
	ParticipationCount int          `json:"participation_count"`
	StandbyCount       int          `json:"standby_count"`
	ActiveRoundID      *uuid.UUID   `json:"active_round_id,omitempty"`
	Version            uint64       `json:"version"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// RoundSnapshot is a round plus its questions ordered by display order.
type RoundSnapshot struct {
	Round     models.Round      `json:"round"`
	Questions []models.Question `json:"questions"`
	Version   uint64            `json:"version"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ClosedRound is returned by the sweeper path so the final tallies can be
// archived after commit.
type ClosedRound struct {
	Snapshot RoundSnapshot `json:"snapshot"`
	PartyID  uuid.UUID     `json:"party_id"`
}

// PartyListFilter narrows party listings.
type PartyListFilter struct {
	StartAfter       *time.Time
	StartBefore      *time.Time
	IncludeCancelled bool
	Limit            int
	Offset           int
}

// PartyStore is the data access layer for parties, participations and the
// party wait state. Every mutating method is a single atomic unit: the
// implementation must cover its read-validate-write sequence with an
// exclusive per-party lock so no two mutations of the same party interleave.
type PartyStore interface {
	// CreateParty persists a party together with its wait state.
	CreateParty(ctx context.Context, party *models.Party) error

	GetParty(ctx context.Context, id uuid.UUID) (*models.Party, error)

	ListParties(ctx context.Context, filter PartyListFilter) ([]models.Party, error)

	// AddParticipant joins a user to a party. Fails with ErrAlreadyJoined,
	// ErrCapacityExceeded, ErrPartyCancelled or ErrNotFound; on success the
	// wait-state version has been bumped in the same transaction.
	AddParticipant(ctx context.Context, partyID uuid.UUID, userID string) (*JoinResult, error)

	// ToggleStandby flips the member's standby flag and reports the counts,
	// the quorum condition and whether a round is already active, all
	// evaluated under the party lock.
	ToggleStandby(ctx context.Context, partyID uuid.UUID, userID string) (*StandbyResult, error)

	// CancelParty marks the party cancelled and bumps the wait-state version.
	// Fails with ErrPartyCancelled when already cancelled.
	CancelParty(ctx context.Context, partyID uuid.UUID) error

	ListParticipants(ctx context.Context, partyID uuid.UUID) ([]models.Participation, error)

	// PartyVersion reads the current wait-state version without locking.
	PartyVersion(ctx context.Context, partyID uuid.UUID) (uint64, error)

	// PartySnapshot assembles the poll/push payload for a party.
	PartySnapshot(ctx context.Context, partyID uuid.UUID) (*PartySnapshot, error)
}

// RoundStore is the data access layer for rounds, questions and votes.
type RoundStore interface {
	// CreateRound persists a round, its questions and its round state in one
	// transaction, after re-checking under the party lock that no other
	// active round exists (ErrRoundActive otherwise). The party wait-state
	// version is bumped so waiting-room pollers see the new round.
	CreateRound(ctx context.Context, round *models.Round, questions []models.Question) error

	GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error)

	// ActiveRound returns the party's active round, or ErrNotFound.
	ActiveRound(ctx context.Context, partyID uuid.UUID) (*models.Round, error)

	// CastVote inserts the vote, applies the tally delta and bumps the round
	// state version in one transaction. Precondition failures surface as
	// ErrNotFound, ErrRoundClosed, ErrNotParticipant or ErrDuplicateVote.
	CastVote(ctx context.Context, questionID uint, userID string, choice models.Choice) (*models.Question, error)

	RoundVersion(ctx context.Context, roundID uuid.UUID) (uint64, error)

	RoundSnapshot(ctx context.Context, roundID uuid.UUID) (*RoundSnapshot, error)

	// CloseExpiredRounds deactivates active rounds whose party has started or
	// been cancelled, bumping both version counters, and returns the final
	// snapshots for archival.
	CloseExpiredRounds(ctx context.Context, now time.Time) ([]ClosedRound, error)
}
