// Package memory provides a mutex-guarded in-memory implementation of the
// storage interfaces. The single lock linearizes aggregate mutations the
// same way the Postgres row locks do, which makes it suitable for exercising
// the engine's concurrency properties in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"huddle/pkg/models"
	"huddle/pkg/storage"
)

type voteKey struct {
	questionID uint
	userID     string
}

type Store struct {
	mu sync.Mutex

	parties       map[uuid.UUID]*models.Party
	participants  map[uuid.UUID][]*models.Participation
	waitVersions  map[uuid.UUID]uint64
	waitUpdated   map[uuid.UUID]time.Time
	rounds        map[uuid.UUID]*models.Round
	questions     map[uint]*models.Question
	roundVersions map[uuid.UUID]uint64
	roundUpdated  map[uuid.UUID]time.Time
	votes         map[voteKey]*models.Vote

	nextParticipationID uint
	nextQuestionID      uint
	nextVoteID          uint
}

func NewStore() *Store {
	return &Store{
		parties:       make(map[uuid.UUID]*models.Party),
		participants:  make(map[uuid.UUID][]*models.Participation),
		waitVersions:  make(map[uuid.UUID]uint64),
		waitUpdated:   make(map[uuid.UUID]time.Time),
		rounds:        make(map[uuid.UUID]*models.Round),
		questions:     make(map[uint]*models.Question),
		roundVersions: make(map[uuid.UUID]uint64),
		roundUpdated:  make(map[uuid.UUID]time.Time),
		votes:         make(map[voteKey]*models.Vote),
	}
}

// --- PartyStore ---

func (s *Store) CreateParty(ctx context.Context, party *models.Party) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if party.ID == uuid.Nil {
		party.ID = uuid.New()
	}
	party.CreatedAt = time.Now()
	copied := *party
	s.parties[party.ID] = &copied
	s.waitVersions[party.ID] = 1
	s.waitUpdated[party.ID] = time.Now()
	return nil
}

func (s *Store) GetParty(ctx context.Context, id uuid.UUID) (*models.Party, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	party, ok := s.parties[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *party
	return &copied, nil
}

func (s *Store) ListParties(ctx context.Context, filter storage.PartyListFilter) ([]models.Party, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parties []models.Party
	for _, party := range s.parties {
		if party.Cancelled && !filter.IncludeCancelled {
			continue
		}
		if filter.StartAfter != nil && party.StartTime.Before(*filter.StartAfter) {
			continue
		}
		if filter.StartBefore != nil && party.StartTime.After(*filter.StartBefore) {
			continue
		}
		parties = append(parties, *party)
	}
	sort.Slice(parties, func(i, j int) bool {
		return parties[i].StartTime.Before(parties[j].StartTime)
	})
	return parties, nil
}

func (s *Store) AddParticipant(ctx context.Context, partyID uuid.UUID, userID string) (*storage.JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	party, ok := s.parties[partyID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if party.Cancelled {
		return nil, storage.ErrPartyCancelled
	}
	for _, p := range s.participants[partyID] {
		if p.UserID == userID {
			return nil, storage.ErrAlreadyJoined
		}
	}
	if len(s.participants[partyID]) >= int(party.Capacity) {
		return nil, storage.ErrCapacityExceeded
	}

	s.nextParticipationID++
	participation := &models.Participation{
		ID:       s.nextParticipationID,
		PartyID:  partyID,
		UserID:   userID,
		JoinedAt: time.Now(),
	}
	s.participants[partyID] = append(s.participants[partyID], participation)
	version := s.bumpWaitLocked(partyID)

	standby := 0
	for _, p := range s.participants[partyID] {
		if p.Standby {
			standby++
		}
	}

	return &storage.JoinResult{
		Participation:      *participation,
		ParticipationCount: len(s.participants[partyID]),
		StandbyCount:       standby,
		Capacity:           party.Capacity,
		Version:            version,
	}, nil
}

func (s *Store) ToggleStandby(ctx context.Context, partyID uuid.UUID, userID string) (*storage.StandbyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	party, ok := s.parties[partyID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if party.Cancelled {
		return nil, storage.ErrPartyCancelled
	}

	var participation *models.Participation
	for _, p := range s.participants[partyID] {
		if p.UserID == userID {
			participation = p
			break
		}
	}
	if participation == nil {
		return nil, storage.ErrNotParticipant
	}

	participation.Standby = !participation.Standby

	members := len(s.participants[partyID])
	standby := 0
	for _, p := range s.participants[partyID] {
		if p.Standby {
			standby++
		}
	}
	version := s.bumpWaitLocked(partyID)

	result := &storage.StandbyResult{
		Standby:            participation.Standby,
		ParticipationCount: members,
		StandbyCount:       standby,
		QuorumMet:          2*standby > members,
		Version:            version,
	}
	if round := s.activeRoundLocked(partyID); round != nil {
		result.HasActiveRound = true
		id := round.ID
		result.ActiveRoundID = &id
	}
	return result, nil
}

func (s *Store) CancelParty(ctx context.Context, partyID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	party, ok := s.parties[partyID]
	if !ok {
		return storage.ErrNotFound
	}
	if party.Cancelled {
		return storage.ErrPartyCancelled
	}
	party.Cancelled = true
	s.bumpWaitLocked(partyID)
	return nil
}

func (s *Store) ListParticipants(ctx context.Context, partyID uuid.UUID) ([]models.Participation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]models.Participation, 0, len(s.participants[partyID]))
	for _, p := range s.participants[partyID] {
		list = append(list, *p)
	}
	return list, nil
}

func (s *Store) PartyVersion(ctx context.Context, partyID uuid.UUID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version, ok := s.waitVersions[partyID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return version, nil
}

func (s *Store) PartySnapshot(ctx context.Context, partyID uuid.UUID) (*storage.PartySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	party, ok := s.parties[partyID]
	if !ok {
		return nil, storage.ErrNotFound
	}

	standby := 0
	for _, p := range s.participants[partyID] {
		if p.Standby {
			standby++
		}
	}
	snapshot := &storage.PartySnapshot{
		Party:              *party,
		ParticipationCount: len(s.participants[partyID]),
		StandbyCount:       standby,
		Version:            s.waitVersions[partyID],
		UpdatedAt:          s.waitUpdated[partyID],
	}
	if round := s.activeRoundLocked(partyID); round != nil {
		id := round.ID
		snapshot.ActiveRoundID = &id
	}
	return snapshot, nil
}

// --- RoundStore ---

func (s *Store) CreateRound(ctx context.Context, round *models.Round, questions []models.Question) error {
	if len(questions) == 0 {
		return storage.ErrNoQuestions
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	party, ok := s.parties[round.PartyID]
	if !ok {
		return storage.ErrNotFound
	}
	if party.Cancelled {
		return storage.ErrPartyCancelled
	}
	if s.activeRoundLocked(round.PartyID) != nil {
		return storage.ErrRoundActive
	}

	if round.ID == uuid.Nil {
		round.ID = uuid.New()
	}
	round.Active = true
	round.CreatedAt = time.Now()
	copied := *round
	s.rounds[round.ID] = &copied

	for i := range questions {
		s.nextQuestionID++
		questions[i].ID = s.nextQuestionID
		questions[i].RoundID = round.ID
		q := questions[i]
		s.questions[q.ID] = &q
	}
	s.roundVersions[round.ID] = 1
	s.roundUpdated[round.ID] = time.Now()
	s.bumpWaitLocked(round.PartyID)
	return nil
}

func (s *Store) GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	round, ok := s.rounds[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *round
	return &copied, nil
}

func (s *Store) ActiveRound(ctx context.Context, partyID uuid.UUID) (*models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	round := s.activeRoundLocked(partyID)
	if round == nil {
		return nil, storage.ErrNotFound
	}
	copied := *round
	return &copied, nil
}

func (s *Store) CastVote(ctx context.Context, questionID uint, userID string, choice models.Choice) (*models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	question, ok := s.questions[questionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	round := s.rounds[question.RoundID]
	if round == nil || !round.Active {
		return nil, storage.ErrRoundClosed
	}

	member := false
	for _, p := range s.participants[round.PartyID] {
		if p.UserID == userID {
			member = true
			break
		}
	}
	if !member {
		return nil, storage.ErrNotParticipant
	}

	key := voteKey{questionID: questionID, userID: userID}
	if _, exists := s.votes[key]; exists {
		return nil, storage.ErrDuplicateVote
	}

	s.nextVoteID++
	s.votes[key] = &models.Vote{
		ID:         s.nextVoteID,
		QuestionID: questionID,
		UserID:     userID,
		Choice:     choice,
		CastAt:     time.Now(),
	}
	if choice == models.ChoiceA {
		question.CountA++
	} else {
		question.CountB++
	}
	s.roundVersions[round.ID]++
	s.roundUpdated[round.ID] = time.Now()

	copied := *question
	return &copied, nil
}

func (s *Store) RoundVersion(ctx context.Context, roundID uuid.UUID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version, ok := s.roundVersions[roundID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return version, nil
}

func (s *Store) RoundSnapshot(ctx context.Context, roundID uuid.UUID) (*storage.RoundSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	round, ok := s.rounds[roundID]
	if !ok {
		return nil, storage.ErrNotFound
	}

	var questions []models.Question
	for _, q := range s.questions {
		if q.RoundID == roundID {
			questions = append(questions, *q)
		}
	}
	sort.Slice(questions, func(i, j int) bool {
		return questions[i].Order < questions[j].Order
	})

	return &storage.RoundSnapshot{
		Round:     *round,
		Questions: questions,
		Version:   s.roundVersions[roundID],
		UpdatedAt: s.roundUpdated[roundID],
	}, nil
}

func (s *Store) CloseExpiredRounds(ctx context.Context, now time.Time) ([]storage.ClosedRound, error) {
	s.mu.Lock()
	expired := make([]uuid.UUID, 0)
	for id, round := range s.rounds {
		if !round.Active {
			continue
		}
		party := s.parties[round.PartyID]
		if party == nil {
			continue
		}
		if party.Cancelled || !party.StartTime.After(now) {
			round.Active = false
			closedAt := now
			round.ClosedAt = &closedAt
			s.roundVersions[id]++
			s.roundUpdated[id] = now
			s.bumpWaitLocked(round.PartyID)
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	closed := make([]storage.ClosedRound, 0, len(expired))
	for _, id := range expired {
		snapshot, err := s.RoundSnapshot(ctx, id)
		if err != nil {
			return closed, err
		}
		closed = append(closed, storage.ClosedRound{Snapshot: *snapshot, PartyID: snapshot.Round.PartyID})
	}
	return closed, nil
}

func (s *Store) activeRoundLocked(partyID uuid.UUID) *models.Round {
	for _, round := range s.rounds {
		if round.PartyID == partyID && round.Active {
			return round
		}
	}
	return nil
}

func (s *Store) bumpWaitLocked(partyID uuid.UUID) uint64 {
	s.waitVersions[partyID]++
	s.waitUpdated[partyID] = time.Now()
	return s.waitVersions[partyID]
}
