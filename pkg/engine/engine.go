// Package engine implements the coordination rules on top of the storage
// layer: capacity-gated joins, the standby quorum trigger, single-active-round
// enforcement and one-vote-per-user aggregation. Storage guarantees atomicity
// of each mutation; the engine sequences mutations, talks to the question
// provider and fans out change notifications.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"huddle/pkg/ai"
	"huddle/pkg/metrics"
	"huddle/pkg/models"
	"huddle/pkg/notify"
	"huddle/pkg/storage"
)

const maxQuestionText = 80

// Config tunes the engine.
type Config struct {
	// QuestionCount is how many items each new round requests.
	QuestionCount int
	// PollInterval is the re-check cadence of the long-poll loops.
	PollInterval time.Duration
	// PollTimeout bounds how long a long-poll request may park.
	PollTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QuestionCount <= 0 {
		c.QuestionCount = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 25 * time.Second
	}
	return c
}

// Engine coordinates parties, rounds and votes.
type Engine struct {
	parties storage.PartyStore
	rounds  storage.RoundStore
	gen     ai.Generator
	events  notify.Broadcaster
	log     *zap.Logger
	cfg     Config
}

func New(parties storage.PartyStore, rounds storage.RoundStore, gen ai.Generator, events notify.Broadcaster, log *zap.Logger, cfg Config) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		parties: parties,
		rounds:  rounds,
		gen:     gen,
		events:  events,
		log:     log,
		cfg:     cfg.withDefaults(),
	}
}

// CreateParty validates and persists a new party.
func (e *Engine) CreateParty(ctx context.Context, party *models.Party) error {
	if party.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if len(party.Title) > 100 {
		return fmt.Errorf("%w: title exceeds 100 characters", ErrInvalidInput)
	}
	if party.Capacity < 1 {
		return fmt.Errorf("%w: capacity must be at least 1", ErrInvalidInput)
	}
	if !party.StartTime.After(time.Now()) {
		return fmt.Errorf("%w: start time must be in the future", ErrInvalidInput)
	}
	return e.parties.CreateParty(ctx, party)
}

// CancelParty cancels a party on behalf of its creator. The sweeper closes
// any round still active for it.
func (e *Engine) CancelParty(ctx context.Context, partyID uuid.UUID, userID string) error {
	party, err := e.parties.GetParty(ctx, partyID)
	if err != nil {
		return err
	}
	if party.CreatedBy != userID {
		return ErrNotOwner
	}
	if err := e.parties.CancelParty(ctx, partyID); err != nil {
		return err
	}
	e.log.Info("party cancelled",
		zap.String("party_id", partyID.String()),
		zap.String("by", userID))
	return nil
}

func (e *Engine) GetParty(ctx context.Context, id uuid.UUID) (*models.Party, error) {
	return e.parties.GetParty(ctx, id)
}

func (e *Engine) ListParties(ctx context.Context, filter storage.PartyListFilter) ([]models.Party, error) {
	return e.parties.ListParties(ctx, filter)
}

func (e *Engine) ListParticipants(ctx context.Context, partyID uuid.UUID) ([]models.Participation, error) {
	return e.parties.ListParticipants(ctx, partyID)
}

// JoinParty admits a user into a party, subject to the capacity gate.
func (e *Engine) JoinParty(ctx context.Context, partyID uuid.UUID, userID string) (*storage.JoinResult, error) {
	result, err := e.parties.AddParticipant(ctx, partyID, userID)
	if err != nil {
		metrics.RecordJoin(joinOutcome(err))
		return nil, err
	}
	metrics.RecordJoin("accepted")

	event, eventErr := notify.NewStandbyUpdate(partyID, result.ParticipationCount, result.StandbyCount)
	e.publish(ctx, event, eventErr)
	return result, nil
}

// ToggleOutcome is the result of a standby toggle, including whatever the
// quorum check decided.
type ToggleOutcome struct {
	storage.StandbyResult

	// RoundCreated is true when this toggle won the quorum race and a fresh
	// round now exists.
	RoundCreated bool `json:"round_created"`
	// RoundID points at the party's active round, whether this toggle created
	// it or merely observed it.
	RoundID *uuid.UUID `json:"round_id,omitempty"`
}

// ToggleStandby flips the caller's standby flag. When the flip reaches a
// strict majority of members on standby and no round is active, a round is
// started: items are fetched from the generation service with no lock held,
// then creation re-checks the single-active-round rule under the party lock.
// Exactly one of any set of racing toggles creates the round; the rest
// observe it.
//
// A generation failure is returned together with the outcome: the toggle has
// already committed and is never rolled back.
func (e *Engine) ToggleStandby(ctx context.Context, partyID uuid.UUID, userID string) (*ToggleOutcome, error) {
	result, err := e.parties.ToggleStandby(ctx, partyID, userID)
	if err != nil {
		return nil, err
	}
	direction := "off"
	if result.Standby {
		direction = "on"
	}
	metrics.StandbyTogglesTotal.WithLabelValues(direction).Inc()

	event, eventErr := notify.NewStandbyUpdate(partyID, result.ParticipationCount, result.StandbyCount)
	e.publish(ctx, event, eventErr)

	outcome := &ToggleOutcome{StandbyResult: *result, RoundID: result.ActiveRoundID}
	if result.HasActiveRound || !result.QuorumMet {
		return outcome, nil
	}

	round, err := e.startRound(ctx, partyID, userID, "quorum")
	if errors.Is(err, storage.ErrRoundActive) {
		// Lost the race to a concurrent toggle; surface the winner's round.
		if active, lookupErr := e.rounds.ActiveRound(ctx, partyID); lookupErr == nil {
			id := active.ID
			outcome.HasActiveRound = true
			outcome.RoundID = &id
		}
		return outcome, nil
	}
	if err != nil {
		e.log.Error("quorum reached but round creation failed",
			zap.String("party_id", partyID.String()),
			zap.Error(err))
		return outcome, err
	}

	id := round.ID
	outcome.RoundCreated = true
	outcome.HasActiveRound = true
	outcome.RoundID = &id
	return outcome, nil
}

// StartRound explicitly starts a round for a party, bypassing the quorum
// trigger. The single-active-round rule still applies.
func (e *Engine) StartRound(ctx context.Context, partyID uuid.UUID, userID string) (*storage.RoundSnapshot, error) {
	round, err := e.startRound(ctx, partyID, userID, "manual")
	if err != nil {
		return nil, err
	}
	return e.rounds.RoundSnapshot(ctx, round.ID)
}

// startRound fetches items and creates the round. The provider call happens
// before any lock; the active-round re-check happens inside CreateRound.
func (e *Engine) startRound(ctx context.Context, partyID uuid.UUID, createdBy, trigger string) (*models.Round, error) {
	party, err := e.parties.GetParty(ctx, partyID)
	if err != nil {
		return nil, err
	}
	if party.Cancelled {
		return nil, storage.ErrPartyCancelled
	}

	batch, err := e.gen.GenerateQuestions(ctx, ai.PartyContext{
		Title:       party.Title,
		Description: party.Description,
		StartTime:   party.StartTime,
		Capacity:    party.Capacity,
	}, e.cfg.QuestionCount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentGeneration, err)
	}

	questions := make([]models.Question, 0, len(batch.Items))
	for i, item := range batch.Items {
		questions = append(questions, models.Question{
			Order: uint(i + 1),
			TextA: truncate(item.A, maxQuestionText),
			TextB: truncate(item.B, maxQuestionText),
		})
	}

	round := &models.Round{
		PartyID:   partyID,
		CreatedBy: createdBy,
		ModelUsed: batch.Model,
	}
	if err := e.rounds.CreateRound(ctx, round, questions); err != nil {
		return nil, err
	}
	metrics.RoundsCreatedTotal.WithLabelValues(trigger).Inc()
	e.log.Info("round created",
		zap.String("party_id", partyID.String()),
		zap.String("round_id", round.ID.String()),
		zap.String("trigger", trigger),
		zap.Int("questions", len(questions)))

	event, eventErr := notify.NewGameCreated(partyID, round.ID)
	e.publish(ctx, event, eventErr)
	return round, nil
}

// CastVote records one user's choice and returns the question with its
// updated tallies.
func (e *Engine) CastVote(ctx context.Context, questionID uint, userID string, choice models.Choice) (*models.Question, error) {
	if !choice.Valid() {
		return nil, fmt.Errorf("%w: choice must be %q or %q", ErrInvalidInput, models.ChoiceA, models.ChoiceB)
	}
	question, err := e.rounds.CastVote(ctx, questionID, userID, choice)
	if err != nil {
		metrics.RecordVote(voteOutcome(err))
		return nil, err
	}
	metrics.RecordVote("accepted")

	event, eventErr := notify.NewVoteUpdate(question.RoundID, question.ID, question.CountA, question.CountB)
	e.publish(ctx, event, eventErr)
	return question, nil
}

func (e *Engine) GetRound(ctx context.Context, id uuid.UUID) (*storage.RoundSnapshot, error) {
	return e.rounds.RoundSnapshot(ctx, id)
}

// ActiveRound returns the party's active round, or storage.ErrNotFound.
func (e *Engine) ActiveRound(ctx context.Context, partyID uuid.UUID) (*models.Round, error) {
	return e.rounds.ActiveRound(ctx, partyID)
}

func (e *Engine) PartySnapshot(ctx context.Context, partyID uuid.UUID) (*storage.PartySnapshot, error) {
	return e.parties.PartySnapshot(ctx, partyID)
}

// publish fans an event out best-effort. Delivery failures are logged and
// swallowed: storage versions are authoritative and pollers recover anything
// a lost event would have carried.
func (e *Engine) publish(ctx context.Context, event notify.Event, err error) {
	if err != nil {
		e.log.Warn("dropping malformed event", zap.Error(err))
		return
	}
	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()
	if pubErr := e.events.Publish(ctx, event); pubErr != nil {
		e.log.Warn("event publish failed",
			zap.String("type", string(event.Type)),
			zap.String("topic", event.Topic()),
			zap.Error(pubErr))
	}
}

func joinOutcome(err error) string {
	switch {
	case errors.Is(err, storage.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, storage.ErrAlreadyJoined):
		return "already_joined"
	case errors.Is(err, storage.ErrPartyCancelled):
		return "cancelled"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func voteOutcome(err error) string {
	switch {
	case errors.Is(err, storage.ErrDuplicateVote):
		return "duplicate"
	case errors.Is(err, storage.ErrRoundClosed):
		return "round_closed"
	case errors.Is(err, storage.ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// truncate limits s to max runes. The provider is not trusted to respect the
// length cap, and cutting by byte index would split multibyte text.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
