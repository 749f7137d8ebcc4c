// Package notify fans state-change events out to subscribed clients.
// Push delivery is best-effort: the versioned state row in storage is
// authoritative, and pollers never depend on an event arriving.
package notify

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// EventType enumerates the closed set of notification kinds.
type EventType string

const (
	EventStandbyUpdate EventType = "standby_update"
	EventGameCreated   EventType = "game_created"
	EventVoteUpdate    EventType = "vote_update"
)

var errInvalidEvent = errors.New("invalid notification event")

// Event is one tagged variant with a fixed field set per type, validated at
// construction. Fields not used by a variant stay zero and are omitted from
// the wire form.
type Event struct {
	Type EventType `json:"type"`

	PartyID string `json:"party_id,omitempty"`
	RoundID string `json:"round_id,omitempty"`

	// standby_update. Both counts are always present on the wire so a zero
	// standby count is distinguishable from a missing field.
	ParticipationCount int `json:"participation_count"`
	StandbyCount       int `json:"standby_count"`

	// vote_update
	QuestionID uint `json:"question_id,omitempty"`
	CountA     uint `json:"count_a"`
	CountB     uint `json:"count_b"`

	// Origin identifies the publishing process so a relay can skip its own
	// messages when they echo back.
	Origin string `json:"origin,omitempty"`
}

// NewStandbyUpdate reports changed waiting-room counts for a party.
func NewStandbyUpdate(partyID uuid.UUID, members, standby int) (Event, error) {
	if partyID == uuid.Nil {
		return Event{}, fmt.Errorf("%w: standby_update requires a party id", errInvalidEvent)
	}
	if members < 0 || standby < 0 || standby > members {
		return Event{}, fmt.Errorf("%w: inconsistent counts %d/%d", errInvalidEvent, standby, members)
	}
	return Event{
		Type:               EventStandbyUpdate,
		PartyID:            partyID.String(),
		ParticipationCount: members,
		StandbyCount:       standby,
	}, nil
}

// NewGameCreated announces a freshly created round to the party's waiting room.
func NewGameCreated(partyID, roundID uuid.UUID) (Event, error) {
	if partyID == uuid.Nil || roundID == uuid.Nil {
		return Event{}, fmt.Errorf("%w: game_created requires party and round ids", errInvalidEvent)
	}
	return Event{
		Type:    EventGameCreated,
		PartyID: partyID.String(),
		RoundID: roundID.String(),
	}, nil
}

// NewVoteUpdate carries the running tallies after a committed vote.
func NewVoteUpdate(roundID uuid.UUID, questionID uint, countA, countB uint) (Event, error) {
	if roundID == uuid.Nil || questionID == 0 {
		return Event{}, fmt.Errorf("%w: vote_update requires round and question ids", errInvalidEvent)
	}
	return Event{
		Type:       EventVoteUpdate,
		RoundID:    roundID.String(),
		QuestionID: questionID,
		CountA:     countA,
		CountB:     countB,
	}, nil
}

// Topic returns the subscription channel this event belongs to.
func (e Event) Topic() string {
	switch e.Type {
	case EventVoteUpdate:
		return RoundTopic(e.RoundID)
	default:
		return PartyTopic(e.PartyID)
	}
}

// PartyTopic names the waiting-room channel for a party.
func PartyTopic(partyID string) string {
	return "party:" + partyID
}

// RoundTopic names the live-round channel.
func RoundTopic(roundID string) string {
	return "round:" + roundID
}
