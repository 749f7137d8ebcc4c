package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/pkg/engine"
	"huddle/pkg/models"
	"huddle/pkg/storage"
)

func pollConfig() engine.Config {
	return engine.Config{
		QuestionCount: 2,
		PollInterval:  5 * time.Millisecond,
		PollTimeout:   100 * time.Millisecond,
	}
}

func TestWaitPartyState_ReturnsImmediatelyWhenStale(t *testing.T) {
	rig := newRig(t, pollConfig())
	party := rig.createParty(t, 4)

	start := time.Now()
	snapshot, changed, err := rig.engine.WaitPartyState(context.Background(), party.ID, 0)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, snapshot)
	assert.GreaterOrEqual(t, snapshot.Version, uint64(1))
	assert.Less(t, time.Since(start), 50*time.Millisecond,
		"a stale client should not wait a full poll interval")
}

func TestWaitPartyState_TimesOutWithoutChange(t *testing.T) {
	rig := newRig(t, pollConfig())
	party := rig.createParty(t, 4)

	current, err := rig.engine.PartySnapshot(context.Background(), party.ID)
	require.NoError(t, err)

	start := time.Now()
	snapshot, changed, err := rig.engine.WaitPartyState(context.Background(), party.ID, current.Version)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, snapshot)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitPartyState_WakesOnMutation(t *testing.T) {
	rig := newRig(t, pollConfig())
	party := rig.createParty(t, 4)

	current, err := rig.engine.PartySnapshot(context.Background(), party.ID)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		if _, err := rig.engine.JoinParty(context.Background(), party.ID, "late-joiner"); err != nil {
			t.Errorf("join failed: %v", err)
		}
	}()

	snapshot, changed, err := rig.engine.WaitPartyState(context.Background(), party.ID, current.Version)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, snapshot)
	assert.Greater(t, snapshot.Version, current.Version)
	assert.Equal(t, 1, snapshot.ParticipationCount)
}

func TestWaitPartyState_ContextCancellation(t *testing.T) {
	rig := newRig(t, engine.Config{
		PollInterval: 5 * time.Millisecond,
		PollTimeout:  time.Minute,
	})
	party := rig.createParty(t, 4)

	current, err := rig.engine.PartySnapshot(context.Background(), party.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, changed, err := rig.engine.WaitPartyState(ctx, party.ID, current.Version)
	assert.False(t, changed)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitPartyState_UnknownParty(t *testing.T) {
	rig := newRig(t, pollConfig())

	_, _, err := rig.engine.WaitPartyState(context.Background(), uuid.New(), 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWaitRoundState_WakesOnVote(t *testing.T) {
	rig := newRig(t, pollConfig())
	_, snapshot := startRoundWithVoters(t, rig, "alice")

	go func() {
		time.Sleep(20 * time.Millisecond)
		if _, err := rig.engine.CastVote(context.Background(), snapshot.Questions[0].ID, "alice", models.ChoiceA); err != nil {
			t.Errorf("vote failed: %v", err)
		}
	}()

	fresh, changed, err := rig.engine.WaitRoundState(context.Background(), snapshot.Round.ID, snapshot.Version)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, fresh)
	assert.Greater(t, fresh.Version, snapshot.Version)
	assert.EqualValues(t, 1, fresh.Questions[0].CountA)
}
