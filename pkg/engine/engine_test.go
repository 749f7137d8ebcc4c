package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/pkg/ai"
	"huddle/pkg/engine"
	"huddle/pkg/models"
	"huddle/pkg/notify"
	"huddle/pkg/storage"
	"huddle/pkg/storage/memory"
)

// fakeGenerator is a controllable stand-in for the question service.
type fakeGenerator struct {
	mu    sync.Mutex
	calls int32
	err   error
	delay time.Duration
	items []ai.Item
}

func (f *fakeGenerator) GenerateQuestions(ctx context.Context, party ai.PartyContext, count int) (*ai.Batch, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	err := f.err
	fixed := f.items
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if fixed != nil {
		return &ai.Batch{Model: "fake-v1", Items: fixed}, nil
	}

	items := make([]ai.Item, count)
	for i := range items {
		items[i] = ai.Item{A: fmt.Sprintf("option a %d", i), B: fmt.Sprintf("option b %d", i)}
	}
	return &ai.Batch{Model: "fake-v1", Items: items}, nil
}

func (f *fakeGenerator) setError(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type testRig struct {
	engine *engine.Engine
	store  *memory.Store
	gen    *fakeGenerator
}

func newRig(t *testing.T, cfg engine.Config) *testRig {
	t.Helper()
	store := memory.NewStore()
	gen := &fakeGenerator{}
	eng := engine.New(store, store, gen, notify.NewRegistry(), nil, cfg)
	return &testRig{engine: eng, store: store, gen: gen}
}

func (r *testRig) createParty(t *testing.T, capacity uint) *models.Party {
	t.Helper()
	party := &models.Party{
		Title:     "friday night",
		Capacity:  capacity,
		StartTime: time.Now().Add(time.Hour),
		CreatedBy: "host-1",
	}
	require.NoError(t, r.engine.CreateParty(context.Background(), party))
	return party
}

func (r *testRig) join(t *testing.T, partyID uuid.UUID, users ...string) {
	t.Helper()
	for _, user := range users {
		_, err := r.engine.JoinParty(context.Background(), partyID, user)
		require.NoError(t, err)
	}
}

func TestCreateParty_Validation(t *testing.T) {
	rig := newRig(t, engine.Config{})
	ctx := context.Background()

	cases := []struct {
		name  string
		party models.Party
	}{
		{"missing title", models.Party{Capacity: 4, StartTime: time.Now().Add(time.Hour)}},
		{"zero capacity", models.Party{Title: "x", StartTime: time.Now().Add(time.Hour)}},
		{"past start", models.Party{Title: "x", Capacity: 4, StartTime: time.Now().Add(-time.Hour)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := rig.engine.CreateParty(ctx, &tc.party)
			require.Error(t, err)
			assert.Equal(t, engine.KindValidation, engine.Classify(err))
		})
	}
}

func TestJoinParty_CapacityNeverExceededUnderConcurrency(t *testing.T) {
	rig := newRig(t, engine.Config{})
	party := rig.createParty(t, 5)

	const attempts = 20
	var wg sync.WaitGroup
	var accepted, rejected int32

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := rig.engine.JoinParty(context.Background(), party.ID, fmt.Sprintf("user-%d", n))
			switch {
			case err == nil:
				atomic.AddInt32(&accepted, 1)
			case errors.Is(err, storage.ErrCapacityExceeded):
				atomic.AddInt32(&rejected, 1)
			default:
				t.Errorf("unexpected join error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 5, accepted)
	assert.EqualValues(t, attempts-5, rejected)

	participants, err := rig.engine.ListParticipants(context.Background(), party.ID)
	require.NoError(t, err)
	assert.Len(t, participants, 5)
}

func TestJoinParty_Duplicate(t *testing.T) {
	rig := newRig(t, engine.Config{})
	party := rig.createParty(t, 4)

	_, err := rig.engine.JoinParty(context.Background(), party.ID, "alice")
	require.NoError(t, err)

	_, err = rig.engine.JoinParty(context.Background(), party.ID, "alice")
	assert.ErrorIs(t, err, storage.ErrAlreadyJoined)
	assert.Equal(t, engine.KindConflict, engine.Classify(err))
}

func TestJoinParty_Cancelled(t *testing.T) {
	rig := newRig(t, engine.Config{})
	party := rig.createParty(t, 4)
	require.NoError(t, rig.engine.CancelParty(context.Background(), party.ID, "host-1"))

	_, err := rig.engine.JoinParty(context.Background(), party.ID, "alice")
	assert.ErrorIs(t, err, storage.ErrPartyCancelled)
}

func TestCancelParty_OnlyCreator(t *testing.T) {
	rig := newRig(t, engine.Config{})
	party := rig.createParty(t, 4)

	err := rig.engine.CancelParty(context.Background(), party.ID, "mallory")
	assert.ErrorIs(t, err, engine.ErrNotOwner)
	assert.Equal(t, engine.KindForbidden, engine.Classify(err))

	require.NoError(t, rig.engine.CancelParty(context.Background(), party.ID, "host-1"))
	err = rig.engine.CancelParty(context.Background(), party.ID, "host-1")
	assert.ErrorIs(t, err, storage.ErrPartyCancelled)
}

func TestToggleStandby_BelowQuorumDoesNotCreateRound(t *testing.T) {
	rig := newRig(t, engine.Config{QuestionCount: 5})
	party := rig.createParty(t, 4)
	rig.join(t, party.ID, "a", "b", "c")

	outcome, err := rig.engine.ToggleStandby(context.Background(), party.ID, "a")
	require.NoError(t, err)
	assert.True(t, outcome.Standby)
	assert.Equal(t, 1, outcome.StandbyCount)
	assert.False(t, outcome.QuorumMet, "1 of 3 is not a strict majority")
	assert.False(t, outcome.RoundCreated)
	assert.EqualValues(t, 0, atomic.LoadInt32(&rig.gen.calls))
}

func TestToggleStandby_QuorumCreatesRound(t *testing.T) {
	rig := newRig(t, engine.Config{QuestionCount: 5})
	party := rig.createParty(t, 4)
	rig.join(t, party.ID, "a", "b", "c")

	_, err := rig.engine.ToggleStandby(context.Background(), party.ID, "a")
	require.NoError(t, err)

	outcome, err := rig.engine.ToggleStandby(context.Background(), party.ID, "b")
	require.NoError(t, err)
	assert.True(t, outcome.QuorumMet, "2 of 3 is a strict majority")
	assert.True(t, outcome.RoundCreated)
	require.NotNil(t, outcome.RoundID)

	snapshot, err := rig.engine.GetRound(context.Background(), *outcome.RoundID)
	require.NoError(t, err)
	assert.True(t, snapshot.Round.Active)
	assert.Equal(t, "fake-v1", snapshot.Round.ModelUsed)
	assert.Len(t, snapshot.Questions, 5)
	for i, q := range snapshot.Questions {
		assert.EqualValues(t, i+1, q.Order)
	}
}

func TestToggleStandby_ExistingRoundIsObservedNotDuplicated(t *testing.T) {
	rig := newRig(t, engine.Config{QuestionCount: 3})
	party := rig.createParty(t, 4)
	rig.join(t, party.ID, "a", "b", "c")

	_, err := rig.engine.ToggleStandby(context.Background(), party.ID, "a")
	require.NoError(t, err)
	first, err := rig.engine.ToggleStandby(context.Background(), party.ID, "b")
	require.NoError(t, err)
	require.True(t, first.RoundCreated)

	second, err := rig.engine.ToggleStandby(context.Background(), party.ID, "c")
	require.NoError(t, err)
	assert.False(t, second.RoundCreated)
	assert.True(t, second.HasActiveRound)
	require.NotNil(t, second.RoundID)
	assert.Equal(t, *first.RoundID, *second.RoundID)
	assert.EqualValues(t, 1, atomic.LoadInt32(&rig.gen.calls))
}

func TestToggleStandby_ConcurrentQuorumRaceCreatesExactlyOneRound(t *testing.T) {
	rig := newRig(t, engine.Config{QuestionCount: 3})
	rig.gen.delay = 20 * time.Millisecond
	party := rig.createParty(t, 8)

	users := []string{"a", "b", "c", "d", "e"}
	rig.join(t, party.ID, users...)

	var wg sync.WaitGroup
	var created int32
	for _, user := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			outcome, err := rig.engine.ToggleStandby(context.Background(), party.ID, u)
			if err != nil {
				t.Errorf("toggle failed for %s: %v", u, err)
				return
			}
			if outcome.RoundCreated {
				atomic.AddInt32(&created, 1)
			}
		}(user)
	}
	wg.Wait()

	assert.EqualValues(t, 1, created, "exactly one toggle may win the round creation race")

	round, err := rig.engine.ActiveRound(context.Background(), party.ID)
	require.NoError(t, err)
	assert.True(t, round.Active)
}

func TestToggleStandby_GenerationFailureKeepsToggle(t *testing.T) {
	rig := newRig(t, engine.Config{QuestionCount: 5})
	party := rig.createParty(t, 4)
	rig.join(t, party.ID, "a", "b", "c")

	_, err := rig.engine.ToggleStandby(context.Background(), party.ID, "a")
	require.NoError(t, err)

	rig.gen.setError(errors.New("provider down"))
	outcome, err := rig.engine.ToggleStandby(context.Background(), party.ID, "b")
	require.Error(t, err)
	assert.Equal(t, engine.KindUpstream, engine.Classify(err))
	require.NotNil(t, outcome, "the committed toggle must be reported alongside the failure")
	assert.True(t, outcome.Standby)
	assert.Equal(t, 2, outcome.StandbyCount)

	// The flip stayed committed.
	participants, err := rig.engine.ListParticipants(context.Background(), party.ID)
	require.NoError(t, err)
	standby := 0
	for _, p := range participants {
		if p.Standby {
			standby++
		}
	}
	assert.Equal(t, 2, standby)

	// No round came into existence.
	_, err = rig.engine.ActiveRound(context.Background(), party.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The next quorum-reaching toggle retries generation.
	rig.gen.setError(nil)
	retry, err := rig.engine.ToggleStandby(context.Background(), party.ID, "c")
	require.NoError(t, err)
	assert.True(t, retry.RoundCreated)
}

func TestStartRound_ManualAndConflict(t *testing.T) {
	rig := newRig(t, engine.Config{QuestionCount: 4})
	party := rig.createParty(t, 4)
	rig.join(t, party.ID, "a")

	snapshot, err := rig.engine.StartRound(context.Background(), party.ID, "host-1")
	require.NoError(t, err)
	assert.Len(t, snapshot.Questions, 4)

	_, err = rig.engine.StartRound(context.Background(), party.ID, "host-1")
	assert.ErrorIs(t, err, storage.ErrRoundActive)
	assert.Equal(t, engine.KindConflict, engine.Classify(err))
}

func TestStartRound_MultibyteTextTruncatedByRune(t *testing.T) {
	rig := newRig(t, engine.Config{QuestionCount: 1})
	party := rig.createParty(t, 2)
	rig.join(t, party.ID, "a")

	// 30 Hangul syllables: 90 bytes, 30 runes. A byte-indexed cut would land
	// mid-rune and leave invalid UTF-8 behind.
	long := strings.Repeat("가", 30)
	over := strings.Repeat("나", 120)
	rig.gen.items = []ai.Item{{A: long, B: over}}

	snapshot, err := rig.engine.StartRound(context.Background(), party.ID, "host-1")
	require.NoError(t, err)
	require.Len(t, snapshot.Questions, 1)

	q := snapshot.Questions[0]
	assert.True(t, utf8.ValidString(q.TextA))
	assert.True(t, utf8.ValidString(q.TextB))
	assert.Equal(t, long, q.TextA)
	assert.Equal(t, 80, utf8.RuneCountInString(q.TextB))
	assert.Equal(t, strings.Repeat("나", 80), q.TextB)
}

func startRoundWithVoters(t *testing.T, rig *testRig, voters ...string) (*models.Party, *storage.RoundSnapshot) {
	t.Helper()
	party := rig.createParty(t, uint(len(voters)+1))
	rig.join(t, party.ID, voters...)
	snapshot, err := rig.engine.StartRound(context.Background(), party.ID, "host-1")
	require.NoError(t, err)
	return party, snapshot
}

func TestCastVote_TallyAndDuplicate(t *testing.T) {
	rig := newRig(t, engine.Config{QuestionCount: 2})
	_, snapshot := startRoundWithVoters(t, rig, "alice", "bob")
	question := snapshot.Questions[0]

	updated, err := rig.engine.CastVote(context.Background(), question.ID, "alice", models.ChoiceA)
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated.CountA)
	assert.EqualValues(t, 0, updated.CountB)

	_, err = rig.engine.CastVote(context.Background(), question.ID, "alice", models.ChoiceB)
	assert.ErrorIs(t, err, storage.ErrDuplicateVote)

	// The rejected second vote changed nothing.
	after, err := rig.engine.GetRound(context.Background(), snapshot.Round.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, after.Questions[0].CountA)
	assert.EqualValues(t, 0, after.Questions[0].CountB)
}

func TestCastVote_Preconditions(t *testing.T) {
	rig := newRig(t, engine.Config{QuestionCount: 2})
	_, snapshot := startRoundWithVoters(t, rig, "alice")
	question := snapshot.Questions[0]

	_, err := rig.engine.CastVote(context.Background(), question.ID, "stranger", models.ChoiceA)
	assert.ErrorIs(t, err, storage.ErrNotParticipant)

	_, err = rig.engine.CastVote(context.Background(), question.ID, "alice", models.Choice("C"))
	assert.Equal(t, engine.KindValidation, engine.Classify(err))

	_, err = rig.engine.CastVote(context.Background(), 9999, "alice", models.ChoiceA)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCastVote_ClosedRound(t *testing.T) {
	rig := newRig(t, engine.Config{QuestionCount: 2})
	party, snapshot := startRoundWithVoters(t, rig, "alice")
	require.NoError(t, rig.engine.CancelParty(context.Background(), party.ID, "host-1"))

	closed, err := rig.store.CloseExpiredRounds(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, closed, 1)

	_, err = rig.engine.CastVote(context.Background(), snapshot.Questions[0].ID, "alice", models.ChoiceA)
	assert.ErrorIs(t, err, storage.ErrRoundClosed)
}

func TestCastVote_ConcurrentDuplicatesSingleWinner(t *testing.T) {
	rig := newRig(t, engine.Config{QuestionCount: 1})
	_, snapshot := startRoundWithVoters(t, rig, "alice")
	question := snapshot.Questions[0]

	const attempts = 20
	var wg sync.WaitGroup
	var accepted int32
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rig.engine.CastVote(context.Background(), question.ID, "alice", models.ChoiceA)
			if err == nil {
				atomic.AddInt32(&accepted, 1)
			} else if !errors.Is(err, storage.ErrDuplicateVote) {
				t.Errorf("unexpected vote error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, accepted)

	after, err := rig.engine.GetRound(context.Background(), snapshot.Round.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, after.Questions[0].CountA+after.Questions[0].CountB)
}

func TestCastVote_ConcurrentDistinctVotersAllCounted(t *testing.T) {
	rig := newRig(t, engine.Config{QuestionCount: 1})
	voters := make([]string, 10)
	for i := range voters {
		voters[i] = fmt.Sprintf("voter-%d", i)
	}
	_, snapshot := startRoundWithVoters(t, rig, voters...)
	question := snapshot.Questions[0]

	var wg sync.WaitGroup
	for i, voter := range voters {
		wg.Add(1)
		choice := models.ChoiceA
		if i%2 == 1 {
			choice = models.ChoiceB
		}
		go func(v string, ch models.Choice) {
			defer wg.Done()
			if _, err := rig.engine.CastVote(context.Background(), question.ID, v, ch); err != nil {
				t.Errorf("vote failed for %s: %v", v, err)
			}
		}(voter, choice)
	}
	wg.Wait()

	after, err := rig.engine.GetRound(context.Background(), snapshot.Round.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, after.Questions[0].CountA)
	assert.EqualValues(t, 5, after.Questions[0].CountB)
}

func TestVersions_MonotonicAcrossMutations(t *testing.T) {
	rig := newRig(t, engine.Config{QuestionCount: 2})
	party := rig.createParty(t, 4)
	ctx := context.Background()

	var versions []uint64
	record := func() {
		snapshot, err := rig.engine.PartySnapshot(ctx, party.ID)
		require.NoError(t, err)
		versions = append(versions, snapshot.Version)
	}

	record()
	rig.join(t, party.ID, "a")
	record()
	rig.join(t, party.ID, "b")
	record()
	_, err := rig.engine.ToggleStandby(ctx, party.ID, "a")
	require.NoError(t, err)
	record()

	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1],
			"wait-state version must strictly increase on every committed mutation")
	}

	// Round versions behave the same on votes.
	snapshot, err := rig.engine.StartRound(ctx, party.ID, "host-1")
	require.NoError(t, err)
	before := snapshot.Version

	_, err = rig.engine.CastVote(ctx, snapshot.Questions[0].ID, "a", models.ChoiceA)
	require.NoError(t, err)

	after, err := rig.engine.GetRound(ctx, snapshot.Round.ID)
	require.NoError(t, err)
	assert.Greater(t, after.Version, before)
}
