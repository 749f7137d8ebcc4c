package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/pkg/ai"
	"huddle/pkg/api"
	"huddle/pkg/auth"
	"huddle/pkg/engine"
	"huddle/pkg/notify"
	"huddle/pkg/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubGenerator struct{}

func (stubGenerator) GenerateQuestions(ctx context.Context, party ai.PartyContext, count int) (*ai.Batch, error) {
	items := make([]ai.Item, count)
	for i := range items {
		items[i] = ai.Item{A: fmt.Sprintf("a%d", i), B: fmt.Sprintf("b%d", i)}
	}
	return &ai.Batch{Model: "stub", Items: items}, nil
}

type apiRig struct {
	server *api.Server
	jwt    *auth.JWTService
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()

	store := memory.NewStore()
	registry := notify.NewRegistry()
	eng := engine.New(store, store, stubGenerator{}, registry, nil, engine.Config{
		QuestionCount: 3,
		PollInterval:  5 * time.Millisecond,
		PollTimeout:   50 * time.Millisecond,
	})

	jwtCfg := auth.DefaultJWTConfig()
	jwtCfg.SecretKey = "test-secret"
	jwtService, err := auth.NewJWTService(jwtCfg)
	require.NoError(t, err)

	server := api.NewServer(api.Config{
		Port:       "0",
		Engine:     eng,
		Registry:   registry,
		JWTService: jwtService,
		Logger:     nil,
	})
	return &apiRig{server: server, jwt: jwtService}
}

func (r *apiRig) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.server.Router().ServeHTTP(w, req)
	return w
}

func (r *apiRig) token(t *testing.T, userID string, role auth.Role) string {
	t.Helper()
	token, err := r.jwt.GenerateToken(userID, userID, role)
	require.NoError(t, err)
	return token
}

func (r *apiRig) createParty(t *testing.T, hostToken string, capacity int) string {
	t.Helper()
	w := r.do(t, http.MethodPost, "/api/v1/parties", hostToken, gin.H{
		"title":      "friday night",
		"capacity":   capacity,
		"start_time": time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var party struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &party))
	return party.ID
}

func TestAPI_RequiresAuthentication(t *testing.T) {
	rig := newAPIRig(t)

	w := rig.do(t, http.MethodGet, "/api/v1/parties", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Health and metrics stay open.
	w = rig.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_CreatePartyRequiresHostRole(t *testing.T) {
	rig := newAPIRig(t)
	member := rig.token(t, "m1", auth.RoleMember)

	w := rig.do(t, http.MethodPost, "/api/v1/parties", member, gin.H{
		"title":      "x",
		"capacity":   4,
		"start_time": time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAPI_JoinFlow(t *testing.T) {
	rig := newAPIRig(t)
	host := rig.token(t, "host-1", auth.RoleHost)
	partyID := rig.createParty(t, host, 2)

	alice := rig.token(t, "alice", auth.RoleMember)
	w := rig.do(t, http.MethodPost, "/api/v1/parties/"+partyID+"/join", alice, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Duplicate join conflicts.
	w = rig.do(t, http.MethodPost, "/api/v1/parties/"+partyID+"/join", alice, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Fill to capacity, then the gate closes.
	bob := rig.token(t, "bob", auth.RoleMember)
	w = rig.do(t, http.MethodPost, "/api/v1/parties/"+partyID+"/join", bob, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	carol := rig.token(t, "carol", auth.RoleMember)
	w = rig.do(t, http.MethodPost, "/api/v1/parties/"+partyID+"/join", carol, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAPI_StandbyQuorumAndVote(t *testing.T) {
	rig := newAPIRig(t)
	host := rig.token(t, "host-1", auth.RoleHost)
	partyID := rig.createParty(t, host, 4)

	alice := rig.token(t, "alice", auth.RoleMember)
	bob := rig.token(t, "bob", auth.RoleMember)
	for _, token := range []string{alice, bob} {
		w := rig.do(t, http.MethodPost, "/api/v1/parties/"+partyID+"/join", token, nil)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := rig.do(t, http.MethodPost, "/api/v1/parties/"+partyID+"/standby", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = rig.do(t, http.MethodPost, "/api/v1/parties/"+partyID+"/standby", bob, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var outcome struct {
		RoundCreated bool    `json:"round_created"`
		RoundID      *string `json:"round_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &outcome))
	require.True(t, outcome.RoundCreated)
	require.NotNil(t, outcome.RoundID)

	// Fetch the round and vote on its first question.
	w = rig.do(t, http.MethodGet, "/api/v1/rounds/"+*outcome.RoundID, alice, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snapshot struct {
		Questions []struct {
			ID uint `json:"id"`
		} `json:"questions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	require.NotEmpty(t, snapshot.Questions)

	votePath := fmt.Sprintf("/api/v1/questions/%d/vote", snapshot.Questions[0].ID)
	w = rig.do(t, http.MethodPost, votePath, alice, gin.H{"choice": "A"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = rig.do(t, http.MethodPost, votePath, alice, gin.H{"choice": "B"})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Non-participants cannot vote.
	stranger := rig.token(t, "stranger", auth.RoleMember)
	w = rig.do(t, http.MethodPost, votePath, stranger, gin.H{"choice": "A"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAPI_WaitStateNoChangeIs204(t *testing.T) {
	rig := newAPIRig(t)
	host := rig.token(t, "host-1", auth.RoleHost)
	partyID := rig.createParty(t, host, 4)

	// Version 0 is always stale, so the first call returns a snapshot.
	w := rig.do(t, http.MethodGet, "/api/v1/parties/"+partyID+"/wait-state?version=0", host, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snapshot struct {
		Version uint64 `json:"version"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))

	// Up to date, nothing happens within the poll window.
	path := fmt.Sprintf("/api/v1/parties/%s/wait-state?version=%d", partyID, snapshot.Version)
	w = rig.do(t, http.MethodGet, path, host, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestAPI_UnknownPartyIs404(t *testing.T) {
	rig := newAPIRig(t)
	token := rig.token(t, "u1", auth.RoleMember)

	w := rig.do(t, http.MethodGet, "/api/v1/parties/2c8f24ad-41f4-43fd-9e3c-2d2b6ba5be09", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = rig.do(t, http.MethodGet, "/api/v1/parties/not-a-uuid", token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
