package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"huddle/pkg/api/middleware"
	"huddle/pkg/engine"
	"huddle/pkg/models"
	"huddle/pkg/storage"
)

// respondError maps engine and storage errors to HTTP status codes.
// Conflicts are state-dependent rejections made under the aggregate lock;
// they are 409 so clients can distinguish them from bad requests.
func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch engine.Classify(err) {
	case engine.KindValidation:
		status = http.StatusBadRequest
	case engine.KindNotFound:
		status = http.StatusNotFound
	case engine.KindForbidden:
		status = http.StatusForbidden
	case engine.KindConflict:
		status = http.StatusConflict
	case engine.KindUpstream:
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// currentUserID returns the authenticated user, aborting with 401 when the
// auth middleware did not attach claims.
func (s *Server) currentUserID(c *gin.Context) (string, bool) {
	claims, ok := middleware.GetUserFromContext(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return "", false
	}
	return claims.UserID, true
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

type createPartyRequest struct {
	Title       string    `json:"title" binding:"required"`
	Description string    `json:"description"`
	Capacity    uint      `json:"capacity" binding:"required"`
	StartTime   time.Time `json:"start_time" binding:"required"`
}

func (s *Server) createParty(c *gin.Context) {
	userID, ok := s.currentUserID(c)
	if !ok {
		return
	}

	var req createPartyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	party := &models.Party{
		Title:       req.Title,
		Description: req.Description,
		Capacity:    req.Capacity,
		StartTime:   req.StartTime,
		CreatedBy:   userID,
	}
	if err := s.engine.CreateParty(c.Request.Context(), party); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, party)
}

func (s *Server) listParties(c *gin.Context) {
	filter := storage.PartyListFilter{}
	if v, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil {
		filter.Limit = v
	}
	if v, err := strconv.Atoi(c.DefaultQuery("offset", "0")); err == nil {
		filter.Offset = v
	}
	if c.Query("include_cancelled") == "true" {
		filter.IncludeCancelled = true
	}
	if c.Query("upcoming") == "true" {
		now := time.Now()
		filter.StartAfter = &now
	}

	parties, err := s.engine.ListParties(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"parties": parties, "count": len(parties)})
}

func (s *Server) getParty(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	snapshot, err := s.engine.PartySnapshot(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) cancelParty(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	userID, ok := s.currentUserID(c)
	if !ok {
		return
	}
	if err := s.engine.CancelParty(c.Request.Context(), id, userID); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listParticipants(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if _, err := s.engine.GetParty(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	participants, err := s.engine.ListParticipants(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": participants, "count": len(participants)})
}

func (s *Server) joinParty(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	userID, ok := s.currentUserID(c)
	if !ok {
		return
	}

	result, err := s.engine.JoinParty(c.Request.Context(), id, userID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) toggleStandby(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	userID, ok := s.currentUserID(c)
	if !ok {
		return
	}

	outcome, err := s.engine.ToggleStandby(c.Request.Context(), id, userID)
	if err != nil {
		// A generation failure arrives together with a committed toggle;
		// report both rather than pretending the flip did not happen.
		if outcome != nil && engine.Classify(err) == engine.KindUpstream {
			c.JSON(http.StatusBadGateway, gin.H{
				"error":               err.Error(),
				"standby":             outcome.Standby,
				"participation_count": outcome.ParticipationCount,
				"standby_count":       outcome.StandbyCount,
				"version":             outcome.Version,
			})
			return
		}
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// partyWaitState is the long-poll endpoint. Clients pass the version they
// last saw; the response is either a fresh snapshot or 204 after the poll
// timeout.
func (s *Server) partyWaitState(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	known, err := strconv.ParseUint(c.DefaultQuery("version", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid version"})
		return
	}

	snapshot, changed, err := s.engine.WaitPartyState(c.Request.Context(), id, known)
	if err != nil {
		if errors.Is(err, c.Request.Context().Err()) && c.Request.Context().Err() != nil {
			// Client went away mid-wait; nothing to send.
			return
		}
		s.respondError(c, err)
		return
	}
	if !changed {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) activeRound(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	round, err := s.engine.ActiveRound(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, round)
}

func (s *Server) startRound(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	userID, ok := s.currentUserID(c)
	if !ok {
		return
	}

	snapshot, err := s.engine.StartRound(c.Request.Context(), id, userID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snapshot)
}
