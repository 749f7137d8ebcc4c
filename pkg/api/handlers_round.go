package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"huddle/pkg/models"
)

func (s *Server) getRound(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	snapshot, err := s.engine.GetRound(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// roundState long-polls the round's tally version, mirroring the party
// wait-state endpoint.
func (s *Server) roundState(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	known, err := strconv.ParseUint(c.DefaultQuery("version", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid version"})
		return
	}

	snapshot, changed, err := s.engine.WaitRoundState(c.Request.Context(), id, known)
	if err != nil {
		if errors.Is(err, c.Request.Context().Err()) && c.Request.Context().Err() != nil {
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

type castVoteRequest struct {
	Choice models.Choice `json:"choice" binding:"required"`
}

func (s *Server) castVote(c *gin.Context) {
	questionID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || questionID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid question id"})
		return
	}
	userID, ok := s.currentUserID(c)
	if !ok {
		return
	}

	var req castVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	question, voteErr := s.engine.CastVote(c.Request.Context(), uint(questionID), userID, req.Choice)
	if voteErr != nil {
		s.respondError(c, voteErr)
		return
	}
	c.JSON(http.StatusOK, question)
}
