package api

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"huddle/pkg/metrics"
	"huddle/pkg/notify"
)

// streamHeartbeat keeps intermediaries from reaping idle SSE connections.
const streamHeartbeat = 15 * time.Second

// partyEvents streams waiting-room events for a party over SSE. The stream
// is a push overlay on the versioned wait state: a client that misses events
// recovers by polling, so dropped messages are acceptable here.
func (s *Server) partyEvents(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if _, err := s.engine.GetParty(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	s.streamTopic(c, notify.PartyTopic(id.String()), "party")
}

// roundEvents streams vote-tally events for a round over SSE.
func (s *Server) roundEvents(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if _, err := s.engine.GetRound(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	s.streamTopic(c, notify.RoundTopic(id.String()), "round")
}

func (s *Server) streamTopic(c *gin.Context, topic, kind string) {
	sub := s.registry.Subscribe(topic)
	defer sub.Close()

	metrics.StreamSubscribers.WithLabelValues(kind).Inc()
	defer metrics.StreamSubscribers.WithLabelValues(kind).Dec()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, open := <-sub.C():
			if !open {
				return false
			}
			c.SSEvent(string(event.Type), event)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
