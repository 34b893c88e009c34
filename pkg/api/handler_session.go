package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type sessionResponse struct {
	SessionID  string `json:"session_id"`
	Mode       string `json:"mode"`
	Model      string `json:"model,omitempty"`
	Turn       int    `json:"turn"`
	LastActive string `json:"last_active"`
}

// createSession handles POST /api/session/create.
func (s *Server) createSession(c *gin.Context) {
	conv := s.sessions.Create()
	c.JSON(http.StatusOK, gin.H{"session_id": conv.ID})
}

// listSessions handles GET /api/sessions.
func (s *Server) listSessions(c *gin.Context) {
	convs := s.sessions.List()
	out := make([]sessionResponse, 0, len(convs))
	for _, conv := range convs {
		out = append(out, sessionResponse{
			SessionID:  conv.ID,
			Mode:       string(conv.Mode()),
			Model:      conv.Model(),
			Turn:       conv.Turn(),
			LastActive: conv.LastActive().UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// getSession handles GET /api/sessions/:id.
func (s *Server) getSession(c *gin.Context) {
	conv, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sessionResponse{
		SessionID:  conv.ID,
		Mode:       string(conv.Mode()),
		Model:      conv.Model(),
		Turn:       conv.Turn(),
		LastActive: conv.LastActive().UTC().Format("2006-01-02T15:04:05Z"),
	})
}

// deleteSession handles DELETE /api/sessions/:id. It stops any running
// workflow and closes the session's socket before dropping the state.
func (s *Server) deleteSession(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.sessions.Get(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.agent.StopGeneration(id)
	s.bus.CloseSession(id, "session deleted")
	s.sessions.Delete(id)
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// health handles GET /healthz.
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"sessions": s.sessions.Count(),
	})
}
