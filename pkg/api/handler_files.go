package api

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/workstreamhq/maestro/pkg/session"
)

// attachFileRequest is the body of POST /api/sessions/:id/files. Text files
// send their payload in content; binary files send base64 in data.
type attachFileRequest struct {
	Filename  string `json:"filename"`
	MediaType string `json:"media_type"`
	Content   string `json:"content,omitempty"`
	Data      string `json:"data,omitempty"`
}

// attachFile handles POST /api/sessions/:id/files. The upload becomes part
// of the conversation context and is inlined into planning and step prompts.
func (s *Server) attachFile(c *gin.Context) {
	conv, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var req attachFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed body: " + err.Error()})
		return
	}
	if req.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "filename is required"})
		return
	}
	if req.Content == "" && req.Data == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content or data is required"})
		return
	}

	file := session.AttachedFile{
		ID:   uuid.New().String(),
		Name: req.Filename,
		MIME: req.MediaType,
		Text: req.Content,
	}
	if req.Data != "" {
		raw, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "data is not valid base64"})
			return
		}
		file.Data = raw
	}
	conv.AttachFile(file)
	c.JSON(http.StatusCreated, gin.H{"file_id": file.ID})
}
