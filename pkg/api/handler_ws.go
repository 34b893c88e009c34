package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/workstreamhq/maestro/pkg/events"
	"github.com/workstreamhq/maestro/pkg/planner"
)

const wsWriteTimeout = 10 * time.Second

// clientMessage is the envelope clients send over the socket.
type clientMessage struct {
	Type           string      `json:"type"` // message, approve, reject, update_plan, assistance_response, set_model, stop
	Content        string      `json:"content,omitempty"`
	Mode           string      `json:"mode,omitempty"`     // instant (default) or approval
	Strategy       string      `json:"strategy,omitempty"` // empty (planned) or react
	Model          string      `json:"model,omitempty"`
	ConfirmationID string      `json:"confirmation_id,omitempty"`
	Plan           *planUpdate `json:"plan,omitempty"`
	AssistanceID   string      `json:"assistance_id,omitempty"`
	Response       string      `json:"response,omitempty"`
}

type planUpdate struct {
	Plan  string   `json:"plan"`
	Steps []string `json:"steps"`
}

// handleWS upgrades GET /ws/:session_id and pumps client messages into the
// assistant. Events flow the other way through the bus subscriber; the
// handler blocks until the socket closes.
func (s *Server) handleWS(c *gin.Context) {
	sessionID := c.Param("session_id")
	if _, err := s.sessions.Get(sessionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	// gin's ResponseWriter flushes the handshake status through
	// WriteHeaderNow, which marks the response as written and makes the
	// subsequent Hijack fail. Re-wrapping it as a plain http.ResponseWriter
	// keeps gin out of the upgrade.
	conn, err := websocket.Accept(struct{ http.ResponseWriter }{c.Writer}, c.Request, &websocket.AcceptOptions{
		// Origin checks are left to the reverse proxy in front of us.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	ctx := c.Request.Context()
	sub := events.NewWSSubscriber(ctx, conn, wsWriteTimeout)
	s.bus.Connect(sessionID, sub)
	slog.Info("websocket connected", "session_id", sessionID)
	defer func() {
		s.bus.Disconnect(sessionID, sub)
		_ = sub.Close("connection closed")
		slog.Info("websocket disconnected", "session_id", sessionID)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.bus.Publish(sessionID, events.EventError, events.ErrorPayload{Message: "malformed message: " + err.Error()})
			continue
		}
		if err := s.dispatch(ctx, sessionID, &msg); err != nil {
			s.bus.Publish(sessionID, events.EventError, events.ErrorPayload{Message: err.Error()})
		}
	}
}

func (s *Server) dispatch(_ context.Context, sessionID string, msg *clientMessage) error {
	switch msg.Type {
	case "message":
		return s.agent.ProcessMessage(sessionID, msg.Content, msg.Mode, msg.Strategy)
	case "approve":
		return s.agent.ApprovePlan(sessionID, msg.ConfirmationID)
	case "reject":
		return s.agent.RejectPlan(sessionID, msg.ConfirmationID)
	case "update_plan":
		if msg.Plan == nil {
			return errMissingPlan
		}
		return s.agent.UpdatePlan(sessionID, &planner.Plan{Plan: msg.Plan.Plan, Steps: msg.Plan.Steps})
	case "assistance_response":
		return s.agent.ResolveAssistance(sessionID, msg.AssistanceID, msg.Response)
	case "set_model":
		return s.agent.SetModel(sessionID, msg.Model)
	case "stop":
		s.agent.StopGeneration(sessionID)
		return nil
	default:
		return &unknownTypeError{Type: msg.Type}
	}
}
