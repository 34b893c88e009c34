package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workstreamhq/maestro/pkg/assistant"
	"github.com/workstreamhq/maestro/pkg/classify"
	"github.com/workstreamhq/maestro/pkg/events"
	"github.com/workstreamhq/maestro/pkg/llm/llmtest"
	"github.com/workstreamhq/maestro/pkg/orchestrator"
	"github.com/workstreamhq/maestro/pkg/planner"
	"github.com/workstreamhq/maestro/pkg/session"
	"github.com/workstreamhq/maestro/pkg/tools"
)

type apiHarness struct {
	mock     *llmtest.ScriptedClient
	sessions *session.Manager
	server   *Server
	router   http.Handler
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	mock := llmtest.NewScriptedClient()
	bus := events.NewBus()
	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterDatetime(reg))
	sessions := session.NewManager()

	cfg := assistant.Config{
		Orchestrator:   orchestrator.Config{Model: "claude-sonnet-4-5"},
		SubscriberWait: 200 * time.Millisecond,
		SubscriberPoll: 5 * time.Millisecond,
	}
	agent := assistant.New(bus, sessions, classify.New(mock, "claude-haiku-4-5"), mock, reg,
		planner.New(mock, reg, bus, "claude-sonnet-4-5", 0), cfg)

	srv := NewServer(agent, sessions, bus)
	return &apiHarness{mock: mock, sessions: sessions, server: srv, router: srv.Router()}
}

func (h *apiHarness) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func TestCreateAndGetSession(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPost, "/api/session/create", "")
	require.Equal(t, http.StatusOK, w.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created["session_id"]
	require.NotEmpty(t, id)

	w = h.do(t, http.MethodGet, "/api/sessions/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got sessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, id, got.SessionID)
	assert.Equal(t, "instant", got.Mode)
	assert.Equal(t, 0, got.Turn)
}

func TestGetSessionNotFound(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, http.MethodGet, "/api/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListSessions(t *testing.T) {
	h := newAPIHarness(t)
	h.sessions.Create()
	h.sessions.Create()

	w := h.do(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Sessions []sessionResponse `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Sessions, 2)
}

func TestDeleteSession(t *testing.T) {
	h := newAPIHarness(t)
	conv := h.sessions.Create()

	w := h.do(t, http.MethodDelete, "/api/sessions/"+conv.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, h.sessions.Count())

	w = h.do(t, http.MethodDelete, "/api/sessions/"+conv.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAttachFile(t *testing.T) {
	h := newAPIHarness(t)
	conv := h.sessions.Create()

	w := h.do(t, http.MethodPost, "/api/sessions/"+conv.ID+"/files",
		`{"filename":"notes.txt","media_type":"text/plain","content":"quarterly numbers: 42"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["file_id"])

	files := conv.AttachedFiles()
	require.Len(t, files, 1)
	assert.Equal(t, "notes.txt", files[0].Name)
	assert.Equal(t, "text/plain", files[0].MIME)
	assert.Equal(t, "quarterly numbers: 42", files[0].Text)
	assert.Equal(t, resp["file_id"], files[0].ID)
}

func TestAttachFileBinary(t *testing.T) {
	h := newAPIHarness(t)
	conv := h.sessions.Create()

	// "PNG" base64-encoded.
	w := h.do(t, http.MethodPost, "/api/sessions/"+conv.ID+"/files",
		`{"filename":"pixel.png","media_type":"image/png","data":"UE5H"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	files := conv.AttachedFiles()
	require.Len(t, files, 1)
	assert.Equal(t, []byte("PNG"), files[0].Data)
	assert.Empty(t, files[0].Text)
}

func TestAttachFileRejectsBadRequests(t *testing.T) {
	h := newAPIHarness(t)
	conv := h.sessions.Create()

	w := h.do(t, http.MethodPost, "/api/sessions/nope/files",
		`{"filename":"a.txt","content":"x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodPost, "/api/sessions/"+conv.ID+"/files",
		`{"content":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/api/sessions/"+conv.ID+"/files",
		`{"filename":"a.txt"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/api/sessions/"+conv.ID+"/files",
		`{"filename":"a.bin","data":"not base64!!!"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Empty(t, conv.AttachedFiles())
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
}

func TestWebSocketUnknownSession(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, http.MethodGet, "/ws/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// readEvent reads and decodes the next envelope off the socket.
func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) events.Envelope {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var env events.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestWebSocketRoundTrip(t *testing.T) {
	h := newAPIHarness(t)
	h.mock.AddText("Привет! Чем помочь?")

	conv := h.sessions.Create()
	ts := httptest.NewServer(h.router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + conv.ID
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText,
		[]byte(`{"type":"message","content":"привет"}`)))

	var seen []string
	for {
		env := readEvent(t, ctx, conn)
		seen = append(seen, env.Type)
		if env.Type == events.EventFinalResultComplete {
			break
		}
	}
	assert.Contains(t, seen, events.EventMessage)
	assert.Contains(t, seen, events.EventMessageChunk)
	assert.Contains(t, seen, events.EventMessageComplete)
}

func TestWebSocketUnknownType(t *testing.T) {
	h := newAPIHarness(t)
	conv := h.sessions.Create()
	ts := httptest.NewServer(h.router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + conv.ID
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"dance"}`)))

	env := readEvent(t, ctx, conn)
	assert.Equal(t, events.EventError, env.Type)
	assert.Contains(t, env.Data.(map[string]any)["message"], "unknown message type")
}

func TestWebSocketSetModel(t *testing.T) {
	h := newAPIHarness(t)
	conv := h.sessions.Create()
	ts := httptest.NewServer(h.router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + conv.ID
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText,
		[]byte(`{"type":"set_model","model":"gpt-4o"}`)))

	require.Eventually(t, func() bool {
		return conv.Model() == "gpt-4o"
	}, 2*time.Second, 10*time.Millisecond)
}
