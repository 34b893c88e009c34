// Package e2e provides end-to-end test infrastructure for the full
// message pipeline: HTTP API, WebSocket stream, classification,
// planning and step execution against a scripted LLM.
package e2e

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/workstreamhq/maestro/pkg/api"
	"github.com/workstreamhq/maestro/pkg/assistant"
	"github.com/workstreamhq/maestro/pkg/classify"
	"github.com/workstreamhq/maestro/pkg/events"
	"github.com/workstreamhq/maestro/pkg/llm/llmtest"
	"github.com/workstreamhq/maestro/pkg/orchestrator"
	"github.com/workstreamhq/maestro/pkg/planner"
	"github.com/workstreamhq/maestro/pkg/session"
	"github.com/workstreamhq/maestro/pkg/tools"
)

// TestApp boots a complete server instance for e2e testing.
type TestApp struct {
	LLM      *llmtest.ScriptedClient
	Tools    *tools.Registry
	Sessions *session.Manager
	Agent    *assistant.Agent
	Bus      *events.Bus

	BaseURL string
	WSURL   string

	t      *testing.T
	server *httptest.Server
}

type testAppConfig struct {
	orch  orchestrator.Config
	tools func(*testing.T, *tools.Registry)
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithOrchestratorConfig overrides orchestration tunables.
func WithOrchestratorConfig(cfg orchestrator.Config) TestAppOption {
	return func(c *testAppConfig) { c.orch = cfg }
}

// WithTools registers extra tools on top of the built-in set.
func WithTools(register func(*testing.T, *tools.Registry)) TestAppOption {
	return func(c *testAppConfig) { c.tools = register }
}

// NewTestApp boots the full stack on an ephemeral port. The server shuts
// down via t.Cleanup.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	cfg := &testAppConfig{orch: orchestrator.Config{Model: "claude-sonnet-4-5"}}
	for _, opt := range opts {
		opt(cfg)
	}

	mock := llmtest.NewScriptedClient()
	bus := events.NewBus()
	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterSandbox(reg, time.Second))
	require.NoError(t, tools.RegisterDatetime(reg))
	if cfg.tools != nil {
		cfg.tools(t, reg)
	}

	sessions := session.NewManager()
	agent := assistant.New(bus, sessions,
		classify.New(mock, "claude-haiku-4-5"),
		mock, reg,
		planner.New(mock, reg, bus, cfg.orch.Model, cfg.orch.ThinkingBudget),
		assistant.Config{
			Orchestrator:   cfg.orch,
			SubscriberWait: 2 * time.Second,
			SubscriberPoll: 5 * time.Millisecond,
		})

	server := httptest.NewServer(api.NewServer(agent, sessions, bus).Router())
	t.Cleanup(server.Close)

	return &TestApp{
		LLM:      mock,
		Tools:    reg,
		Sessions: sessions,
		Agent:    agent,
		Bus:      bus,
		BaseURL:  server.URL,
		WSURL:    "ws" + strings.TrimPrefix(server.URL, "http"),
		t:        t,
		server:   server,
	}
}

// Client is one connected WebSocket chat client.
type Client struct {
	SessionID string

	t    *testing.T
	ctx  context.Context
	conn *websocket.Conn
}

// Connect creates a session over the HTTP API and opens its socket.
func (app *TestApp) Connect(ctx context.Context) *Client {
	app.t.Helper()
	conv := app.Sessions.Create()

	conn, _, err := websocket.Dial(ctx, app.WSURL+"/ws/"+conv.ID, nil)
	require.NoError(app.t, err)
	app.t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	return &Client{SessionID: conv.ID, t: app.t, ctx: ctx, conn: conn}
}

// Send writes one client message to the socket.
func (c *Client) Send(msg map[string]any) {
	c.t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.Write(c.ctx, websocket.MessageText, data))
}

// SendMessage submits a user message.
func (c *Client) SendMessage(content string) {
	c.Send(map[string]any{"type": "message", "content": content})
}

// Next reads the next envelope off the socket.
func (c *Client) Next() events.Envelope {
	c.t.Helper()
	_, data, err := c.conn.Read(c.ctx)
	require.NoError(c.t, err)
	var env events.Envelope
	require.NoError(c.t, json.Unmarshal(data, &env))
	return env
}

// CollectUntil reads envelopes until one of the given types arrives,
// returning everything read including the terminator.
func (c *Client) CollectUntil(terminal ...string) []events.Envelope {
	c.t.Helper()
	stop := make(map[string]struct{}, len(terminal))
	for _, typ := range terminal {
		stop[typ] = struct{}{}
	}
	var out []events.Envelope
	for {
		env := c.Next()
		out = append(out, env)
		if _, ok := stop[env.Type]; ok {
			return out
		}
	}
}

// WaitFor reads envelopes until the given type arrives and returns it.
func (c *Client) WaitFor(eventType string) events.Envelope {
	c.t.Helper()
	envs := c.CollectUntil(eventType)
	return envs[len(envs)-1]
}

// Types extracts the event type sequence.
func Types(envs []events.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.Type)
	}
	return out
}

// TypesCondensed collapses consecutive duplicates, so streamed chunk runs
// compare as one entry.
func TypesCondensed(envs []events.Envelope) []string {
	var out []string
	for _, env := range envs {
		if len(out) == 0 || out[len(out)-1] != env.Type {
			out = append(out, env.Type)
		}
	}
	return out
}

// Data returns the envelope payload as a map.
func Data(env events.Envelope) map[string]any {
	m, _ := env.Data.(map[string]any)
	return m
}
