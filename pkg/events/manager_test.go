package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openagora/agora/pkg/agent"
	"github.com/openagora/agora/pkg/bus"
	"github.com/openagora/agora/pkg/config"
	"github.com/openagora/agora/pkg/eventlog"
	"github.com/openagora/agora/pkg/insights"
	"github.com/openagora/agora/pkg/llm"
	"github.com/openagora/agora/pkg/models"
	"github.com/openagora/agora/pkg/moderator"
	"github.com/openagora/agora/pkg/rules"
	"github.com/openagora/agora/pkg/storage"
)

type testEnv struct {
	manager *ConnectionManager
	server  *httptest.Server
	log     *eventlog.Log
	mod     *moderator.Controller
}

func setupTestManager(t *testing.T, mutate func(*Services)) *testEnv {
	t.Helper()

	b := bus.New()
	log := eventlog.New(storage.NewMemoryStore(), eventlog.WithPublisher(b.Publish))
	mod := moderator.New(log, rules.New(), nil)

	svc := Services{Log: log, Bus: b, Moderator: mod}
	if mutate != nil {
		mutate(&svc)
	}
	manager := NewConnectionManager(svc, 5*time.Second)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(server.Close)

	return &testEnv{manager: manager, server: server, log: log, mod: mod}
}

// newDebateSession registers a pending session with two agents.
func (env *testEnv) newDebateSession(t *testing.T, sessionID string) {
	t.Helper()
	env.mod.CreateSessionState(sessionID)
	scenario := &config.Scenario{
		ID:        "debate",
		MaxRounds: 5,
		Phases: []config.Phase{
			{ID: "main", SpeakingOrder: config.OrderRoundRobin, AllowInterrupt: true},
		},
	}
	require.NoError(t, env.mod.SetScenario(sessionID, scenario))
	for _, id := range []string{"agent-a", "agent-b"} {
		require.NoError(t, env.mod.RegisterAgent(sessionID, agent.NewScriptedAgent(id, id)))
	}
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

// joinSession connects, joins, and consumes the handshake messages
// (connection.established, command_result, state_update).
func joinSession(t *testing.T, env *testEnv, sessionID string) *websocket.Conn {
	t.Helper()
	conn := connectWS(t, env.server)
	assert.Equal(t, "connection.established", readJSON(t, conn)["type"])

	sendJSON(t, conn, ClientMessage{Type: "join_session", SessionID: sessionID})
	result := readJSON(t, conn)
	require.Equal(t, "command_result", result["type"])
	require.Equal(t, true, result["success"])
	assert.Equal(t, "state_update", readJSON(t, conn)["type"])
	return conn
}

func TestConnectionEstablished(t *testing.T) {
	env := setupTestManager(t, nil)
	conn := connectWS(t, env.server)

	msg := readJSON(t, conn)
	assert.Equal(t, "connection.established", msg["type"])
	assert.NotEmpty(t, msg["connection_id"])
}

func TestJoinStreamsWorldEvents(t *testing.T) {
	env := setupTestManager(t, nil)
	env.newDebateSession(t, "s1")
	conn := joinSession(t, env, "s1")

	_, err := env.log.Append(context.Background(), "s1", models.EventSpeech, "agent-a",
		models.SpeechContent{AgentID: "agent-a", AgentName: "agent-a", Message: "hello"}.ToContent(), nil)
	require.NoError(t, err)

	we := readJSON(t, conn)
	require.Equal(t, "world_event", we["type"])
	assert.Equal(t, "SPEECH", we["eventType"])
	assert.Equal(t, float64(1), we["tick"])
	payload := we["payload"].(map[string]any)
	assert.Equal(t, "agent-a", payload["speaker"])

	// Every world_event is followed by a refreshed state_update.
	su := readJSON(t, conn)
	require.Equal(t, "state_update", su["type"])
	assert.Equal(t, float64(1), su["tick"])
}

func TestTerminalEventEndsSimulation(t *testing.T) {
	env := setupTestManager(t, nil)
	env.newDebateSession(t, "s1")
	require.NoError(t, env.mod.StartSession(context.Background(), "s1"))
	conn := joinSession(t, env, "s1")

	require.NoError(t, env.mod.EndSession(context.Background(), "s1", "time is up"))

	assert.Equal(t, "world_event", readJSON(t, conn)["type"])
	assert.Equal(t, "state_update", readJSON(t, conn)["type"])
	ended := readJSON(t, conn)
	require.Equal(t, "simulation_ended", ended["type"])
	assert.Equal(t, "s1", ended["sessionId"])
	assert.Equal(t, "time is up", ended["reason"])
}

func TestTransientPassthrough(t *testing.T) {
	env := setupTestManager(t, nil)
	env.newDebateSession(t, "s1")
	conn := joinSession(t, env, "s1")

	env.manager.svc.Bus.Publish(models.Event{
		ID:        "t1",
		SessionID: "s1",
		Type:      models.TransientChunk,
		Speaker:   "agent-a",
		Content:   models.ActionContent("chunk", map[string]any{"chunk": "par"}),
		Meta:      &models.Meta{Transient: true},
	})

	msg := readJSON(t, conn)
	assert.Equal(t, "agent:chunk", msg["type"])
	assert.Equal(t, "agent-a", msg["agentId"])
}

func TestJoinWithFullState(t *testing.T) {
	env := setupTestManager(t, nil)
	env.newDebateSession(t, "s1")
	for i := 0; i < 3; i++ {
		_, err := env.log.Append(context.Background(), "s1", models.EventSpeech, "agent-a",
			models.SpeechContent{AgentID: "agent-a", Message: "point"}.ToContent(), nil)
		require.NoError(t, err)
	}

	conn := connectWS(t, env.server)
	readJSON(t, conn) // connection.established
	sendJSON(t, conn, ClientMessage{Type: "join_session", SessionID: "s1", RequestFullState: true})
	readJSON(t, conn) // command_result
	readJSON(t, conn) // state_update

	fs := readJSON(t, conn)
	require.Equal(t, "full_state", fs["type"])
	events := fs["events"].([]any)
	require.Len(t, events, 3)
	first := events[0].(map[string]any)
	assert.Equal(t, float64(1), first["tick"])
}

func TestJoinWithCatchup(t *testing.T) {
	env := setupTestManager(t, nil)
	env.newDebateSession(t, "s1")
	for i := 0; i < 4; i++ {
		_, err := env.log.Append(context.Background(), "s1", models.EventSpeech, "agent-a",
			models.SpeechContent{AgentID: "agent-a", Message: "point"}.ToContent(), nil)
		require.NoError(t, err)
	}

	conn := connectWS(t, env.server)
	readJSON(t, conn) // connection.established
	sendJSON(t, conn, ClientMessage{Type: "join_session", SessionID: "s1", AfterSequence: 2})
	readJSON(t, conn) // command_result
	readJSON(t, conn) // state_update

	first := readJSON(t, conn)
	require.Equal(t, "world_event", first["type"])
	assert.Equal(t, float64(3), first["tick"])
	second := readJSON(t, conn)
	assert.Equal(t, float64(4), second["tick"])
}

func TestLeaveSessionStopsDelivery(t *testing.T) {
	env := setupTestManager(t, nil)
	env.newDebateSession(t, "s1")
	conn := joinSession(t, env, "s1")
	require.Equal(t, 1, env.manager.observerCount("s1"))

	sendJSON(t, conn, ClientMessage{Type: "leave_session", SessionID: "s1"})
	left := readJSON(t, conn)
	require.Equal(t, "command_result", left["type"])
	require.Equal(t, true, left["success"])

	require.Eventually(t, func() bool {
		return env.manager.observerCount("s1") == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err := env.log.Append(context.Background(), "s1", models.EventSpeech, "agent-a",
		models.SpeechContent{AgentID: "agent-a", Message: "unheard"}.ToContent(), nil)
	require.NoError(t, err)

	// Only a ping reply arrives; the speech was not delivered.
	sendJSON(t, conn, ClientMessage{Type: "ping"})
	assert.Equal(t, "pong", readJSON(t, conn)["type"])
}

func TestFeedOverflowDisconnectsObservers(t *testing.T) {
	env := setupTestManager(t, nil)
	env.newDebateSession(t, "s1")
	conn := joinSession(t, env, "s1")

	env.manager.dropFeed("s1")

	dropped := readJSON(t, conn)
	require.Equal(t, "feed_dropped", dropped["type"])
	assert.Equal(t, "s1", dropped["sessionId"])

	env.manager.sessionMu.RLock()
	_, hasFeed := env.manager.feeds["s1"]
	_, hasObservers := env.manager.sessions["s1"]
	env.manager.sessionMu.RUnlock()
	assert.False(t, hasFeed)
	assert.False(t, hasObservers)

	// Rejoining attaches a fresh feed and resumes delivery.
	sendJSON(t, conn, ClientMessage{Type: "join_session", SessionID: "s1"})
	result := readJSON(t, conn)
	require.Equal(t, "command_result", result["type"])
	require.Equal(t, true, result["success"])
	assert.Equal(t, "state_update", readJSON(t, conn)["type"])
}

func TestInterventionCommands(t *testing.T) {
	env := setupTestManager(t, nil)
	env.newDebateSession(t, "s1")
	conn := joinSession(t, env, "s1")

	level := 2
	sendJSON(t, conn, ClientMessage{Type: "intervention:set", SessionID: "s1", Level: &level})
	set := readJSON(t, conn)
	require.Equal(t, true, set["success"])

	sendJSON(t, conn, ClientMessage{Type: "intervention:get", SessionID: "s1"})
	got := readJSON(t, conn)
	require.Equal(t, true, got["success"])
	assert.Equal(t, float64(2), got["level"])

	bad := 7
	sendJSON(t, conn, ClientMessage{Type: "intervention:set", SessionID: "s1", Level: &bad})
	assert.Equal(t, false, readJSON(t, conn)["success"])
}

func TestIntentCommands(t *testing.T) {
	env := setupTestManager(t, nil)
	env.newDebateSession(t, "s1")
	conn := joinSession(t, env, "s1")

	sendJSON(t, conn, ClientMessage{
		Type:      "intent:submit",
		SessionID: "s1",
		Intent:    &models.Intent{AgentID: "agent-a", Type: models.IntentSpeak, Urgency: 3},
	})

	// The command reply and the streamed AGENT_RAISE_HAND event come from
	// different goroutines, so their relative order is not fixed.
	byType := map[string]map[string]any{}
	for i := 0; i < 3; i++ {
		msg := readJSON(t, conn)
		byType[msg["type"].(string)] = msg
	}
	submitted := byType["command_result"]
	require.NotNil(t, submitted)
	require.Equal(t, true, submitted["success"])
	assert.Equal(t, float64(1), submitted["position"])
	we := byType["world_event"]
	require.NotNil(t, we)
	assert.Equal(t, "AGENT_RAISE_HAND", we["eventType"])

	sendJSON(t, conn, ClientMessage{Type: "intent:list", SessionID: "s1"})
	listed := readJSON(t, conn)
	require.Equal(t, true, listed["success"])
	intents := listed["intents"].([]any)
	require.Len(t, intents, 1)
	assert.Equal(t, "agent-a", intents[0].(map[string]any)["agent_id"])
}

func TestSpeakRequestInjectsUtterance(t *testing.T) {
	env := setupTestManager(t, nil)
	env.newDebateSession(t, "s1")
	conn := joinSession(t, env, "s1")

	sendJSON(t, conn, ClientMessage{Type: "speak:request", SessionID: "s1", Content: "observer question"})

	// The injected speech streams back before the command result is read;
	// ordering between the two is not fixed, so collect both.
	types := map[string]bool{}
	for i := 0; i < 3; i++ {
		msg := readJSON(t, conn)
		types[msg["type"].(string)] = true
	}
	assert.True(t, types["command_result"])
	assert.True(t, types["world_event"])
}

func TestUnknownCommand(t *testing.T) {
	env := setupTestManager(t, nil)
	env.newDebateSession(t, "s1")
	conn := joinSession(t, env, "s1")

	sendJSON(t, conn, ClientMessage{Type: "telepathy:enable", SessionID: "s1"})
	msg := readJSON(t, conn)
	require.Equal(t, "command_result", msg["type"])
	assert.Equal(t, false, msg["success"])
	assert.Equal(t, "unknown command", msg["error"])
}

func TestCommandWithoutSession(t *testing.T) {
	env := setupTestManager(t, nil)
	conn := connectWS(t, env.server)
	readJSON(t, conn)

	sendJSON(t, conn, ClientMessage{Type: "intervention:get"})
	msg := readJSON(t, conn)
	assert.Equal(t, false, msg["success"])
}

func TestOutlineCommandNotConfigured(t *testing.T) {
	env := setupTestManager(t, nil)
	env.newDebateSession(t, "s1")
	conn := joinSession(t, env, "s1")

	sendJSON(t, conn, ClientMessage{Type: "outline:generate", SessionID: "s1", Topic: "t"})
	msg := readJSON(t, conn)
	assert.Equal(t, false, msg["success"])
}

func TestSummaryCommand(t *testing.T) {
	env := setupTestManager(t, func(svc *Services) {
		svc.Summary = insights.NewSummaryService(svc.Log, llm.NewScriptedClient("a short recap"))
	})
	env.newDebateSession(t, "s1")
	conn := joinSession(t, env, "s1")

	sendJSON(t, conn, ClientMessage{Type: "summary:generate", SessionID: "s1"})

	byType := map[string]map[string]any{}
	for i := 0; i < 3; i++ {
		msg := readJSON(t, conn)
		byType[msg["type"].(string)] = msg
	}
	result := byType["command_result"]
	require.NotNil(t, result)
	require.Equal(t, true, result["success"])
	we := byType["world_event"]
	require.NotNil(t, we)
	assert.Equal(t, "SUMMARY", we["eventType"])
}
