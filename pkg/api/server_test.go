package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openagora/agora/pkg/bus"
	"github.com/openagora/agora/pkg/config"
	"github.com/openagora/agora/pkg/eventlog"
	"github.com/openagora/agora/pkg/models"
	"github.com/openagora/agora/pkg/moderator"
	"github.com/openagora/agora/pkg/rules"
	"github.com/openagora/agora/pkg/session"
	"github.com/openagora/agora/pkg/storage"
)

type apiEnv struct {
	server   *Server
	ts       *httptest.Server
	sessions *session.Manager
	log      *eventlog.Log
	mod      *moderator.Controller
}

func setupAPI(t *testing.T) *apiEnv {
	t.Helper()

	b := bus.New()
	log := eventlog.New(storage.NewMemoryStore(), eventlog.WithPublisher(b.Publish))
	mod := moderator.New(log, rules.New(), nil)
	scenarios, err := config.LoadScenarios("")
	require.NoError(t, err)
	mgr := session.NewManager(&config.Settings{}, scenarios, log, b, mod, nil)
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	s := NewServer(mgr, mod, log, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &apiEnv{server: s, ts: ts, sessions: mgr, log: log, mod: mod}
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) == 0 {
		return resp.StatusCode, nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		// List endpoints return arrays; callers decode those themselves.
		return resp.StatusCode, map[string]any{"_raw": string(data)}
	}
	return resp.StatusCode, out
}

func createScriptedSession(t *testing.T, env *apiEnv) string {
	t.Helper()
	status, body := doJSON(t, env.ts, http.MethodPost, "/api/v1/sessions", map[string]any{
		"topic":       "test topic",
		"scenario_id": "open-discussion",
		"agents": []map[string]any{
			{"profile": map[string]any{"id": "agent-a", "name": "Ada"}, "scripted": true},
			{"profile": map[string]any{"id": "agent-b", "name": "Ben"}, "scripted": true},
		},
	})
	require.Equal(t, http.StatusCreated, status, "body: %v", body)
	return body["session_id"].(string)
}

func TestCreateSession(t *testing.T) {
	env := setupAPI(t)
	status, body := doJSON(t, env.ts, http.MethodPost, "/api/v1/sessions", map[string]any{
		"topic":       "carbon tax",
		"scenario_id": "open-discussion",
		"agents": []map[string]any{
			{"profile": map[string]any{"id": "agent-a"}, "scripted": true},
		},
	})
	require.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, body["session_id"])
	assert.Equal(t, "carbon tax", body["topic"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "api-client", body["user_id"])
}

func TestCreateSessionValidation(t *testing.T) {
	env := setupAPI(t)
	status, body := doJSON(t, env.ts, http.MethodPost, "/api/v1/sessions", map[string]any{
		"scenario_id": "open-discussion",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["message"], "topic")
}

func TestGetSessionNotFound(t *testing.T) {
	env := setupAPI(t)
	status, _ := doJSON(t, env.ts, http.MethodGet, "/api/v1/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	env := setupAPI(t)
	id := createScriptedSession(t, env)

	status, body := doJSON(t, env.ts, http.MethodPost, "/api/v1/sessions/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "active", body["status"])

	status, _ = doJSON(t, env.ts, http.MethodPost, "/api/v1/sessions/"+id+"/pause", nil)
	require.Equal(t, http.StatusNoContent, status)
	state, err := env.mod.GetSessionState(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, state.Status)

	status, _ = doJSON(t, env.ts, http.MethodPost, "/api/v1/sessions/"+id+"/resume", nil)
	require.Equal(t, http.StatusNoContent, status)

	status, _ = doJSON(t, env.ts, http.MethodPost, "/api/v1/sessions/"+id+"/end",
		map[string]any{"reason": "done testing"})
	require.Equal(t, http.StatusNoContent, status)
	state, err = env.mod.GetSessionState(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, state.Status)

	status, _ = doJSON(t, env.ts, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusNoContent, status)
	status, _ = doJSON(t, env.ts, http.MethodGet, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestListEvents(t *testing.T) {
	env := setupAPI(t)
	id := createScriptedSession(t, env)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := env.log.Append(ctx, id, models.EventSpeech, "agent-a",
			models.SpeechContent{AgentID: "agent-a", Message: "point"}.ToContent(), nil)
		require.NoError(t, err)
	}

	status, body := doJSON(t, env.ts, http.MethodGet, "/api/v1/sessions/"+id+"/events", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(3), body["tick"])
	events := body["events"].([]any)
	require.Len(t, events, 3)

	status, body = doJSON(t, env.ts, http.MethodGet, "/api/v1/sessions/"+id+"/events?after=2", nil)
	require.Equal(t, http.StatusOK, status)
	events = body["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, float64(3), events[0].(map[string]any)["sequence"])

	status, _ = doJSON(t, env.ts, http.MethodGet, "/api/v1/sessions/"+id+"/events?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = doJSON(t, env.ts, http.MethodGet, "/api/v1/sessions/"+id+"/events?limit=999", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestIntentEndpoints(t *testing.T) {
	env := setupAPI(t)
	id := createScriptedSession(t, env)

	status, body := doJSON(t, env.ts, http.MethodPost, "/api/v1/sessions/"+id+"/intents",
		map[string]any{"agent_id": "agent-a", "type": "speak", "urgency": 2})
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, float64(1), body["position"])

	status, body = doJSON(t, env.ts, http.MethodGet, "/api/v1/sessions/"+id+"/intents", nil)
	require.Equal(t, http.StatusOK, status)
	intents := body["intents"].([]any)
	require.Len(t, intents, 1)
	assert.Equal(t, "agent-a", intents[0].(map[string]any)["agent_id"])

	status, _ = doJSON(t, env.ts, http.MethodPost, "/api/v1/sessions/"+id+"/intents",
		map[string]any{"type": "speak"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestInterventionEndpoints(t *testing.T) {
	env := setupAPI(t)
	id := createScriptedSession(t, env)

	status, body := doJSON(t, env.ts, http.MethodGet, "/api/v1/sessions/"+id+"/intervention", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["level"])

	status, body = doJSON(t, env.ts, http.MethodPut, "/api/v1/sessions/"+id+"/intervention",
		map[string]any{"level": 3})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(3), body["level"])

	status, _ = doJSON(t, env.ts, http.MethodPut, "/api/v1/sessions/"+id+"/intervention",
		map[string]any{"level": 9})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSessionHealthEndpoint(t *testing.T) {
	env := setupAPI(t)
	id := createScriptedSession(t, env)

	status, body := doJSON(t, env.ts, http.MethodGet, "/api/v1/sessions/"+id+"/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["total_speaks"])
}

func TestHealthEndpoint(t *testing.T) {
	env := setupAPI(t)
	status, body := doJSON(t, env.ts, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
}

func TestMissingSessionIDParam(t *testing.T) {
	env := setupAPI(t)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions//events", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := env.server.listEventsHandler(c)
	if assert.Error(t, err) {
		he, ok := err.(*echo.HTTPError)
		if assert.True(t, ok, "expected echo.HTTPError") {
			assert.Equal(t, http.StatusBadRequest, he.Code)
			assert.Contains(t, he.Message, "session id")
		}
	}
}
