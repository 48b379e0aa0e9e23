package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylab/quarry/pkg/accounting"
	"github.com/quarrylab/quarry/pkg/events"
	"github.com/quarrylab/quarry/pkg/llm"
	"github.com/quarrylab/quarry/pkg/model"
	"github.com/quarrylab/quarry/pkg/pipeline"
	"github.com/quarrylab/quarry/pkg/prompt"
	"github.com/quarrylab/quarry/pkg/service"
	"github.com/quarrylab/quarry/pkg/storage"
	"github.com/quarrylab/quarry/pkg/tools"
	"github.com/quarrylab/quarry/test/util"
)

// scriptedService builds a real façade over a scripted pipeline: one
// approve cycle resolving "Where is login defined?".
func scriptedService(t *testing.T) *service.Service {
	t.Helper()

	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.Spec{
		Name:     "search_code",
		Category: tools.CategoryComposed,
		Risk:     tools.RiskReadOnly,
		Params: []tools.Param{
			{Name: "query", Type: tools.ParamString, Required: true},
			{Name: "scope", Type: tools.ParamString},
		},
		Exposed: true,
		Handler: func(context.Context, map[string]any) *model.ToolResult {
			return &model.ToolResult{
				Tool:     "search_code",
				Status:   model.ToolStatusSuccess,
				FoundVia: "exact_symbol",
				Data: map[string]any{
					"matches": []map[string]any{{"path": "src/auth/login.py", "line": 42, "text": "def login"}},
				},
				Citations: []string{"src/auth/login.py:42"},
			}
		},
	}))
	reg.Freeze()

	stub := llm.NewScriptedClient(
		llm.ScriptedResponse{Text: `{"classified_intent":"find_symbol","goals":["locate the definition"],"clarification_required":false}`, TokensIn: 40, TokensOut: 15},
		llm.ScriptedResponse{Text: `{"steps":[{"tool_name":"search_code","arguments":{"query":"login"},"rationale":"locate it"}],"context_budget_remaining":20000}`, TokensIn: 40, TokensOut: 15},
		llm.ScriptedResponse{Text: `{"claims":[{"text":"login is defined in src/auth/login.py","supporting_citations":["src/auth/login.py:42"]}]}`, TokensIn: 40, TokensOut: 15},
		llm.ScriptedResponse{Text: `{"verdict":"approve","reason":"all claims supported"}`, TokensIn: 40, TokensOut: 15},
		llm.ScriptedResponse{Text: `{"final_response":"The function login is defined at [src/auth/login.py:42].","cited_sources":["src/auth/login.py:42"]}`, TokensIn: 40, TokensOut: 15},
	)

	prompts, err := prompt.NewDefaultRegistry()
	require.NoError(t, err)
	tracker := accounting.NewTracker(accounting.DefaultBounds())
	deps := pipeline.Deps{
		LLM:        llm.NewMetered(stub, tracker),
		Prompts:    prompts,
		Tools:      reg,
		Accountant: tracker,
		Bounds:     tracker.Bounds(),
	}
	runtime := pipeline.NewRuntime(pipeline.DefaultStages(deps), deps)
	return service.New(runtime, nil, nil, tracker)
}

// memEventStore backs the REST event log in handler tests.
type memEventStore struct {
	rows []storage.EventRow
	err  error
}

func (m *memEventStore) ListSince(context.Context, string, int64, int) ([]storage.EventRow, error) {
	return nil, nil
}

func (m *memEventStore) ListByRequest(_ context.Context, requestID string, limit int) ([]storage.EventRow, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []storage.EventRow
	for _, r := range m.rows {
		if r.RequestID == requestID {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memEventStore) MaxID(context.Context) (int64, error) { return 0, nil }

func (m *memEventStore) DeleteOlderThan(context.Context, time.Time) (int64, error) { return 0, nil }

func newTestServer(t *testing.T, store storage.EventStore) *httptest.Server {
	t.Helper()
	manager := events.NewConnectionManager(nil)
	srv := NewServer(scriptedService(t), nil, store, manager, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func TestQueryEndpoint_ReturnsTerminalResult(t *testing.T) {
	ts := newTestServer(t, &memEventStore{})

	resp := postJSON(t, ts.URL+"/api/v1/queries", map[string]any{"query": "Where is login defined?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "completed", body["termination_reason"])
	assert.Contains(t, body["final_response"], "[src/auth/login.py:42]")
	assert.NotEmpty(t, body["request_id"])
}

func TestQueryEndpoint_MissingQuery(t *testing.T) {
	ts := newTestServer(t, &memEventStore{})

	resp := postJSON(t, ts.URL+"/api/v1/queries", map[string]any{"session_id": "s1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryEndpoint_InvalidDeadline(t *testing.T) {
	ts := newTestServer(t, &memEventStore{})

	resp := postJSON(t, ts.URL+"/api/v1/queries", map[string]any{
		"query":   "q",
		"options": map[string]any{"deadline": "tomorrow"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryEndpoint_NegativeMaxReintent(t *testing.T) {
	ts := newTestServer(t, &memEventStore{})

	resp := postJSON(t, ts.URL+"/api/v1/queries", map[string]any{
		"query":   "q",
		"options": map[string]any{"max_reintent": -1},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelEndpoint_UnknownRequest(t *testing.T) {
	ts := newTestServer(t, &memEventStore{})

	resp := postJSON(t, ts.URL+"/api/v1/requests/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsEndpoint_ReturnsPersistedEvents(t *testing.T) {
	store := &memEventStore{rows: []storage.EventRow{
		{ID: 1, RequestID: "req-1", EventType: "stage.event", Payload: []byte(`{"stage":"planner"}`), CreatedAt: time.Now().UTC()},
		{ID: 2, RequestID: "req-1", EventType: "request.terminal", Payload: []byte(`{"final_response":"done"}`), CreatedAt: time.Now().UTC()},
		{ID: 3, RequestID: "req-2", EventType: "stage.event", Payload: []byte(`{}`), CreatedAt: time.Now().UTC()},
	}}
	ts := newTestServer(t, store)

	resp, err := http.Get(ts.URL + "/api/v1/requests/req-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "req-1", body["request_id"])
	eventsList, ok := body["events"].([]any)
	require.True(t, ok)
	assert.Len(t, eventsList, 2)
}

func TestEventsEndpoint_UnknownRequest(t *testing.T) {
	ts := newTestServer(t, &memEventStore{})

	resp, err := http.Get(ts.URL + "/api/v1/requests/ghost/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsEndpoint_BadLimit(t *testing.T) {
	ts := newTestServer(t, &memEventStore{})

	resp, err := http.Get(ts.URL + "/api/v1/requests/req-1/events?limit=zero")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsEndpoint_StoreError(t *testing.T) {
	ts := newTestServer(t, &memEventStore{err: fmt.Errorf("db down")})

	resp, err := http.Get(ts.URL + "/api/v1/requests/req-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestWSEndpoint_EstablishesConnection(t *testing.T) {
	ts := newTestServer(t, &memEventStore{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "connection.established", msg["type"])
}

func TestHealthEndpoint_WithDatabase(t *testing.T) {
	db := util.SetupTestDatabase(t)
	srv := NewServer(scriptedService(t), db, &memEventStore{}, nil, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "healthy", body["status"])

	dbHealth, ok := body["database"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "healthy", dbHealth["status"])
	pool, ok := dbHealth["pool"].(map[string]any)
	require.True(t, ok)
	assert.GreaterOrEqual(t, pool["open"], float64(1))
}
