package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylab/quarry/pkg/model"
	"github.com/quarrylab/quarry/pkg/storage"
	"github.com/quarrylab/quarry/test/util"
)

// streamingTestEnv wires the real publisher, listener and manager against
// a real PostgreSQL database (testcontainers locally, service container in
// CI).
type streamingTestEnv struct {
	db        *sql.DB
	publisher *Publisher
	manager   *ConnectionManager
	listener  *NotifyListener
	server    *httptest.Server
	requestID string
	channel   string
}

func setupStreamingTest(t *testing.T) *streamingTestEnv {
	t.Helper()

	db, connStr := util.SetupTestDatabaseWithConnString(t)
	ctx := context.Background()

	requestID := uuid.NewString()
	publisher := NewPublisher(db)
	manager := NewConnectionManager(NewStoreCatchup(storage.NewPostgresEventStore(db)))

	listener := NewNotifyListener(connStr, manager)
	require.NoError(t, listener.Start(ctx))
	manager.SetListener(listener)
	t.Cleanup(func() { listener.Stop(context.Background()) })

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("websocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(server.Close)

	return &streamingTestEnv{
		db:        db,
		publisher: publisher,
		manager:   manager,
		listener:  listener,
		server:    server,
		requestID: requestID,
		channel:   RequestChannel(requestID),
	}
}

// subscribeAndWait opens a client subscribed to the env's request channel.
// Subscribe is synchronous through the listener's command channel, so once
// subscription.ok arrives the LISTEN is in effect.
func (env *streamingTestEnv) subscribeAndWait(t *testing.T) *websocket.Conn {
	t.Helper()
	conn := connectWS(t, env.server)

	msg := readJSON(t, conn)
	require.Equal(t, "connection.established", msg["type"])

	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: env.channel})
	msg = readJSON(t, conn)
	require.Equal(t, "subscription.ok", msg["type"])
	return conn
}

func (env *streamingTestEnv) stageEvent(status model.StageStatus) *model.StageEvent {
	return &model.StageEvent{
		RequestID: env.requestID,
		Stage:     model.StagePlanner,
		Status:    status,
		Summary:   "planning",
		Timestamp: time.Now().UTC(),
	}
}

func TestIntegration_PublisherPersistsAndNotifies(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	err := env.publisher.PublishStage(ctx, NewStagePayload(env.stageEvent(model.StageStarted)))
	require.NoError(t, err)

	var count int
	err = env.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM analysis_events WHERE request_id = $1", env.requestID).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	var payload []byte
	err = env.db.QueryRowContext(ctx,
		"SELECT payload FROM analysis_events WHERE request_id = $1", env.requestID).Scan(&payload)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(payload, &m))
	assert.Equal(t, EventTypeStage, m["type"])
	assert.Equal(t, "planner", m["stage"])
}

func TestIntegration_TransientEventsNotPersisted(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	err := env.publisher.PublishAnswerChunk(ctx, AnswerChunkPayload{
		Type:      EventTypeAnswerChunk,
		RequestID: env.requestID,
		Delta:     "The handler",
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	require.NoError(t, err)

	var count int
	err = env.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM analysis_events WHERE request_id = $1", env.requestID).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestIntegration_PublishToWebSocket(t *testing.T) {
	env := setupStreamingTest(t)
	conn := env.subscribeAndWait(t)

	err := env.publisher.PublishStage(context.Background(), NewStagePayload(env.stageEvent(model.StageCompleted)))
	require.NoError(t, err)

	msg := readJSON(t, conn)
	assert.Equal(t, EventTypeStage, msg["type"])
	assert.Equal(t, env.requestID, msg["request_id"])
	assert.Equal(t, "completed", msg["status"])
	assert.NotNil(t, msg["db_event_id"], "NOTIFY copy carries the log id")
}

func TestIntegration_AnswerChunkDelivery(t *testing.T) {
	env := setupStreamingTest(t)
	conn := env.subscribeAndWait(t)

	for _, delta := range []string{"The ", "handler ", "lives here."} {
		err := env.publisher.PublishAnswerChunk(context.Background(), AnswerChunkPayload{
			Type:      EventTypeAnswerChunk,
			RequestID: env.requestID,
			Delta:     delta,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		})
		require.NoError(t, err)
	}

	var assembled strings.Builder
	for i := 0; i < 3; i++ {
		msg := readJSON(t, conn)
		require.Equal(t, EventTypeAnswerChunk, msg["type"])
		assembled.WriteString(msg["delta"].(string))
	}
	assert.Equal(t, "The handler lives here.", assembled.String())
}

func TestIntegration_TerminalEventOnGlobalChannel(t *testing.T) {
	env := setupStreamingTest(t)

	conn := connectWS(t, env.server)
	msg := readJSON(t, conn)
	require.Equal(t, "connection.established", msg["type"])
	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: GlobalRequestsChannel})
	msg = readJSON(t, conn)
	require.Equal(t, "subscription.ok", msg["type"])

	err := env.publisher.PublishTerminal(context.Background(), NewTerminalPayload(&model.TerminalEvent{
		RequestID:         env.requestID,
		FinalResponse:     "done",
		TerminationReason: model.TerminationCompleted,
		Timestamp:         time.Now().UTC(),
	}))
	require.NoError(t, err)

	msg = readJSON(t, conn)
	assert.Equal(t, EventTypeTerminal, msg["type"])
	assert.Equal(t, env.requestID, msg["request_id"])
}

func TestIntegration_OversizedEventTruncatedOnWire(t *testing.T) {
	env := setupStreamingTest(t)
	conn := env.subscribeAndWait(t)

	ev := env.stageEvent(model.StageCompleted)
	ev.Summary = strings.Repeat("z", notifyLimit+500)
	err := env.publisher.PublishStage(context.Background(), NewStagePayload(ev))
	require.NoError(t, err)

	msg := readJSON(t, conn)
	assert.Equal(t, EventTypeStage, msg["type"])
	assert.Equal(t, true, msg["truncated"])
	assert.NotNil(t, msg["db_event_id"])

	// The full payload is still in the log for catchup.
	var payload []byte
	err = env.db.QueryRowContext(context.Background(),
		"SELECT payload FROM analysis_events WHERE request_id = $1", env.requestID).Scan(&payload)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(payload, &m))
	assert.Len(t, m["summary"], notifyLimit+500)
}

func TestIntegration_CatchupFromRealDB(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	for _, status := range []model.StageStatus{model.StageStarted, model.StageCompleted} {
		require.NoError(t, env.publisher.PublishStage(ctx, NewStagePayload(env.stageEvent(status))))
	}

	conn := connectWS(t, env.server)
	msg := readJSON(t, conn)
	require.Equal(t, "connection.established", msg["type"])

	last := 0
	writeClientMessage(t, conn, ClientMessage{
		Action: "subscribe", Channel: env.channel, LastEventID: &last,
	})
	msg = readJSON(t, conn)
	require.Equal(t, "subscription.ok", msg["type"])

	first := readJSON(t, conn)
	second := readJSON(t, conn)
	assert.Equal(t, "started", first["status"])
	assert.Equal(t, "completed", second["status"])
	assert.Less(t, first["db_event_id"].(float64), second["db_event_id"].(float64))
}
