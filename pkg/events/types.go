// Package events delivers pipeline events to observers: stage and terminal
// events are persisted to the analysis_events log and broadcast through
// PostgreSQL NOTIFY/LISTEN, so every replica can serve WebSocket
// subscribers regardless of which one ran the request.
package events

// Event types carried on the request channel.
const (
	// EventTypeStage marks one stage lifecycle transition (started,
	// completed, failed). Persisted and broadcast.
	EventTypeStage = "stage.event"

	// EventTypeTerminal is the single closing event of a request.
	// Persisted and broadcast.
	EventTypeTerminal = "request.terminal"

	// EventTypeAnswerChunk is a streaming fragment of the final answer.
	// NOTIFY only; the full text arrives with the terminal event.
	EventTypeAnswerChunk = "answer.chunk"
)

// GlobalRequestsChannel carries transient copies of terminal events for
// observers that watch all requests rather than one.
const GlobalRequestsChannel = "requests"

// RequestChannel returns the notification channel for one request's events.
func RequestChannel(requestID string) string {
	return "request:" + requestID
}

// ClientMessage is the JSON structure for client-to-server WebSocket
// messages.
type ClientMessage struct {
	Action      string `json:"action"` // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`
	LastEventID *int   `json:"last_event_id,omitempty"`
}
