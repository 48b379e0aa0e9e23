// Package service is the inbound façade: it admits queries, builds the
// envelope, spawns the pipeline runtime and fans events out to the caller
// and the event publisher. Session digests are folded back into storage
// after the terminal event.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quarrylab/quarry/pkg/accounting"
	"github.com/quarrylab/quarry/pkg/events"
	"github.com/quarrylab/quarry/pkg/model"
	"github.com/quarrylab/quarry/pkg/pipeline"
	"github.com/quarrylab/quarry/pkg/storage"
)

// ValidationError rejects a request at admission.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// Options are the caller-tunable knobs of one request.
type Options struct {
	// MaxReintent overrides the re-entry budget, clamped to the hard cap.
	// Nil keeps the default.
	MaxReintent *int

	// Deadline bounds the whole request. Zero means no deadline.
	Deadline time.Time
}

// Request is one inbound analysis query.
type Request struct {
	Query     string
	SessionID string
	Options   Options
}

// Result is the synchronous answer shape.
type Result struct {
	RequestID         string                  `json:"request_id"`
	SessionID         string                  `json:"session_id,omitempty"`
	FinalResponse     string                  `json:"final_response"`
	Citations         []string                `json:"citations,omitempty"`
	TerminationReason model.TerminationReason `json:"termination_reason"`
	TerminationDetail string                  `json:"termination_detail,omitempty"`
	Usage             model.ResourceUsage     `json:"resource_usage"`
}

// EventSink receives every stage and terminal event for out-of-band
// observers. Publish failures are logged and never fail the request.
type EventSink interface {
	PublishStage(ctx context.Context, payload events.StagePayload) error
	PublishTerminal(ctx context.Context, payload events.TerminalPayload) error
}

// Service owns request admission and the per-request cancel registry.
type Service struct {
	runtime    *pipeline.Runtime
	sink       EventSink
	sessions   storage.SessionStore
	accountant accounting.Accountant

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New wires the façade. The sink may be nil in embedded use.
func New(runtime *pipeline.Runtime, sink EventSink, sessions storage.SessionStore, accountant accounting.Accountant) *Service {
	return &Service{
		runtime:    runtime,
		sink:       sink,
		sessions:   sessions,
		accountant: accountant,
		active:     make(map[string]context.CancelFunc),
	}
}

// Query runs one request to completion and returns the terminal result.
func (s *Service) Query(ctx context.Context, req Request) (*Result, error) {
	_, stream, err := s.QueryStream(ctx, req)
	if err != nil {
		return nil, err
	}

	var terminal *model.TerminalEvent
	for ev := range stream {
		if ev.Terminal != nil {
			terminal = ev.Terminal
		}
	}
	if terminal == nil {
		return nil, fmt.Errorf("request ended without a terminal event")
	}
	return resultFrom(terminal), nil
}

// QueryStream admits the request and returns its event stream. The stream
// carries stage events in order and closes after exactly one terminal
// event. The caller must drain it.
func (s *Service) QueryStream(ctx context.Context, req Request) (string, <-chan pipeline.Event, error) {
	env, err := s.admit(req)
	if err != nil {
		return "", nil, err
	}

	runCtx, cancel := s.register(ctx, env.RequestID, req.Options.Deadline)

	slog.Info("Request admitted",
		"request_id", env.RequestID,
		"session_id", env.SessionID,
		"max_reintent", env.MaxReintent)

	out := make(chan pipeline.Event, 16)
	go func() {
		defer close(out)
		defer s.release(env.RequestID, cancel)

		for ev := range s.runtime.Run(runCtx, env) {
			s.publish(ev)
			if ev.Terminal != nil {
				s.persistDigest(env, ev.Terminal)
			}
			out <- ev
		}
	}()

	return env.RequestID, out, nil
}

// Cancel signals a running request to stop after its current stage.
// Returns false when the request is unknown or already finished.
func (s *Service) Cancel(requestID string) bool {
	s.mu.Lock()
	cancel, ok := s.active[requestID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	slog.Info("Request cancellation requested", "request_id", requestID)
	return true
}

// ActiveRequests reports how many requests are currently running.
func (s *Service) ActiveRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// admit validates the request and builds its envelope.
func (s *Service) admit(req Request) (*model.Envelope, error) {
	if req.Query == "" {
		return nil, &ValidationError{Field: "query", Reason: "must not be empty"}
	}

	env := model.NewEnvelope(uuid.NewString(), req.SessionID, req.Query)
	if req.Options.MaxReintent != nil {
		n := *req.Options.MaxReintent
		if n < 0 {
			return nil, &ValidationError{Field: "options.max_reintent", Reason: "must not be negative"}
		}
		if n > model.MaxReintentCycles {
			n = model.MaxReintentCycles
		}
		env.MaxReintent = n
	}
	return env, nil
}

func (s *Service) register(ctx context.Context, requestID string, deadline time.Time) (context.Context, context.CancelFunc) {
	var cancel context.CancelFunc
	if !deadline.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, deadline)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	s.mu.Lock()
	s.active[requestID] = cancel
	s.mu.Unlock()
	return ctx, cancel
}

func (s *Service) release(requestID string, cancel context.CancelFunc) {
	s.mu.Lock()
	delete(s.active, requestID)
	s.mu.Unlock()
	cancel()
	s.accountant.Release(requestID)
}

// publish forwards one event to the sink. Observability never fails a
// request, so errors are logged at Warn and dropped.
func (s *Service) publish(ev pipeline.Event) {
	if s.sink == nil {
		return
	}
	// Publishing uses its own short context: the request context may
	// already be cancelled when the terminal event goes out.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch {
	case ev.Stage != nil:
		err = s.sink.PublishStage(ctx, events.NewStagePayload(ev.Stage))
	case ev.Terminal != nil:
		err = s.sink.PublishTerminal(ctx, events.NewTerminalPayload(ev.Terminal))
	}
	if err != nil {
		slog.Warn("Event publish failed", "error", err)
	}
}

// persistDigest folds the finished request into the session's cross-request
// memory. Digest failures are logged and dropped.
func (s *Service) persistDigest(env *model.Envelope, terminal *model.TerminalEvent) {
	if env.SessionID == "" || s.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	digest, err := s.sessions.Load(ctx, env.SessionID)
	if errors.Is(err, storage.ErrNotFound) {
		digest = &model.SessionDigest{SessionID: env.SessionID}
	} else if err != nil {
		slog.Warn("Session digest load failed", "session_id", env.SessionID, "error", err)
		return
	}

	digest.RecordQuery(env.Query)
	digest.MergeExplored(env.ExploredFiles)
	if terminal.FinalResponse != "" {
		digest.LastResponse = terminal.FinalResponse
	}
	if err := s.sessions.Save(ctx, digest); err != nil {
		slog.Warn("Session digest save failed", "session_id", env.SessionID, "error", err)
	}
}

func resultFrom(t *model.TerminalEvent) *Result {
	return &Result{
		RequestID:         t.RequestID,
		SessionID:         t.SessionID,
		FinalResponse:     t.FinalResponse,
		Citations:         t.Citations,
		TerminationReason: t.TerminationReason,
		TerminationDetail: t.TerminationDetail,
		Usage:             t.Usage,
	}
}
