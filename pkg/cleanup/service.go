// Package cleanup enforces data retention: expired explanation-cache rows,
// events past their TTL and idle sessions are deleted on a fixed interval.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/quarrylab/quarry/pkg/config"
	"github.com/quarrylab/quarry/pkg/storage"
)

// Service runs the retention sweep in the background. All sweeps are
// idempotent and safe to run from multiple replicas.
type Service struct {
	cfg          config.RetentionConfig
	explanations storage.ExplanationCache
	events       storage.EventStore
	sessions     storage.SessionStore

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService wires the sweeper over the stores it prunes.
func NewService(cfg config.RetentionConfig, explanations storage.ExplanationCache, events storage.EventStore, sessions storage.SessionStore) *Service {
	return &Service{
		cfg:          cfg,
		explanations: explanations,
		events:       events,
		sessions:     sessions,
	}
}

// Start launches the background sweep loop. The first sweep runs
// immediately.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention sweeper started",
		"event_ttl", s.cfg.EventTTL,
		"session_idle_ttl", s.cfg.SessionIdleTTL,
		"interval", s.cfg.SweepInterval)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention sweeper stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)

	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs every retention pass once. A failing pass is logged and does
// not block the others.
func (s *Service) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	s.sweepExplanations(ctx)
	s.sweepEvents(ctx, now)
	s.sweepSessions(ctx, now)
}

func (s *Service) sweepExplanations(ctx context.Context) {
	if s.explanations == nil {
		return
	}
	count, err := s.explanations.DeleteExpired(ctx)
	if err != nil {
		slog.Error("Retention: explanation cache sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: dropped expired explanations", "count", count)
	}
}

func (s *Service) sweepEvents(ctx context.Context, now time.Time) {
	if s.events == nil || s.cfg.EventTTL <= 0 {
		return
	}
	count, err := s.events.DeleteOlderThan(ctx, now.Add(-s.cfg.EventTTL))
	if err != nil {
		slog.Error("Retention: event sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: dropped old events", "count", count)
	}
}

func (s *Service) sweepSessions(ctx context.Context, now time.Time) {
	if s.sessions == nil || s.cfg.SessionIdleTTL <= 0 {
		return
	}
	count, err := s.sessions.DeleteIdleSince(ctx, now.Add(-s.cfg.SessionIdleTTL))
	if err != nil {
		slog.Error("Retention: session sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: dropped idle sessions", "count", count)
	}
}
