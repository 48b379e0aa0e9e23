package cleanup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylab/quarry/pkg/config"
	"github.com/quarrylab/quarry/pkg/model"
	"github.com/quarrylab/quarry/pkg/storage"
)

type fakeExplanations struct {
	mu      sync.Mutex
	deleted int64
	calls   int
	err     error
}

func (f *fakeExplanations) Get(context.Context, string) (*storage.ExplanationEntry, error) {
	return nil, storage.ErrNotFound
}

func (f *fakeExplanations) Put(context.Context, *storage.ExplanationEntry) error { return nil }

func (f *fakeExplanations) DeleteExpired(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.deleted, f.err
}

type fakeEvents struct {
	mu     sync.Mutex
	cutoff time.Time
	calls  int
}

func (f *fakeEvents) ListSince(context.Context, string, int64, int) ([]storage.EventRow, error) {
	return nil, nil
}

func (f *fakeEvents) ListByRequest(context.Context, string, int) ([]storage.EventRow, error) {
	return nil, nil
}

func (f *fakeEvents) MaxID(context.Context) (int64, error) { return 0, nil }

func (f *fakeEvents) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cutoff = cutoff
	return 3, nil
}

type fakeSessions struct {
	mu     sync.Mutex
	cutoff time.Time
	calls  int
}

func (f *fakeSessions) Load(context.Context, string) (*model.SessionDigest, error) {
	return nil, storage.ErrNotFound
}

func (f *fakeSessions) Save(context.Context, *model.SessionDigest) error { return nil }

func (f *fakeSessions) Delete(context.Context, string) error { return nil }

func (f *fakeSessions) DeleteIdleSince(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cutoff = cutoff
	return 1, nil
}

func retentionConfig() config.RetentionConfig {
	return config.RetentionConfig{
		EventTTL:       30 * 24 * time.Hour,
		SessionIdleTTL: 7 * 24 * time.Hour,
		SweepInterval:  time.Hour,
	}
}

func TestSweep_PrunesAllStores(t *testing.T) {
	explanations := &fakeExplanations{deleted: 2}
	events := &fakeEvents{}
	sessions := &fakeSessions{}
	svc := NewService(retentionConfig(), explanations, events, sessions)

	before := time.Now().UTC()
	svc.Sweep(context.Background())

	assert.Equal(t, 1, explanations.calls)
	assert.Equal(t, 1, events.calls)
	assert.Equal(t, 1, sessions.calls)

	assert.WithinDuration(t, before.Add(-30*24*time.Hour), events.cutoff, time.Minute)
	assert.WithinDuration(t, before.Add(-7*24*time.Hour), sessions.cutoff, time.Minute)
}

func TestSweep_FailingPassDoesNotBlockOthers(t *testing.T) {
	explanations := &fakeExplanations{err: fmt.Errorf("db down")}
	events := &fakeEvents{}
	sessions := &fakeSessions{}
	svc := NewService(retentionConfig(), explanations, events, sessions)

	svc.Sweep(context.Background())

	assert.Equal(t, 1, events.calls)
	assert.Equal(t, 1, sessions.calls)
}

func TestSweep_ZeroTTLDisablesPass(t *testing.T) {
	cfg := retentionConfig()
	cfg.EventTTL = 0
	cfg.SessionIdleTTL = 0
	events := &fakeEvents{}
	sessions := &fakeSessions{}
	svc := NewService(cfg, &fakeExplanations{}, events, sessions)

	svc.Sweep(context.Background())

	assert.Equal(t, 0, events.calls)
	assert.Equal(t, 0, sessions.calls)
}

func TestService_StartRunsImmediateSweepAndStops(t *testing.T) {
	explanations := &fakeExplanations{}
	cfg := retentionConfig()
	svc := NewService(cfg, explanations, &fakeEvents{}, &fakeSessions{})

	svc.Start(context.Background())
	require.Eventually(t, func() bool {
		explanations.mu.Lock()
		defer explanations.mu.Unlock()
		return explanations.calls >= 1
	}, 2*time.Second, 10*time.Millisecond)

	svc.Stop()

	explanations.mu.Lock()
	after := explanations.calls
	explanations.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	explanations.mu.Lock()
	assert.Equal(t, after, explanations.calls, "no sweeps after Stop")
	explanations.mu.Unlock()
}

func TestService_StartTwiceIsNoop(t *testing.T) {
	svc := NewService(retentionConfig(), &fakeExplanations{}, &fakeEvents{}, &fakeSessions{})
	svc.Start(context.Background())
	svc.Start(context.Background())
	svc.Stop()
}
