package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/config"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu        sync.Mutex
	expired   []string
	sweeps    int
	deadlocks int
}

func (f *fakeEngine) Expire(ctx context.Context, swapID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, swapID)
	return true, nil
}

func (f *fakeEngine) SweepExpired(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return 0, nil
}

func (f *fakeEngine) CheckDeadlock(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadlocks++
	return 0, nil
}

func (f *fakeEngine) snapshot() ([]string, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.expired...), f.sweeps, f.deadlocks
}

type fakePurger struct {
	mu    sync.Mutex
	calls int
}

func (p *fakePurger) PurgeExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return 1
}

func (p *fakePurger) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestPeriodicJobs(t *testing.T) {
	engine := &fakeEngine{}
	purger := &fakePurger{}
	s := NewScheduler(config.Relayer{SweepInterval: 100 * time.Millisecond}, engine, purger)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		_, sweeps, deadlocks := engine.snapshot()
		return sweeps >= 2 && deadlocks >= 2 && purger.count() >= 2
	}, 3*time.Second, 20*time.Millisecond)
}

func TestScheduleExpiry(t *testing.T) {
	engine := &fakeEngine{}
	s := NewScheduler(config.Relayer{SweepInterval: time.Hour}, engine, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.NoError(t, s.ScheduleExpiry("swap-1", time.Now().Add(200*time.Millisecond)))
	require.NoError(t, s.ScheduleExpiry("swap-2", time.Now().Add(time.Hour)))
	require.Equal(t, 2, s.PendingExpiries())

	require.Eventually(t, func() bool {
		expired, _, _ := engine.snapshot()
		return len(expired) == 1
	}, 3*time.Second, 20*time.Millisecond)

	expired, _, _ := engine.snapshot()
	require.Equal(t, []string{"swap-1"}, expired)
}

func TestRescheduleAndCancelExpiry(t *testing.T) {
	engine := &fakeEngine{}
	s := NewScheduler(config.Relayer{SweepInterval: time.Hour}, engine, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.NoError(t, s.ScheduleExpiry("swap-1", time.Now().Add(time.Hour)))
	require.NoError(t, s.ScheduleExpiry("swap-1", time.Now().Add(2*time.Hour)))
	require.Equal(t, 1, s.PendingExpiries())

	s.CancelExpiry("swap-1")
	require.Equal(t, 0, s.PendingExpiries())

	// cancelling an unknown swap is a no-op
	s.CancelExpiry("swap-unknown")
}

func TestExpiryInThePastRunsPromptly(t *testing.T) {
	engine := &fakeEngine{}
	s := NewScheduler(config.Relayer{SweepInterval: time.Hour}, engine, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.NoError(t, s.ScheduleExpiry("swap-late", time.Now().Add(-time.Minute)))

	require.Eventually(t, func() bool {
		expired, _, _ := engine.snapshot()
		return len(expired) == 1
	}, 3*time.Second, 20*time.Millisecond)
}
